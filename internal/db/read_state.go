package db

import (
	"context"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ReadStateRepository tracks how far each viewer has read each thread.
type ReadStateRepository struct {
	db *DB
}

func NewReadStateRepository(db *DB) *ReadStateRepository {
	return &ReadStateRepository{db: db}
}

// MarkRead records that viewerID has read everything peerID sent up to now.
func (r *ReadStateRepository) MarkRead(ctx context.Context, viewerID, peerID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO read_state (viewer_id, peer_id, last_read_at) VALUES (?, ?, ?)
		ON CONFLICT (viewer_id, peer_id) DO UPDATE SET last_read_at = excluded.last_read_at`,
		viewerID, peerID, time.Now().UTC(),
	)
	if err != nil {
		if IsForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("marking thread read: %w", err)
	}
	return nil
}

// UnreadCounts returns, per sender, the number of live messages viewerID has
// received since last reading that thread. Peers with nothing unread are omitted.
func (r *ReadStateRepository) UnreadCounts(ctx context.Context, viewerID string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT m.sender_id, COUNT(*) FROM messages m
		LEFT JOIN read_state rs ON rs.viewer_id = m.recipient_id AND rs.peer_id = m.sender_id
		WHERE m.recipient_id = ? AND m.deleted = 0
			AND (rs.last_read_at IS NULL OR m.created_at > rs.last_read_at)
		GROUP BY m.sender_id`,
		viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying unread counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var peerID string
		var n int
		if err := rows.Scan(&peerID, &n); err != nil {
			return nil, fmt.Errorf("scanning unread count: %w", err)
		}
		counts[peerID] = n
	}
	return counts, rows.Err()
}

// LatestTimestamps returns the newest message time of each of viewerID's threads.
func (r *ReadStateRepository) LatestTimestamps(ctx context.Context, viewerID string) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT CASE WHEN sender_id = ? THEN recipient_id ELSE sender_id END AS peer_id, MAX(created_at)
		FROM messages
		WHERE sender_id = ? OR recipient_id = ?
		GROUP BY peer_id`,
		viewerID, viewerID, viewerID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest timestamps: %w", err)
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var peerID, raw string
		if err := rows.Scan(&peerID, &raw); err != nil {
			return nil, fmt.Errorf("scanning latest timestamp: %w", err)
		}
		ts, err := parseTimestamp(raw)
		if err != nil {
			return nil, err
		}
		latest[peerID] = ts
	}
	return latest, rows.Err()
}

// parseTimestamp reads an aggregate timestamp, which the driver returns as text.
func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range sqlite3.SQLiteTimestampFormats {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
