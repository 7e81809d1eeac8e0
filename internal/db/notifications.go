package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"portal/internal/models"
)

type NotificationRepository struct {
	db *DB
}

func NewNotificationRepository(db *DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

func (r *NotificationRepository) Create(ctx context.Context, recipientID, title, message, relatedEntityID string) (*models.Notification, error) {
	id, err := generateID("ntf")
	if err != nil {
		return nil, fmt.Errorf("generating notification ID: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient_id, title, message, related_entity_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, recipientID, title, message, nullString(relatedEntityID), now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating notification: %w", err)
	}

	return &models.Notification{
		ID:              id,
		RecipientID:     recipientID,
		Title:           title,
		Message:         message,
		RelatedEntityID: relatedEntityID,
		CreatedAt:       now,
	}, nil
}

func (r *NotificationRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, recipient_id, title, message, related_entity_id, read, created_at
		FROM notifications WHERE recipient_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	out := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		var related sql.NullString
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Title, &n.Message, &related, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.RelatedEntityID = related.String
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *NotificationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND read = 0`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting notifications: %w", err)
	}
	return n, nil
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id, userID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET read = 1 WHERE id = ? AND recipient_id = ?`, id, userID,
	)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	return checkRowsAffected(result)
}

// DeleteReadBefore removes read notifications older than cutoff.
func (r *NotificationRepository) DeleteReadBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE read = 1 AND created_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old notifications: %w", err)
	}
	return result.RowsAffected()
}
