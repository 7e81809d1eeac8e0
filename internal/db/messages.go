package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal/internal/models"
)

var (
	ErrTombstoned   = errors.New("message deleted")
	ErrNotSender    = errors.New("not the sender")
	ErrReplyMissing = errors.New("replied-to message is not in this thread")
)

type MessageRepository struct {
	db *DB
}

func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create stores a message with its attachments. A repeated nonce from the same
// sender returns the message created by the first request.
func (r *MessageRepository) Create(ctx context.Context, req models.SendRequest) (*models.Message, error) {
	if req.RepliedTo != "" {
		parent, err := r.FindByID(ctx, req.RepliedTo)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrReplyMissing
			}
			return nil, err
		}
		samePair := (parent.SenderID == req.SenderID && parent.RecipientID == req.RecipientID) ||
			(parent.SenderID == req.RecipientID && parent.RecipientID == req.SenderID)
		if !samePair {
			return nil, ErrReplyMissing
		}
	}

	id, err := generateID("msg")
	if err != nil {
		return nil, fmt.Errorf("generating message ID: %w", err)
	}
	now := time.Now().UTC()

	err = r.db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, sender_id, recipient_id, text, replied_to, nonce, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, req.SenderID, req.RecipientID, req.Text, nullString(req.RepliedTo), nullString(req.Nonce), now,
		)
		if err != nil {
			return err
		}
		for i, a := range req.Attachments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO message_attachments (message_id, position, file_name, mime_type, size_bytes, encoded_payload) VALUES (?, ?, ?, ?, ?, ?)`,
				id, i, a.FileName, a.MimeType, a.SizeBytes, a.EncodedPayload,
			)
			if err != nil {
				return fmt.Errorf("storing attachment %q: %w", a.FileName, err)
			}
		}
		return nil
	})
	if err != nil {
		if IsUniqueConstraintError(err) && req.Nonce != "" {
			return r.findByNonce(ctx, req.SenderID, req.Nonce)
		}
		if IsForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("creating message: %w", err)
	}

	return &models.Message{
		ID:          id,
		SenderID:    req.SenderID,
		RecipientID: req.RecipientID,
		Text:        req.Text,
		Attachments: req.Attachments,
		CreatedAt:   now,
		RepliedTo:   req.RepliedTo,
		Nonce:       req.Nonce,
	}, nil
}

const messageColumns = `id, sender_id, recipient_id, text, replied_to, nonce, created_at, edited_at, deleted, deleted_by, deleted_by_name`

// Thread returns every message between a and b in createdAt order, tombstones
// included with their content hidden.
func (r *MessageRepository) Thread(ctx context.Context, a, b string) ([]models.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)
		ORDER BY created_at, rowid`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	index := make(map[string]int)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		index[m.ID] = len(messages)
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	if len(messages) == 0 {
		return messages, nil
	}

	if err := r.attachDetails(ctx, messages, index, a, b); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) attachDetails(ctx context.Context, messages []models.Message, index map[string]int, a, b string) error {
	threadFilter := `message_id IN (SELECT id FROM messages WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))`

	rows, err := r.db.QueryContext(ctx,
		`SELECT message_id, file_name, mime_type, size_bytes, encoded_payload FROM message_attachments
		WHERE `+threadFilter+` ORDER BY message_id, position`,
		a, b, b, a,
	)
	if err != nil {
		return fmt.Errorf("querying attachments: %w", err)
	}
	for rows.Next() {
		var messageID string
		var att models.Attachment
		if err := rows.Scan(&messageID, &att.FileName, &att.MimeType, &att.SizeBytes, &att.EncodedPayload); err != nil {
			rows.Close()
			return fmt.Errorf("scanning attachment: %w", err)
		}
		if i, ok := index[messageID]; ok && !messages[i].Deleted {
			messages[i].Attachments = append(messages[i].Attachments, att)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating attachments: %w", err)
	}

	rows, err = r.db.QueryContext(ctx,
		`SELECT message_id, reactor_id, emoji FROM message_reactions
		WHERE `+threadFilter+` ORDER BY created_at, rowid`,
		a, b, b, a,
	)
	if err != nil {
		return fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var messageID string
		var reaction models.Reaction
		if err := rows.Scan(&messageID, &reaction.ReactorID, &reaction.Emoji); err != nil {
			return fmt.Errorf("scanning reaction: %w", err)
		}
		if i, ok := index[messageID]; ok {
			messages[i].Reactions = append(messages[i].Reactions, reaction)
		}
	}
	return rows.Err()
}

func (r *MessageRepository) FindByID(ctx context.Context, id string) (*models.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) findByNonce(ctx context.Context, senderID, nonce string) (*models.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE sender_id = ? AND nonce = ?`, senderID, nonce))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message by nonce: %w", err)
	}
	return m, nil
}

// UpdateText edits a message. Only the sender may edit and tombstones are frozen.
func (r *MessageRepository) UpdateText(ctx context.Context, id, editorID, text string) (*models.Message, error) {
	m, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.SenderID != editorID {
		return nil, ErrNotSender
	}
	if m.Deleted {
		return nil, ErrTombstoned
	}

	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`UPDATE messages SET text = ?, edited_at = ? WHERE id = ? AND deleted = 0`,
		text, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return nil, err
	}
	m.Text = text
	m.EditedAt = &now
	return m, nil
}

// SoftDelete marks a message deleted. Deleting a tombstone again is a no-op.
func (r *MessageRepository) SoftDelete(ctx context.Context, id, actorID, actorName string) (*models.Message, error) {
	m, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return m, nil
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1, deleted_by = ?, deleted_by_name = ? WHERE id = ?`,
		actorID, actorName, id,
	)
	if err != nil {
		return nil, fmt.Errorf("deleting message: %w", err)
	}
	m.Deleted = true
	m.DeletedBy = actorID
	m.DeletedByName = actorName
	m.Text = ""
	return m, nil
}

// AddReaction records (reactorID, emoji) once and returns the message's full
// reaction set.
func (r *MessageRepository) AddReaction(ctx context.Context, messageID, reactorID, emoji string) ([]models.Reaction, error) {
	m, err := r.FindByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.Deleted {
		return nil, ErrTombstoned
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO message_reactions (message_id, reactor_id, emoji, created_at) VALUES (?, ?, ?, ?)`,
		messageID, reactorID, emoji, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("adding reaction: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT reactor_id, emoji FROM message_reactions WHERE message_id = ? ORDER BY created_at, rowid`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying reactions: %w", err)
	}
	defer rows.Close()

	reactions := make([]models.Reaction, 0)
	for rows.Next() {
		var reaction models.Reaction
		if err := rows.Scan(&reaction.ReactorID, &reaction.Emoji); err != nil {
			return nil, fmt.Errorf("scanning reaction: %w", err)
		}
		reactions = append(reactions, reaction)
	}
	return reactions, rows.Err()
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var repliedTo, nonce, deletedBy, deletedByName sql.NullString
	var editedAt sql.NullTime

	err := row.Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Text, &repliedTo, &nonce,
		&m.CreatedAt, &editedAt, &m.Deleted, &deletedBy, &deletedByName)
	if err != nil {
		return nil, err
	}

	m.CreatedAt = m.CreatedAt.UTC()
	m.EditedAt = nullTimeToPtr(editedAt)
	m.RepliedTo = repliedTo.String
	m.Nonce = nonce.String
	m.DeletedBy = deletedBy.String
	m.DeletedByName = deletedByName.String
	if m.Deleted {
		m.Text = ""
	}
	return &m, nil
}
