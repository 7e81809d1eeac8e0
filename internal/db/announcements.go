package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal/internal/models"
)

type AnnouncementRepository struct {
	db *DB
}

func NewAnnouncementRepository(db *DB) *AnnouncementRepository {
	return &AnnouncementRepository{db: db}
}

func (r *AnnouncementRepository) Create(ctx context.Context, authorID, title, body string) (*models.Announcement, error) {
	id, err := generateID("ann")
	if err != nil {
		return nil, fmt.Errorf("generating announcement ID: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO announcements (id, author_id, title, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, authorID, title, body, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating announcement: %w", err)
	}
	return &models.Announcement{ID: id, AuthorID: authorID, Title: title, Body: body, CreatedAt: now}, nil
}

func (r *AnnouncementRepository) List(ctx context.Context) ([]models.Announcement, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, author_id, title, body, created_at, updated_at FROM announcements ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying announcements: %w", err)
	}
	defer rows.Close()

	out := make([]models.Announcement, 0)
	for rows.Next() {
		a, err := scanAnnouncement(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning announcement: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *AnnouncementRepository) FindByID(ctx context.Context, id string) (*models.Announcement, error) {
	a, err := scanAnnouncement(r.db.QueryRowContext(ctx,
		`SELECT id, author_id, title, body, created_at, updated_at FROM announcements WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying announcement: %w", err)
	}
	return a, nil
}

func (r *AnnouncementRepository) Update(ctx context.Context, id, title, body string) (*models.Announcement, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE announcements SET title = ?, body = ?, updated_at = ? WHERE id = ?`,
		title, body, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating announcement: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}

func (r *AnnouncementRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM announcements WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting announcement: %w", err)
	}
	return checkRowsAffected(result)
}

func scanAnnouncement(row rowScanner) (*models.Announcement, error) {
	var a models.Announcement
	var updatedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.AuthorID, &a.Title, &a.Body, &a.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	a.UpdatedAt = nullTimeToPtr(updatedAt)
	return &a, nil
}
