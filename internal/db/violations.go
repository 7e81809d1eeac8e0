package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"portal/internal/models"
)

type ViolationRepository struct {
	db *DB
}

func NewViolationRepository(db *DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

func (r *ViolationRepository) Create(ctx context.Context, userID, title string) (*models.Violation, error) {
	id, err := generateID("vio")
	if err != nil {
		return nil, fmt.Errorf("generating violation ID: %w", err)
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO violations (id, user_id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, title, models.ViolationPending, now, now,
	)
	if err != nil {
		if IsForeignKeyError(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("creating violation: %w", err)
	}

	return &models.Violation{ID: id, UserID: userID, Title: title, Status: models.ViolationPending, CreatedAt: now, UpdatedAt: now}, nil
}

func (r *ViolationRepository) FindByID(ctx context.Context, id string) (*models.Violation, error) {
	var v models.Violation
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, created_at, updated_at FROM violations WHERE id = ?`, id,
	).Scan(&v.ID, &v.UserID, &v.Title, &v.Status, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying violation: %w", err)
	}
	return &v, nil
}

// ListForUser returns a student's violations, newest first. An empty userID lists all.
func (r *ViolationRepository) ListForUser(ctx context.Context, userID string) ([]models.Violation, error) {
	query := `SELECT id, user_id, title, status, created_at, updated_at FROM violations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying violations: %w", err)
	}
	defer rows.Close()

	out := make([]models.Violation, 0)
	for rows.Next() {
		var v models.Violation
		if err := rows.Scan(&v.ID, &v.UserID, &v.Title, &v.Status, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning violation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *ViolationRepository) UpdateStatus(ctx context.Context, id string, status models.ViolationStatus) (*models.Violation, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE violations SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating violation status: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, id)
}
