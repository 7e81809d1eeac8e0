package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"portal/internal/models"
)

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(ctx context.Context, firstName, lastName, email string, role models.Role) (*models.User, error) {
	id, err := generateID("usr")
	if err != nil {
		return nil, fmt.Errorf("generating user ID: %w", err)
	}
	now := time.Now().UTC()
	email = strings.ToLower(strings.TrimSpace(email))

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO users (id, first_name, last_name, email, role, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, firstName, lastName, email, role, now, now,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return &models.User{
		ID:        id,
		FirstName: firstName,
		LastName:  lastName,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: &now,
	}, nil
}

const userColumns = `id, first_name, last_name, email, role, avatar_url, created_at, updated_at`

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
}

// ListPeers returns the users viewerID may message. Administrators can reach
// everyone; students reach administrators only.
func (r *UserRepository) ListPeers(ctx context.Context, viewerID string, viewerRole models.Role) ([]*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id != ?`
	args := []any{viewerID}
	if viewerRole != models.RoleAdmin {
		query += ` AND role = ?`
		args = append(args, models.RoleAdmin)
	}
	query += ` ORDER BY last_name, first_name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

func (r *UserRepository) UpdateProfile(ctx context.Context, id, firstName, lastName string, avatarURL *string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET first_name = ?, last_name = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		firstName, lastName, avatarURL, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	return checkRowsAffected(result)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var avatarURL sql.NullString
	var updatedAt sql.NullTime

	if err := row.Scan(&u.ID, &u.FirstName, &u.LastName, &u.Email, &u.Role, &avatarURL, &u.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if avatarURL.Valid {
		u.AvatarURL = &avatarURL.String
	}
	u.UpdatedAt = nullTimeToPtr(updatedAt)
	return &u, nil
}

func (r *UserRepository) findOne(ctx context.Context, query string, args ...any) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}
