package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmailTaken is returned when registering an email twice.
var ErrEmailTaken = errors.New("email already registered")

// User represents an application user.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

type userRow struct {
	ID           string `db:"id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	CreatedAt    int64  `db:"created_at"`
}

// CreateUser inserts a new user row.
func (d *Database) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	existing, err := d.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrEmailTaken
	}
	_, err = d.DB.ExecContext(ctx, d.DB.Rebind(`
		INSERT INTO users (id, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`), u.ID, strings.ToLower(u.Email), u.PasswordHash, nanos(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns a user by email or nil if not found.
func (d *Database) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var row userRow
	err := d.DB.GetContext(ctx, &row, d.DB.Rebind(`
		SELECT id, email, password_hash, created_at
		FROM users WHERE email = ?
	`), strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &User{
		ID:           row.ID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		CreatedAt:    fromNanos(row.CreatedAt),
	}, nil
}
