package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

// CreateUser inserts a user.
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)
	`), user.ID, user.Username, user.CreatedAt)
	if isUniqueViolation(err) {
		return apperrors.Conflict("username already taken").WithCause(err)
	}
	return err
}

// GetUser retrieves a user by ID.
func (s *SQLStore) GetUser(ctx context.Context, id string) (*User, error) {
	user := &User{}
	err := s.db.GetContext(ctx, user, s.db.Rebind(`
		SELECT id, username, created_at FROM users WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user := &User{}
	err := s.db.GetContext(ctx, user, s.db.Rebind(`
		SELECT id, username, created_at FROM users WHERE username = ?
	`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user", username)
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateRefreshToken stores a sealed refresh token.
func (s *SQLStore) CreateRefreshToken(ctx context.Context, token *RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	token.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO refresh_tokens (id, user_id, sealed, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), token.ID, token.UserID, token.Sealed, token.ExpiresAt, token.CreatedAt)
	return err
}

// DeleteRefreshToken revokes a stored refresh token.
func (s *SQLStore) DeleteRefreshToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM refresh_tokens WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("refresh token", id)
	}
	return nil
}

// DeleteExpiredRefreshTokens removes tokens past their expiry and reports
// how many were revoked. Called by the reaper.
func (s *SQLStore) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM refresh_tokens WHERE expires_at < ?
	`), now.UTC())
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
