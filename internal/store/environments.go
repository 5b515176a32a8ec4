package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

const environmentColumns = `id, user_id, name, repository_url, default_branch,
	sandbox_id, status, status_reason, restart_count, next_restart_at,
	created_at, updated_at`

// CreateEnvironment inserts a new environment. A (user_id, name) collision
// returns a conflict error; the unique index catches races past the
// service-level pre-check.
func (s *SQLStore) CreateEnvironment(ctx context.Context, env *Environment) error {
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO environments (`+environmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), env.ID, env.UserID, env.Name, env.RepositoryURL, env.DefaultBranch,
		env.SandboxID, env.Status, env.StatusReason, env.RestartCount,
		env.NextRestartAt, env.CreatedAt, env.UpdatedAt)
	if isUniqueViolation(err) {
		return apperrors.Conflict("environment name already taken").WithCause(err)
	}
	return err
}

// GetEnvironment retrieves an environment by ID.
func (s *SQLStore) GetEnvironment(ctx context.Context, id string) (*Environment, error) {
	env := &Environment{}
	err := s.db.GetContext(ctx, env, s.db.Rebind(`
		SELECT `+environmentColumns+` FROM environments WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("environment", id)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ListEnvironmentsByUser returns a user's environments, newest first.
func (s *SQLStore) ListEnvironmentsByUser(ctx context.Context, userID string) ([]*Environment, error) {
	var envs []*Environment
	err := s.db.SelectContext(ctx, &envs, s.db.Rebind(`
		SELECT `+environmentColumns+` FROM environments
		WHERE user_id = ? ORDER BY created_at DESC
	`), userID)
	return envs, err
}

// ListEnvironments returns every environment. Used by the reaper.
func (s *SQLStore) ListEnvironments(ctx context.Context) ([]*Environment, error) {
	var envs []*Environment
	err := s.db.SelectContext(ctx, &envs, `
		SELECT `+environmentColumns+` FROM environments ORDER BY created_at
	`)
	return envs, err
}

// UpdateEnvironment persists mutable environment fields.
func (s *SQLStore) UpdateEnvironment(ctx context.Context, env *Environment) error {
	env.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE environments
		SET name = ?, repository_url = ?, default_branch = ?, sandbox_id = ?,
			status = ?, status_reason = ?, restart_count = ?, next_restart_at = ?,
			updated_at = ?
		WHERE id = ?
	`), env.Name, env.RepositoryURL, env.DefaultBranch, env.SandboxID,
		env.Status, env.StatusReason, env.RestartCount, env.NextRestartAt,
		env.UpdatedAt, env.ID)
	if isUniqueViolation(err) {
		return apperrors.Conflict("environment name already taken").WithCause(err)
	}
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("environment", env.ID)
	}
	return nil
}

// DeleteEnvironment removes an environment. Sessions and the bare repo
// record cascade via foreign keys.
func (s *SQLStore) DeleteEnvironment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM environments WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("environment", id)
	}
	return nil
}

// EnvironmentNames returns the set of environment names a user holds.
func (s *SQLStore) EnvironmentNames(ctx context.Context, userID string) (map[string]bool, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, s.db.Rebind(`
		SELECT name FROM environments WHERE user_id = ?
	`), userID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[n] = true
	}
	return taken, nil
}
