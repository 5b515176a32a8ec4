package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

const sessionColumns = `id, environment_id, name, multiplexer_name,
	working_directory, branch, kind, agent_id, status, created_at, updated_at,
	last_activity_at`

// CreateSession inserts a new session. The partial unique indexes reject a
// duplicate live name or a second live session on the same branch.
func (s *SQLStore) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.LastActivityAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.EnvironmentID, session.Name, session.MultiplexerName,
		session.WorkingDirectory, session.Branch, session.Kind, session.AgentID,
		session.Status, session.CreatedAt, session.UpdatedAt, session.LastActivityAt)
	if isUniqueViolation(err) {
		return apperrors.Conflict("session name or branch already in use").WithCause(err)
	}
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	err := s.db.GetContext(ctx, session, s.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListSessionsByEnvironment returns an environment's sessions, newest first.
func (s *SQLStore) ListSessionsByEnvironment(ctx context.Context, envID string) ([]*Session, error) {
	var sessions []*Session
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE environment_id = ? ORDER BY created_at DESC
	`), envID)
	return sessions, err
}

// ListSessions returns every session. Used by the reaper.
func (s *SQLStore) ListSessions(ctx context.Context) ([]*Session, error) {
	var sessions []*Session
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at
	`)
	return sessions, err
}

// UpdateSession persists mutable session fields.
func (s *SQLStore) UpdateSession(ctx context.Context, session *Session) error {
	session.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions
		SET name = ?, multiplexer_name = ?, working_directory = ?, branch = ?,
			status = ?, updated_at = ?, last_activity_at = ?
		WHERE id = ?
	`), session.Name, session.MultiplexerName, session.WorkingDirectory,
		session.Branch, session.Status, session.UpdatedAt,
		session.LastActivityAt, session.ID)
	if isUniqueViolation(err) {
		return apperrors.Conflict("session name or branch already in use").WithCause(err)
	}
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("session", session.ID)
	}
	return nil
}

// DeleteSession removes a session row.
func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

// SessionNames returns the display names held by live sessions in an
// environment.
func (s *SQLStore) SessionNames(ctx context.Context, envID string) (map[string]bool, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, s.db.Rebind(`
		SELECT name FROM sessions
		WHERE environment_id = ? AND status != 'dead' AND name IS NOT NULL
	`), envID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[n] = true
	}
	return taken, nil
}

// LiveSessionOnBranch returns the non-dead session bound to a branch.
func (s *SQLStore) LiveSessionOnBranch(ctx context.Context, envID, branch string) (*Session, error) {
	session := &Session{}
	err := s.db.GetContext(ctx, session, s.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE environment_id = ? AND branch = ? AND status != 'dead'
	`), envID, branch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session on branch", branch)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}
