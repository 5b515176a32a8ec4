package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

// CreateAgent inserts an agent.
func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (id, user_id, name, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.UserID, agent.Name, agent.Kind, agent.CreatedAt, agent.UpdatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := s.db.GetContext(ctx, agent, s.db.Rebind(`
		SELECT id, user_id, name, kind, created_at, updated_at
		FROM agents WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// ListAgentsByUser returns a user's agents.
func (s *SQLStore) ListAgentsByUser(ctx context.Context, userID string) ([]*Agent, error) {
	var agents []*Agent
	err := s.db.SelectContext(ctx, &agents, s.db.Rebind(`
		SELECT id, user_id, name, kind, created_at, updated_at
		FROM agents WHERE user_id = ? ORDER BY name
	`), userID)
	return agents, err
}

// DeleteAgent removes an agent; its sealed credential cascades.
func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("agent", id)
	}
	return nil
}

// UpsertAgentCredential stores the sealed credential blob for an agent.
func (s *SQLStore) UpsertAgentCredential(ctx context.Context, cred *AgentCredential) error {
	cred.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agent_credentials (agent_id, sealed, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
	`), cred.AgentID, cred.Sealed, cred.UpdatedAt)
	return err
}

// GetAgentCredential retrieves the sealed credential blob for an agent.
func (s *SQLStore) GetAgentCredential(ctx context.Context, agentID string) (*AgentCredential, error) {
	cred := &AgentCredential{}
	err := s.db.GetContext(ctx, cred, s.db.Rebind(`
		SELECT agent_id, sealed, updated_at
		FROM agent_credentials WHERE agent_id = ?
	`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent credential", agentID)
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}
