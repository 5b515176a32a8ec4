package store

import (
	"context"
	"time"
)

// Store is the typed query surface over the relational schema. Both the SQL
// and in-memory implementations satisfy it.
type Store interface {
	// Environments.
	CreateEnvironment(ctx context.Context, env *Environment) error
	GetEnvironment(ctx context.Context, id string) (*Environment, error)
	ListEnvironmentsByUser(ctx context.Context, userID string) ([]*Environment, error)
	ListEnvironments(ctx context.Context) ([]*Environment, error)
	UpdateEnvironment(ctx context.Context, env *Environment) error
	DeleteEnvironment(ctx context.Context, id string) error
	EnvironmentNames(ctx context.Context, userID string) (map[string]bool, error)

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByEnvironment(ctx context.Context, envID string) ([]*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	SessionNames(ctx context.Context, envID string) (map[string]bool, error)
	// LiveSessionOnBranch returns the non-dead session bound to branch in the
	// environment, or a not-found error.
	LiveSessionOnBranch(ctx context.Context, envID, branch string) (*Session, error)

	// Bare repositories.
	UpsertBareRepo(ctx context.Context, repo *BareRepo) error
	GetBareRepo(ctx context.Context, envID string) (*BareRepo, error)
	DeleteBareRepo(ctx context.Context, envID string) error

	// Agents and their sealed credentials.
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]*Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	UpsertAgentCredential(ctx context.Context, cred *AgentCredential) error
	GetAgentCredential(ctx context.Context, agentID string) (*AgentCredential, error)

	// Users and refresh tokens.
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	DeleteRefreshToken(ctx context.Context, id string) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)

	// Github repository cache.
	UpsertGithubRepository(ctx context.Context, repo *GithubRepository) error
	ListGithubRepositories(ctx context.Context, userID string) ([]*GithubRepository, error)

	Close() error
}
