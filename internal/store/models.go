// Package store is the durable record of environments, sessions, agents and
// identities. It exposes typed queries only; no business logic lives here.
package store

import "time"

// Environment statuses.
const (
	EnvStatusStarting = "starting"
	EnvStatusRunning  = "running"
	EnvStatusStopped  = "stopped"
	EnvStatusError    = "error"
	EnvStatusDeleting = "deleting"
)

// Session statuses.
const (
	SessionStatusActive   = "active"
	SessionStatusInactive = "inactive"
	SessionStatusDead     = "dead"
)

// Session kinds.
const (
	SessionKindShell = "shell"
	SessionKindAgent = "agent"
)

// Environment is a user-owned development target bound to at most one
// repository. (user_id, name) is unique among live rows.
type Environment struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"userId"`
	Name          string     `db:"name" json:"name"`
	RepositoryURL *string    `db:"repository_url" json:"repositoryUrl,omitempty"`
	DefaultBranch string     `db:"default_branch" json:"defaultBranch"`
	SandboxID     *string    `db:"sandbox_id" json:"sandboxId,omitempty"`
	Status        string     `db:"status" json:"status"`
	StatusReason  *string    `db:"status_reason" json:"statusReason,omitempty"`
	RestartCount  int        `db:"restart_count" json:"-"`
	NextRestartAt *time.Time `db:"next_restart_at" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}

// Session is one interactive working context inside an environment, bound to
// exactly one branch. Display names are unique per environment over non-dead
// rows only.
type Session struct {
	ID               string    `db:"id" json:"id"`
	EnvironmentID    string    `db:"environment_id" json:"environmentId"`
	Name             *string   `db:"name" json:"name,omitempty"`
	MultiplexerName  string    `db:"multiplexer_name" json:"multiplexerName"`
	WorkingDirectory string    `db:"working_directory" json:"workingDirectory"`
	Branch           string    `db:"branch" json:"branch"`
	Kind             string    `db:"kind" json:"sessionType"`
	AgentID          *string   `db:"agent_id" json:"agentId,omitempty"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
	LastActivityAt   time.Time `db:"last_activity_at" json:"lastActivityAt"`
}

// BareRepo is the host-side bare clone backing a repository-backed
// environment. Exactly one per such environment.
type BareRepo struct {
	EnvironmentID string    `db:"environment_id" json:"environmentId"`
	HostPath      string    `db:"host_path" json:"hostPath"`
	UpstreamURL   string    `db:"upstream_url" json:"upstreamUrl"`
	LastFetchedAt time.Time `db:"last_fetched_at" json:"lastFetchedAt"`
}

// Agent is a named credential holder for an external coding assistant.
type Agent struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Name      string    `db:"name" json:"name"`
	Kind      string    `db:"kind" json:"kind"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// AgentCredential is the sealed credential blob for one agent. The store
// never sees plaintext.
type AgentCredential struct {
	AgentID   string    `db:"agent_id" json:"agentId"`
	Sealed    []byte    `db:"sealed" json:"-"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// User is a caller identity.
type User struct {
	ID        string    `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// RefreshToken is a stored refresh token, sealed at rest.
type RefreshToken struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Sealed    []byte    `db:"sealed" json:"-"`
	ExpiresAt time.Time `db:"expires_at" json:"expiresAt"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// GithubRepository caches a repository discovered for a user. Discovery
// itself happens out-of-band; rows here only feed environment creation.
type GithubRepository struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"userId"`
	FullName      string    `db:"full_name" json:"fullName"`
	CloneURL      string    `db:"clone_url" json:"cloneUrl"`
	DefaultBranch string    `db:"default_branch" json:"defaultBranch"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}
