package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

// MemoryStore implements Store in process memory. It mirrors the SQL
// implementation's uniqueness rules and is used by service tests.
type MemoryStore struct {
	mu            sync.RWMutex
	environments  map[string]*Environment
	sessions      map[string]*Session
	bareRepos     map[string]*BareRepo
	agents        map[string]*Agent
	credentials   map[string]*AgentCredential
	users         map[string]*User
	refreshTokens map[string]*RefreshToken
	githubRepos   map[string]*GithubRepository
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		environments:  make(map[string]*Environment),
		sessions:      make(map[string]*Session),
		bareRepos:     make(map[string]*BareRepo),
		agents:        make(map[string]*Agent),
		credentials:   make(map[string]*AgentCredential),
		users:         make(map[string]*User),
		refreshTokens: make(map[string]*RefreshToken),
		githubRepos:   make(map[string]*GithubRepository),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.environments {
		if e.UserID == env.UserID && e.Name == env.Name {
			return apperrors.Conflict("environment name already taken")
		}
	}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	env.CreatedAt = now
	env.UpdatedAt = now
	cp := *env
	m.environments[env.ID] = &cp
	return nil
}

func (m *MemoryStore) GetEnvironment(_ context.Context, id string) (*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	env, ok := m.environments[id]
	if !ok {
		return nil, apperrors.NotFound("environment", id)
	}
	cp := *env
	return &cp, nil
}

func (m *MemoryStore) ListEnvironmentsByUser(_ context.Context, userID string) ([]*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Environment
	for _, env := range m.environments {
		if env.UserID == userID {
			cp := *env
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListEnvironments(_ context.Context) ([]*Environment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Environment
	for _, env := range m.environments {
		cp := *env
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateEnvironment(_ context.Context, env *Environment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.environments[env.ID]; !ok {
		return apperrors.NotFound("environment", env.ID)
	}
	for _, e := range m.environments {
		if e.ID != env.ID && e.UserID == env.UserID && e.Name == env.Name {
			return apperrors.Conflict("environment name already taken")
		}
	}
	env.UpdatedAt = time.Now().UTC()
	cp := *env
	m.environments[env.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteEnvironment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.environments[id]; !ok {
		return apperrors.NotFound("environment", id)
	}
	delete(m.environments, id)
	for sid, s := range m.sessions {
		if s.EnvironmentID == id {
			delete(m.sessions, sid)
		}
	}
	delete(m.bareRepos, id)
	return nil
}

func (m *MemoryStore) EnvironmentNames(_ context.Context, userID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	taken := make(map[string]bool)
	for _, env := range m.environments {
		if env.UserID == userID {
			taken[env.Name] = true
		}
	}
	return taken, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.EnvironmentID != session.EnvironmentID || s.Status == SessionStatusDead {
			continue
		}
		if session.Name != nil && s.Name != nil && *s.Name == *session.Name {
			return apperrors.Conflict("session name already in use")
		}
		if s.Branch == session.Branch {
			return apperrors.Conflict("branch already in use")
		}
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	session.LastActivityAt = now
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) ListSessionsByEnvironment(_ context.Context, envID string) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if s.EnvironmentID == envID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return apperrors.NotFound("session", session.ID)
	}
	session.UpdatedAt = time.Now().UTC()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return apperrors.NotFound("session", id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) SessionNames(_ context.Context, envID string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	taken := make(map[string]bool)
	for _, s := range m.sessions {
		if s.EnvironmentID == envID && s.Status != SessionStatusDead && s.Name != nil {
			taken[*s.Name] = true
		}
	}
	return taken, nil
}

func (m *MemoryStore) LiveSessionOnBranch(_ context.Context, envID, branch string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.EnvironmentID == envID && s.Branch == branch && s.Status != SessionStatusDead {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("session on branch", branch)
}

func (m *MemoryStore) UpsertBareRepo(_ context.Context, repo *BareRepo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *repo
	m.bareRepos[repo.EnvironmentID] = &cp
	return nil
}

func (m *MemoryStore) GetBareRepo(_ context.Context, envID string) (*BareRepo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	repo, ok := m.bareRepos[envID]
	if !ok {
		return nil, apperrors.NotFound("bare repo", envID)
	}
	cp := *repo
	return &cp, nil
}

func (m *MemoryStore) DeleteBareRepo(_ context.Context, envID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bareRepos, envID)
	return nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	cp := *agent
	return &cp, nil
}

func (m *MemoryStore) ListAgentsByUser(_ context.Context, userID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Agent
	for _, a := range m.agents {
		if a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(m.agents, id)
	delete(m.credentials, id)
	return nil
}

func (m *MemoryStore) UpsertAgentCredential(_ context.Context, cred *AgentCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred.UpdatedAt = time.Now().UTC()
	cp := *cred
	m.credentials[cred.AgentID] = &cp
	return nil
}

func (m *MemoryStore) GetAgentCredential(_ context.Context, agentID string) (*AgentCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cred, ok := m.credentials[agentID]
	if !ok {
		return nil, apperrors.NotFound("agent credential", agentID)
	}
	cp := *cred
	return &cp, nil
}

func (m *MemoryStore) CreateUser(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.users {
		if u.Username == user.Username {
			return apperrors.Conflict("username already taken")
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	user.CreatedAt = time.Now().UTC()
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	cp := *user
	return &cp, nil
}

func (m *MemoryStore) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("user", username)
}

func (m *MemoryStore) CreateRefreshToken(_ context.Context, token *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	token.CreatedAt = time.Now().UTC()
	cp := *token
	m.refreshTokens[token.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.refreshTokens[id]; !ok {
		return apperrors.NotFound("refresh token", id)
	}
	delete(m.refreshTokens, id)
	return nil
}

func (m *MemoryStore) DeleteExpiredRefreshTokens(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, t := range m.refreshTokens {
		if t.ExpiresAt.Before(now) {
			delete(m.refreshTokens, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) UpsertGithubRepository(_ context.Context, repo *GithubRepository) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.githubRepos {
		if r.UserID == repo.UserID && r.FullName == repo.FullName {
			repo.ID = r.ID
			break
		}
	}
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	repo.UpdatedAt = time.Now().UTC()
	cp := *repo
	m.githubRepos[repo.ID] = &cp
	return nil
}

func (m *MemoryStore) ListGithubRepositories(_ context.Context, userID string) ([]*GithubRepository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*GithubRepository
	for _, r := range m.githubRepos {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName < out[j].FullName })
	return out, nil
}
