// Package environment implements the orchestration use-cases: provisioning
// sandbox-backed environments and the sessions that live inside them.
package environment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/common/namegen"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
	"github.com/devharbor/devharbor/internal/worktree"
)

// eventSource identifies this service on the bus.
const eventSource = "environment-service"

// maxNameLength bounds environment and session display names.
const maxNameLength = 64

// RepoStore is the host-side bare repository store the service consumes.
type RepoStore interface {
	EnsureBare(ctx context.Context, env *store.Environment) (string, error)
	MountSpec(envID string) sandbox.Mount
	Remove(ctx context.Context, envID string) error
}

// WorktreeManager materializes and prunes in-sandbox worktrees.
type WorktreeManager interface {
	EnsureWorktree(ctx context.Context, env *store.Environment, branch, sandboxID string) (string, error)
	Prune(ctx context.Context, envID, sandboxID, path string) error
}

// SessionBroker is the PTY broker surface the service needs for teardown.
type SessionBroker interface {
	Kill(ctx context.Context, sandboxID string, session *store.Session) error
	Detach(sessionID string)
}

// NameAvailability is the result of a name or branch availability check.
type NameAvailability struct {
	Available   bool     `json:"available"`
	Message     string   `json:"message,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// CreateEnvironmentParams are the caller-supplied fields for a new
// environment.
type CreateEnvironmentParams struct {
	Name          string  `json:"name"`
	RepositoryURL *string `json:"repositoryUrl,omitempty"`
	Branch        string  `json:"branch,omitempty"`
}

// CreateSessionParams are the caller-supplied fields for a new session.
type CreateSessionParams struct {
	EnvironmentID    string  `json:"environmentId"`
	Name             *string `json:"name,omitempty"`
	WorkingDirectory string  `json:"workingDirectory,omitempty"`
	Kind             string  `json:"sessionType,omitempty"`
	AgentID          *string `json:"agentId,omitempty"`
	Branch           string  `json:"branch,omitempty"`
}

// Service owns the environment and session lifecycles.
type Service struct {
	db        store.Store
	driver    sandbox.Driver
	repos     RepoStore
	worktrees WorktreeManager
	broker    SessionBroker
	bus       events.Bus
	cfg       config.SandboxConfig
	log       *logger.Logger
}

// NewService creates the environment service.
func NewService(db store.Store, driver sandbox.Driver, repos RepoStore, worktrees WorktreeManager, broker SessionBroker, bus events.Bus, cfg config.SandboxConfig, log *logger.Logger) *Service {
	return &Service{
		db:        db,
		driver:    driver,
		repos:     repos,
		worktrees: worktrees,
		broker:    broker,
		bus:       bus,
		cfg:       cfg,
		log:       log,
	}
}

// CreateEnvironment provisions a sandbox (with the bare repo mounted rw when
// a repository is given) and persists the environment. A taken name fails
// before any sandbox exists.
func (s *Service) CreateEnvironment(ctx context.Context, userID string, params CreateEnvironmentParams) (*store.Environment, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, apperrors.UserInput("environment name is required")
	}
	if len(name) > maxNameLength {
		return nil, apperrors.UserInput(fmt.Sprintf("environment name exceeds %d characters", maxNameLength))
	}

	taken, err := s.db.EnvironmentNames(ctx, userID)
	if err != nil {
		return nil, err
	}
	if taken[name] {
		return nil, apperrors.NameConflict(
			fmt.Sprintf("environment name %q is already in use", name),
			namegen.Suggest(name, taken, namegen.DefaultSuggestions))
	}

	branch := params.Branch
	if branch == "" {
		branch = "main"
	}

	now := time.Now().UTC()
	env := &store.Environment{
		ID:            uuid.New().String(),
		UserID:        userID,
		Name:          name,
		RepositoryURL: params.RepositoryURL,
		DefaultBranch: branch,
		Status:        store.EnvStatusStarting,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var mounts []sandbox.Mount
	if env.RepositoryURL != nil {
		if _, err := s.repos.EnsureBare(ctx, env); err != nil {
			return nil, err
		}
		mounts = append(mounts, s.repos.MountSpec(env.ID))
	}

	sandboxID, err := s.createSandbox(ctx, env, mounts)
	if err != nil {
		if env.RepositoryURL != nil {
			_ = s.repos.Remove(ctx, env.ID)
		}
		return nil, err
	}
	env.SandboxID = &sandboxID

	if err := s.driver.Start(ctx, sandboxID); err != nil {
		reason := err.Error()
		env.Status = store.EnvStatusError
		env.StatusReason = &reason
	} else {
		env.Status = store.EnvStatusRunning
	}

	if err := s.db.CreateEnvironment(ctx, env); err != nil {
		// Lost a race on the unique index after the pre-check passed.
		_ = s.driver.Remove(ctx, sandboxID, true)
		if env.RepositoryURL != nil {
			_ = s.repos.Remove(ctx, env.ID)
		}
		if apperrors.IsConflict(err) {
			return nil, apperrors.NameConflict(
				fmt.Sprintf("environment name %q is already in use", name),
				namegen.Suggest(name, taken, namegen.DefaultSuggestions))
		}
		return nil, err
	}

	s.publish(ctx, events.SubjectEnvironmentCreated, map[string]interface{}{
		"environment_id": env.ID,
		"user_id":        userID,
		"name":           env.Name,
	})
	if env.Status == store.EnvStatusRunning {
		s.publish(ctx, events.SubjectEnvironmentReady, map[string]interface{}{
			"environment_id": env.ID,
		})
	} else {
		s.publish(ctx, events.SubjectEnvironmentFailed, map[string]interface{}{
			"environment_id": env.ID,
			"reason":         env.Status,
		})
	}

	s.log.WithEnvironmentID(env.ID).Info("Created environment",
		zap.String("name", env.Name),
		zap.String("status", env.Status))
	return env, nil
}

// createSandbox creates the container, retrying once with a unique suffix
// when the runtime reports a name collision.
func (s *Service) createSandbox(ctx context.Context, env *store.Environment, mounts []sandbox.Mount) (string, error) {
	spec := sandbox.Spec{
		Name:        "devharbor-" + env.Name,
		Image:       s.cfg.Image,
		Mounts:      mounts,
		MemoryBytes: s.cfg.MemoryMB << 20,
		CPUCores:    s.cfg.CPUCores,
		Labels: map[string]string{
			"devharbor.environment": env.ID,
			"devharbor.user":        env.UserID,
		},
	}

	id, err := s.driver.Create(ctx, spec)
	if err == nil {
		return id, nil
	}
	if !errors.Is(sandbox.Classify(err), sandbox.ErrConflict) {
		return "", apperrors.Runtime("creating sandbox", err)
	}

	spec.Name = fmt.Sprintf("%s-%d", spec.Name, time.Now().Unix())
	id, err = s.driver.Create(ctx, spec)
	if err != nil {
		return "", apperrors.Runtime("creating sandbox", err)
	}
	return id, nil
}

// GetEnvironment returns the environment when the caller owns it.
func (s *Service) GetEnvironment(ctx context.Context, userID, id string) (*store.Environment, error) {
	env, err := s.db.GetEnvironment(ctx, id)
	if err != nil {
		return nil, err
	}
	if env.UserID != userID {
		return nil, apperrors.NotFound("environment", id)
	}
	return env, nil
}

// ListEnvironments returns the caller's environments.
func (s *Service) ListEnvironments(ctx context.Context, userID string) ([]*store.Environment, error) {
	return s.db.ListEnvironmentsByUser(ctx, userID)
}

// CheckNameAvailability reports whether name is free for the caller, with
// alternatives when it is not.
func (s *Service) CheckNameAvailability(ctx context.Context, userID, name string) (*NameAvailability, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperrors.UserInput("name is required")
	}
	taken, err := s.db.EnvironmentNames(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !taken[name] {
		return &NameAvailability{Available: true}, nil
	}
	return &NameAvailability{
		Available:   false,
		Message:     fmt.Sprintf("environment name %q is already in use", name),
		Suggestions: namegen.Suggest(name, taken, namegen.DefaultSuggestions),
	}, nil
}

// DeleteEnvironment tears down all sessions, the sandbox and the bare repo,
// then removes the rows. Deleting twice returns not-found. The row is marked
// deleting first; when teardown fails partway the reaper finishes it.
func (s *Service) DeleteEnvironment(ctx context.Context, userID, id string) error {
	env, err := s.GetEnvironment(ctx, userID, id)
	if err != nil {
		return err
	}

	env.Status = store.EnvStatusDeleting
	env.UpdatedAt = time.Now().UTC()
	if err := s.db.UpdateEnvironment(ctx, env); err != nil {
		return err
	}

	sessions, err := s.db.ListSessionsByEnvironment(ctx, id)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, session := range sessions {
		if session.Status == store.SessionStatusDead {
			continue
		}
		g.Go(func() error {
			if env.SandboxID != nil {
				if err := s.broker.Kill(gctx, *env.SandboxID, session); err != nil {
					s.log.WithSessionID(session.ID).Warn("Failed to kill multiplexer during teardown", zap.Error(err))
				}
			}
			s.broker.Detach(session.ID)
			return nil
		})
	}
	_ = g.Wait()

	if env.SandboxID != nil {
		if err := s.driver.Remove(ctx, *env.SandboxID, true); err != nil &&
			!errors.Is(sandbox.Classify(err), sandbox.ErrNotFound) {
			return apperrors.Runtime("removing sandbox", err)
		}
	}
	if env.RepositoryURL != nil {
		if err := s.repos.Remove(ctx, id); err != nil {
			s.log.WithEnvironmentID(id).Warn("Failed to remove bare repo", zap.Error(err))
		}
	}

	if err := s.db.DeleteEnvironment(ctx, id); err != nil {
		return err
	}

	s.publish(ctx, events.SubjectEnvironmentDeleted, map[string]interface{}{
		"environment_id": id,
		"user_id":        userID,
	})
	s.log.WithEnvironmentID(id).Info("Deleted environment")
	return nil
}

// CreateSession binds a new session to a branch, materializing its worktree
// for repository-backed environments. The row is persisted inactive; it goes
// active on first terminal attach.
func (s *Service) CreateSession(ctx context.Context, userID string, params CreateSessionParams) (*store.Session, error) {
	env, err := s.GetEnvironment(ctx, userID, params.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env.SandboxID == nil {
		return nil, apperrors.State("environment has no sandbox")
	}

	kind := params.Kind
	if kind == "" {
		kind = store.SessionKindShell
	}
	if kind != store.SessionKindShell && kind != store.SessionKindAgent {
		return nil, apperrors.UserInput(fmt.Sprintf("unknown session type %q", kind))
	}
	if kind == store.SessionKindAgent && params.AgentID == nil {
		return nil, apperrors.UserInput("agent sessions require an agentId")
	}

	branch := params.Branch
	if branch == "" {
		branch = env.DefaultBranch
	}

	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" || len(name) > maxNameLength {
			return nil, apperrors.UserInput("invalid session name")
		}
		taken, err := s.db.SessionNames(ctx, env.ID)
		if err != nil {
			return nil, err
		}
		if taken[name] {
			return nil, apperrors.NameConflict(
				fmt.Sprintf("session name %q is already in use", name),
				namegen.Suggest(name, taken, namegen.DefaultSuggestions))
		}
		params.Name = &name
	}

	if existing, err := s.db.LiveSessionOnBranch(ctx, env.ID, branch); err == nil {
		return nil, apperrors.Conflict(
			fmt.Sprintf("branch %q is already in use by session %s", branch, existing.ID))
	} else if !apperrors.IsNotFound(err) {
		return nil, err
	}

	if err := s.ensureSandboxRunning(ctx, *env.SandboxID); err != nil {
		return nil, err
	}

	workdir := params.WorkingDirectory
	if env.RepositoryURL != nil {
		path, err := s.worktrees.EnsureWorktree(ctx, env, branch, *env.SandboxID)
		if err != nil {
			s.publish(ctx, events.SubjectSessionFailed, map[string]interface{}{
				"environment_id": env.ID,
				"branch":         branch,
				"reason":         apperrors.KindOf(err),
			})
			return nil, err
		}
		workdir = path
		s.publish(ctx, events.SubjectWorktreeMaterialized, map[string]interface{}{
			"environment_id": env.ID,
			"branch":         branch,
			"path":           path,
		})
	} else if workdir == "" {
		workdir = worktree.WorkspaceRoot
	}

	now := time.Now().UTC()
	session := &store.Session{
		ID:               uuid.New().String(),
		EnvironmentID:    env.ID,
		Name:             params.Name,
		WorkingDirectory: workdir,
		Branch:           branch,
		Kind:             kind,
		AgentID:          params.AgentID,
		Status:           store.SessionStatusInactive,
		CreatedAt:        now,
		UpdatedAt:        now,
		LastActivityAt:   now,
	}
	session.MultiplexerName = multiplexerName(session.ID)

	if err := s.db.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.publish(ctx, events.SubjectSessionCreated, map[string]interface{}{
		"session_id":     session.ID,
		"environment_id": env.ID,
		"branch":         branch,
	})
	s.log.WithSessionID(session.ID).Info("Created session",
		zap.String("environment_id", env.ID),
		zap.String("branch", branch),
		zap.String("workdir", workdir))
	return session, nil
}

// GetSession returns the session when the caller owns its environment.
func (s *Service) GetSession(ctx context.Context, userID, id string) (*store.Session, error) {
	session, err := s.db.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetEnvironment(ctx, userID, session.EnvironmentID); err != nil {
		return nil, apperrors.NotFound("session", id)
	}
	return session, nil
}

// ListSessions returns the sessions of an environment the caller owns.
func (s *Service) ListSessions(ctx context.Context, userID, envID string) ([]*store.Session, error) {
	if _, err := s.GetEnvironment(ctx, userID, envID); err != nil {
		return nil, err
	}
	return s.db.ListSessionsByEnvironment(ctx, envID)
}

// CheckSessionName reports whether a session display name is free within an
// environment.
func (s *Service) CheckSessionName(ctx context.Context, userID, envID, name string) (*NameAvailability, error) {
	if _, err := s.GetEnvironment(ctx, userID, envID); err != nil {
		return nil, err
	}
	taken, err := s.db.SessionNames(ctx, envID)
	if err != nil {
		return nil, err
	}
	if !taken[name] {
		return &NameAvailability{Available: true}, nil
	}
	return &NameAvailability{
		Available:   false,
		Message:     fmt.Sprintf("session name %q is already in use", name),
		Suggestions: namegen.Suggest(name, taken, namegen.DefaultSuggestions),
	}, nil
}

// CheckBranch reports whether a branch is free of live sessions within an
// environment.
func (s *Service) CheckBranch(ctx context.Context, userID, envID, branch string) (*NameAvailability, error) {
	if _, err := s.GetEnvironment(ctx, userID, envID); err != nil {
		return nil, err
	}
	existing, err := s.db.LiveSessionOnBranch(ctx, envID, branch)
	if apperrors.IsNotFound(err) {
		return &NameAvailability{Available: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &NameAvailability{
		Available: false,
		Message:   fmt.Sprintf("branch %q is already in use by session %s", branch, existing.ID),
	}, nil
}

// DeleteSession kills the multiplexer, prunes the worktree and marks the row
// dead. A dead session deletes as not-found.
func (s *Service) DeleteSession(ctx context.Context, userID, id string) error {
	session, err := s.GetSession(ctx, userID, id)
	if err != nil {
		return err
	}
	if session.Status == store.SessionStatusDead {
		return apperrors.NotFound("session", id)
	}

	env, err := s.db.GetEnvironment(ctx, session.EnvironmentID)
	if err != nil {
		return err
	}

	if env.SandboxID != nil {
		if err := s.broker.Kill(ctx, *env.SandboxID, session); err != nil {
			s.log.WithSessionID(id).Warn("Failed to kill multiplexer", zap.Error(err))
		}
		if env.RepositoryURL != nil && session.WorkingDirectory != worktree.WorkspaceRoot {
			if err := s.worktrees.Prune(ctx, env.ID, *env.SandboxID, session.WorkingDirectory); err != nil {
				s.log.WithSessionID(id).Warn("Failed to prune worktree", zap.Error(err))
			}
		}
	}

	session.Status = store.SessionStatusDead
	session.UpdatedAt = time.Now().UTC()
	if err := s.db.UpdateSession(ctx, session); err != nil {
		return err
	}

	s.publish(ctx, events.SubjectSessionDead, map[string]interface{}{
		"session_id":     id,
		"environment_id": session.EnvironmentID,
	})
	s.log.WithSessionID(id).Info("Deleted session")
	return nil
}

// MarkSessionActive records terminal activity on a session.
func (s *Service) MarkSessionActive(ctx context.Context, session *store.Session) {
	session.Status = store.SessionStatusActive
	session.LastActivityAt = time.Now().UTC()
	session.UpdatedAt = session.LastActivityAt
	if err := s.db.UpdateSession(ctx, session); err != nil {
		s.log.WithSessionID(session.ID).Warn("Failed to update session activity", zap.Error(err))
	}
}

func (s *Service) ensureSandboxRunning(ctx context.Context, sandboxID string) error {
	info, err := s.driver.Inspect(ctx, sandboxID)
	if err != nil {
		return apperrors.Runtime("inspecting sandbox", err)
	}
	if info.Running {
		return nil
	}
	if err := s.driver.Start(ctx, sandboxID); err != nil {
		return apperrors.Runtime("starting sandbox", err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := s.bus.Publish(ctx, subject, events.NewEvent(subject, eventSource, data)); err != nil {
		s.log.Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// multiplexerName derives the in-sandbox tmux session name from a session ID.
func multiplexerName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "dh-" + short
}
