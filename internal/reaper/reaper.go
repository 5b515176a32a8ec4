// Package reaper reconciles recorded state against the runtime: dead
// multiplexer sessions, dangling worktrees, stopped sandboxes and expired
// refresh tokens.
package reaper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
	"github.com/devharbor/devharbor/internal/worktree"
)

// eventSource identifies the reaper on the bus.
const eventSource = "reaper"

// baseBackoff is the first restart delay; it doubles per failure up to the
// configured cap.
const baseBackoff = 5 * time.Second

// MultiplexerInspector is the broker surface the reaper needs.
type MultiplexerInspector interface {
	Inspect(ctx context.Context, sandboxID string, session *store.Session) (bool, error)
	Detach(sessionID string)
}

// WorktreePruner lists and removes in-sandbox worktrees.
type WorktreePruner interface {
	ListPaths(ctx context.Context, envID, sandboxID string) ([]string, error)
	Prune(ctx context.Context, envID, sandboxID, path string) error
}

// RepoRemover deletes an environment's bare repository from the host.
type RepoRemover interface {
	Remove(ctx context.Context, envID string) error
}

// Reaper runs the periodic reconciliation sweep.
type Reaper struct {
	db        store.Store
	driver    sandbox.Driver
	broker    MultiplexerInspector
	worktrees WorktreePruner
	repos     RepoRemover
	bus       events.Bus
	log       *logger.Logger

	interval   time.Duration
	backoffCap time.Duration
	now        func() time.Time
}

// New creates a reaper.
func New(db store.Store, driver sandbox.Driver, broker MultiplexerInspector, worktrees WorktreePruner, repos RepoRemover, bus events.Bus, cfg config.ReaperConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		db:         db,
		driver:     driver,
		broker:     broker,
		worktrees:  worktrees,
		repos:      repos,
		bus:        bus,
		log:        log,
		interval:   cfg.IntervalDuration(),
		backoffCap: cfg.BackoffCap(),
		now:        time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("Reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass. Individual failures are logged and do
// not stop the pass.
func (r *Reaper) Sweep(ctx context.Context) {
	envs, err := r.db.ListEnvironments(ctx)
	if err != nil {
		r.log.Error("Reaper: listing environments", zap.Error(err))
		return
	}

	for _, env := range envs {
		if env.Status == store.EnvStatusDeleting {
			r.finishTeardown(ctx, env)
			continue
		}
		if env.SandboxID == nil {
			continue
		}
		r.reapSessions(ctx, env)
		r.reapWorktrees(ctx, env)
		r.restartSandbox(ctx, env)
	}

	if n, err := r.db.DeleteExpiredRefreshTokens(ctx, r.now().UTC()); err != nil {
		r.log.Error("Reaper: revoking refresh tokens", zap.Error(err))
	} else if n > 0 {
		r.log.Info("Revoked expired refresh tokens", zap.Int64("count", n))
	}
}

// finishTeardown resumes a half-torn-down environment: removes the sandbox
// and the bare repo, then deletes the rows. Failures leave the row in
// deleting for the next sweep.
func (r *Reaper) finishTeardown(ctx context.Context, env *store.Environment) {
	if env.SandboxID != nil {
		if err := r.driver.Remove(ctx, *env.SandboxID, true); err != nil &&
			!errors.Is(sandbox.Classify(err), sandbox.ErrNotFound) {
			r.log.Warn("Reaper: removing sandbox during teardown",
				zap.String("environment_id", env.ID), zap.Error(err))
			return
		}
	}
	if env.RepositoryURL != nil {
		if err := r.repos.Remove(ctx, env.ID); err != nil {
			r.log.Warn("Reaper: removing bare repo during teardown",
				zap.String("environment_id", env.ID), zap.Error(err))
		}
	}
	if err := r.db.DeleteEnvironment(ctx, env.ID); err != nil {
		r.log.Error("Reaper: deleting environment rows", zap.String("environment_id", env.ID), zap.Error(err))
		return
	}

	r.publish(ctx, events.SubjectEnvironmentDeleted, map[string]interface{}{
		"environment_id": env.ID,
		"user_id":        env.UserID,
	})
	r.log.WithEnvironmentID(env.ID).Info("Finished interrupted environment teardown")
}

// reapSessions marks active sessions dead when their multiplexer session no
// longer exists. Inactive sessions have not attached yet and are skipped.
func (r *Reaper) reapSessions(ctx context.Context, env *store.Environment) {
	sessions, err := r.db.ListSessionsByEnvironment(ctx, env.ID)
	if err != nil {
		r.log.Error("Reaper: listing sessions", zap.String("environment_id", env.ID), zap.Error(err))
		return
	}

	for _, session := range sessions {
		if session.Status != store.SessionStatusActive {
			continue
		}
		exists, err := r.broker.Inspect(ctx, *env.SandboxID, session)
		if err != nil {
			r.log.Warn("Reaper: inspecting multiplexer", zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		if exists {
			continue
		}

		session.Status = store.SessionStatusDead
		session.UpdatedAt = r.now().UTC()
		if err := r.db.UpdateSession(ctx, session); err != nil {
			r.log.Error("Reaper: marking session dead", zap.String("session_id", session.ID), zap.Error(err))
			continue
		}
		r.broker.Detach(session.ID)
		r.publish(ctx, events.SubjectSessionDead, map[string]interface{}{
			"session_id":     session.ID,
			"environment_id": env.ID,
		})
		r.log.WithSessionID(session.ID).Info("Reaped dead multiplexer session")
	}
}

// reapWorktrees prunes worktrees present in the sandbox that no live session
// references. The root workspace is never pruned.
func (r *Reaper) reapWorktrees(ctx context.Context, env *store.Environment) {
	if env.RepositoryURL == nil {
		return
	}

	paths, err := r.worktrees.ListPaths(ctx, env.ID, *env.SandboxID)
	if err != nil {
		r.log.Warn("Reaper: listing worktrees", zap.String("environment_id", env.ID), zap.Error(err))
		return
	}
	if len(paths) == 0 {
		return
	}

	sessions, err := r.db.ListSessionsByEnvironment(ctx, env.ID)
	if err != nil {
		return
	}
	referenced := map[string]bool{worktree.WorkspaceRoot: true}
	for _, session := range sessions {
		if session.Status != store.SessionStatusDead {
			referenced[session.WorkingDirectory] = true
		}
	}

	for _, path := range paths {
		if referenced[path] {
			continue
		}
		if err := r.worktrees.Prune(ctx, env.ID, *env.SandboxID, path); err != nil {
			r.log.Warn("Reaper: pruning worktree",
				zap.String("environment_id", env.ID),
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		r.log.WithEnvironmentID(env.ID).Info("Pruned dangling worktree", zap.String("path", path))
	}
}

// restartSandbox restarts sandboxes whose record says running but whose
// runtime reports stopped, with exponential backoff for repeat offenders.
func (r *Reaper) restartSandbox(ctx context.Context, env *store.Environment) {
	if env.Status != store.EnvStatusRunning {
		return
	}

	info, err := r.driver.Inspect(ctx, *env.SandboxID)
	if err != nil {
		r.log.Warn("Reaper: inspecting sandbox", zap.String("environment_id", env.ID), zap.Error(err))
		return
	}
	if info.Running {
		return
	}

	now := r.now().UTC()
	if env.NextRestartAt != nil && now.Before(*env.NextRestartAt) {
		return
	}

	if err := r.driver.Start(ctx, *env.SandboxID); err != nil {
		// Stay running and back off; the next sweep past the window
		// retries. The cap bounds the retry spacing, not the attempts.
		reason := err.Error()
		env.StatusReason = &reason
		env.RestartCount++
		next := now.Add(r.backoff(env.RestartCount))
		env.NextRestartAt = &next
		env.UpdatedAt = now
		if err := r.db.UpdateEnvironment(ctx, env); err != nil {
			r.log.Error("Reaper: recording sandbox failure", zap.String("environment_id", env.ID), zap.Error(err))
		}
		r.log.WithEnvironmentID(env.ID).Warn("Sandbox restart failed",
			zap.Int("restart_count", env.RestartCount), zap.Error(err))
		return
	}

	env.StatusReason = nil
	env.RestartCount++
	next := now.Add(r.backoff(env.RestartCount))
	env.NextRestartAt = &next
	env.UpdatedAt = now
	if err := r.db.UpdateEnvironment(ctx, env); err != nil {
		r.log.Error("Reaper: recording restart", zap.String("environment_id", env.ID), zap.Error(err))
	}

	r.publish(ctx, events.SubjectSandboxRestarted, map[string]interface{}{
		"environment_id": env.ID,
		"restart_count":  env.RestartCount,
	})
	r.log.WithEnvironmentID(env.ID).Info("Restarted stopped sandbox",
		zap.Int("restart_count", env.RestartCount))
}

// backoff returns the delay before the next restart attempt is allowed.
func (r *Reaper) backoff(restartCount int) time.Duration {
	d := baseBackoff
	for i := 1; i < restartCount; i++ {
		d *= 2
		if d >= r.backoffCap {
			return r.backoffCap
		}
	}
	if d > r.backoffCap {
		return r.backoffCap
	}
	return d
}

func (r *Reaper) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if err := r.bus.Publish(ctx, subject, events.NewEvent(subject, eventSource, data)); err != nil {
		r.log.Warn("Reaper: publishing event", zap.String("subject", subject), zap.Error(err))
	}
}
