package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// reapDriver reports scripted sandbox run states.
type reapDriver struct {
	mu         sync.Mutex
	running    map[string]bool
	startFail  bool
	removeFail bool
	started    []string
	removed    []string
}

func (d *reapDriver) Inspect(_ context.Context, id string) (*sandbox.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &sandbox.Info{ID: id, Running: d.running[id]}, nil
}

func (d *reapDriver) Start(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startFail {
		return sandbox.ErrTransient
	}
	d.started = append(d.started, id)
	d.running[id] = true
	return nil
}

func (d *reapDriver) Create(context.Context, sandbox.Spec) (string, error) { panic("unused") }
func (d *reapDriver) Exec(context.Context, string, []string, sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	panic("unused")
}
func (d *reapDriver) AttachPTY(context.Context, string, []string, uint16, uint16) (sandbox.PTY, error) {
	panic("unused")
}
func (d *reapDriver) Remove(_ context.Context, id string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeFail {
		return sandbox.ErrTransient
	}
	d.removed = append(d.removed, id)
	delete(d.running, id)
	return nil
}
func (d *reapDriver) List(context.Context, map[string]string) ([]sandbox.Info, error) {
	panic("unused")
}

// reapBroker scripts multiplexer existence per session.
type reapBroker struct {
	mu       sync.Mutex
	alive    map[string]bool
	detached []string
}

func (b *reapBroker) Inspect(_ context.Context, _ string, session *store.Session) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive[session.ID], nil
}

func (b *reapBroker) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = append(b.detached, sessionID)
}

// reapWorktrees scripts the in-sandbox worktree listing.
type reapWorktrees struct {
	mu     sync.Mutex
	paths  []string
	pruned []string
}

func (w *reapWorktrees) ListPaths(context.Context, string, string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paths, nil
}

func (w *reapWorktrees) Prune(_ context.Context, _, _, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruned = append(w.pruned, path)
	return nil
}

// reapRepos records bare-repo removals.
type reapRepos struct {
	mu      sync.Mutex
	removed []string
}

func (r *reapRepos) Remove(_ context.Context, envID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, envID)
	return nil
}

type reapFixture struct {
	reaper    *Reaper
	db        *store.MemoryStore
	driver    *reapDriver
	broker    *reapBroker
	worktrees *reapWorktrees
	repos     *reapRepos
	clock     time.Time
}

func newReapFixture(t *testing.T) *reapFixture {
	t.Helper()
	f := &reapFixture{
		db:        store.NewMemoryStore(),
		driver:    &reapDriver{running: map[string]bool{}},
		broker:    &reapBroker{alive: map[string]bool{}},
		worktrees: &reapWorktrees{},
		repos:     &reapRepos{},
		clock:     time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.reaper = New(f.db, f.driver, f.broker, f.worktrees, f.repos,
		events.NewMemoryBus(logger.Default()),
		config.ReaperConfig{Interval: 30, BackoffCapS: 300},
		logger.Default())
	f.reaper.now = func() time.Time { return f.clock }
	return f
}

func (f *reapFixture) addEnv(t *testing.T, id string, repoBacked bool) *store.Environment {
	t.Helper()
	sb := "sb-" + id
	env := &store.Environment{
		ID: id, UserID: "u1", Name: id, DefaultBranch: "main",
		SandboxID: &sb, Status: store.EnvStatusRunning,
	}
	if repoBacked {
		url := "https://example.com/r.git"
		env.RepositoryURL = &url
	}
	require.NoError(t, f.db.CreateEnvironment(context.Background(), env))
	f.driver.running[sb] = true
	return env
}

func (f *reapFixture) addSession(t *testing.T, envID, id, workdir, branch, status string) *store.Session {
	t.Helper()
	session := &store.Session{
		ID: id, EnvironmentID: envID, MultiplexerName: "dh-" + id,
		WorkingDirectory: workdir, Branch: branch,
		Kind: store.SessionKindShell, Status: status,
	}
	require.NoError(t, f.db.CreateSession(context.Background(), session))
	return session
}

func TestSweepMarksSessionsWithoutMultiplexerDead(t *testing.T) {
	f := newReapFixture(t)
	env := f.addEnv(t, "e1", true)
	gone := f.addSession(t, env.ID, "s1", "/workspace", "main", store.SessionStatusActive)
	alive := f.addSession(t, env.ID, "s2", "/workspace/feature-x", "feature/x", store.SessionStatusActive)
	f.broker.alive[alive.ID] = true
	f.worktrees.paths = []string{"/workspace", "/workspace/feature-x"}

	f.reaper.Sweep(context.Background())

	got, err := f.db.GetSession(context.Background(), gone.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
	assert.Equal(t, []string{gone.ID}, f.broker.detached)

	got, err = f.db.GetSession(context.Background(), alive.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusActive, got.Status)
}

func TestSweepSkipsInactiveSessions(t *testing.T) {
	f := newReapFixture(t)
	env := f.addEnv(t, "e1", false)
	// Never attached, so no multiplexer exists yet.
	session := f.addSession(t, env.ID, "s1", "/workspace", "main", store.SessionStatusInactive)

	f.reaper.Sweep(context.Background())

	got, err := f.db.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusInactive, got.Status)
}

func TestSweepPrunesDanglingWorktrees(t *testing.T) {
	f := newReapFixture(t)
	env := f.addEnv(t, "e1", true)
	f.addSession(t, env.ID, "s1", "/workspace/feature-x", "feature/x", store.SessionStatusActive)
	f.broker.alive["s1"] = true
	f.worktrees.paths = []string{"/workspace", "/workspace/feature-x", "/workspace/stale"}

	f.reaper.Sweep(context.Background())

	assert.Equal(t, []string{"/workspace/stale"}, f.worktrees.pruned)
}

func TestSweepNeverPrunesWorkspaceRoot(t *testing.T) {
	f := newReapFixture(t)
	f.addEnv(t, "e1", true)
	f.worktrees.paths = []string{"/workspace"}

	f.reaper.Sweep(context.Background())
	assert.Empty(t, f.worktrees.pruned)
}

func TestSweepRestartsStoppedSandbox(t *testing.T) {
	f := newReapFixture(t)
	env := f.addEnv(t, "e1", false)
	f.driver.running[*env.SandboxID] = false

	f.reaper.Sweep(context.Background())

	assert.Equal(t, []string{*env.SandboxID}, f.driver.started)
	got, err := f.db.GetEnvironment(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RestartCount)
	require.NotNil(t, got.NextRestartAt)
	assert.Equal(t, f.clock.Add(5*time.Second), *got.NextRestartAt)
}

func TestSweepHonorsRestartBackoff(t *testing.T) {
	f := newReapFixture(t)
	env := f.addEnv(t, "e1", false)
	f.driver.running[*env.SandboxID] = false

	f.reaper.Sweep(context.Background())
	require.Len(t, f.driver.started, 1)

	// Crashes again immediately; still inside the backoff window.
	f.driver.running[*env.SandboxID] = false
	f.reaper.Sweep(context.Background())
	assert.Len(t, f.driver.started, 1)

	// After the window the restart is retried.
	f.clock = f.clock.Add(6 * time.Second)
	f.reaper.Sweep(context.Background())
	assert.Len(t, f.driver.started, 2)
}

func TestSweepBacksOffWhenStartFails(t *testing.T) {
	f := newReapFixture(t)
	env := f.addEnv(t, "e1", false)
	f.driver.running[*env.SandboxID] = false
	f.driver.startFail = true

	f.reaper.Sweep(context.Background())

	got, err := f.db.GetEnvironment(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvStatusRunning, got.Status)
	require.NotNil(t, got.StatusReason)
	assert.Equal(t, 1, got.RestartCount)
	require.NotNil(t, got.NextRestartAt)
	assert.Equal(t, f.clock.Add(5*time.Second), *got.NextRestartAt)
	assert.Empty(t, f.driver.started)

	// Recovery after the window: the restart lands and clears the reason.
	f.driver.startFail = false
	f.clock = f.clock.Add(6 * time.Second)
	f.reaper.Sweep(context.Background())

	got, err = f.db.GetEnvironment(context.Background(), env.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{*env.SandboxID}, f.driver.started)
	assert.Nil(t, got.StatusReason)
}

func TestSweepFinishesInterruptedTeardown(t *testing.T) {
	f := newReapFixture(t)
	ctx := context.Background()
	env := f.addEnv(t, "e1", true)
	env.Status = store.EnvStatusDeleting
	require.NoError(t, f.db.UpdateEnvironment(ctx, env))

	f.reaper.Sweep(ctx)

	assert.Equal(t, []string{*env.SandboxID}, f.driver.removed)
	assert.Equal(t, []string{env.ID}, f.repos.removed)
	_, err := f.db.GetEnvironment(ctx, env.ID)
	assert.Error(t, err)
}

func TestSweepRetriesTeardownNextPass(t *testing.T) {
	f := newReapFixture(t)
	ctx := context.Background()
	env := f.addEnv(t, "e1", true)
	env.Status = store.EnvStatusDeleting
	require.NoError(t, f.db.UpdateEnvironment(ctx, env))
	f.driver.removeFail = true

	f.reaper.Sweep(ctx)

	got, err := f.db.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvStatusDeleting, got.Status)
	assert.Empty(t, f.repos.removed)

	f.driver.removeFail = false
	f.reaper.Sweep(ctx)

	_, err = f.db.GetEnvironment(ctx, env.ID)
	assert.Error(t, err)
	assert.Equal(t, []string{env.ID}, f.repos.removed)
}

func TestBackoffDoublesToCap(t *testing.T) {
	f := newReapFixture(t)
	assert.Equal(t, 5*time.Second, f.reaper.backoff(1))
	assert.Equal(t, 10*time.Second, f.reaper.backoff(2))
	assert.Equal(t, 40*time.Second, f.reaper.backoff(4))
	assert.Equal(t, 5*time.Minute, f.reaper.backoff(10))
}

func TestSweepRevokesExpiredRefreshTokens(t *testing.T) {
	f := newReapFixture(t)
	ctx := context.Background()
	require.NoError(t, f.db.CreateUser(ctx, &store.User{ID: "u1", Username: "ada"}))
	require.NoError(t, f.db.CreateRefreshToken(ctx, &store.RefreshToken{
		ID: "t1", UserID: "u1", Sealed: []byte("x"),
		ExpiresAt: f.clock.Add(-time.Hour),
	}))
	require.NoError(t, f.db.CreateRefreshToken(ctx, &store.RefreshToken{
		ID: "t2", UserID: "u1", Sealed: []byte("y"),
		ExpiresAt: f.clock.Add(time.Hour),
	}))

	f.reaper.Sweep(ctx)

	n, err := f.db.DeleteExpiredRefreshTokens(ctx, f.clock)
	require.NoError(t, err)
	assert.Zero(t, n)
}
