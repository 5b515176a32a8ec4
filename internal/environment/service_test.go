package environment

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// svcDriver fakes the sandbox runtime.
type svcDriver struct {
	mu            sync.Mutex
	nextID        int
	created       []sandbox.Spec
	removed       []string
	started       map[string]bool
	conflictOnce  bool
	createFailure error
	removeFailure error
}

func newSvcDriver() *svcDriver {
	return &svcDriver{started: map[string]bool{}}
}

func (d *svcDriver) Create(_ context.Context, spec sandbox.Spec) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createFailure != nil {
		return "", d.createFailure
	}
	if d.conflictOnce {
		d.conflictOnce = false
		return "", sandbox.ErrConflict
	}
	d.nextID++
	d.created = append(d.created, spec)
	return spec.Name, nil
}

func (d *svcDriver) Start(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started[id] = true
	return nil
}

func (d *svcDriver) Inspect(_ context.Context, id string) (*sandbox.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return &sandbox.Info{ID: id, Running: d.started[id], State: "running"}, nil
}

func (d *svcDriver) Remove(_ context.Context, id string, _ bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeFailure != nil {
		return d.removeFailure
	}
	d.removed = append(d.removed, id)
	return nil
}

func (d *svcDriver) Exec(context.Context, string, []string, sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	return &sandbox.ExecResult{}, nil
}

func (d *svcDriver) AttachPTY(context.Context, string, []string, uint16, uint16) (sandbox.PTY, error) {
	panic("unused")
}

func (d *svcDriver) List(context.Context, map[string]string) ([]sandbox.Info, error) {
	panic("unused")
}

// svcRepos fakes the bare repo store.
type svcRepos struct {
	mu      sync.Mutex
	ensured []string
	removed []string
	fail    error
}

func (r *svcRepos) EnsureBare(_ context.Context, env *store.Environment) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return "", r.fail
	}
	r.ensured = append(r.ensured, env.ID)
	return "/var/lib/devharbor/repos/" + env.ID, nil
}

func (r *svcRepos) MountSpec(envID string) sandbox.Mount {
	return sandbox.Mount{
		Source: "/var/lib/devharbor/repos/" + envID,
		Target: "/data/repos/" + envID,
	}
}

func (r *svcRepos) Remove(_ context.Context, envID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, envID)
	return nil
}

// svcWorktrees fakes the worktree manager.
type svcWorktrees struct {
	mu      sync.Mutex
	ensured []string
	pruned  []string
	fail    error
	path    string
}

func (w *svcWorktrees) EnsureWorktree(_ context.Context, env *store.Environment, branch, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return "", w.fail
	}
	w.ensured = append(w.ensured, env.ID+":"+branch)
	if w.path != "" {
		return w.path, nil
	}
	return "/workspace", nil
}

func (w *svcWorktrees) Prune(_ context.Context, _, _, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruned = append(w.pruned, path)
	return nil
}

// svcBroker fakes the PTY broker teardown surface.
type svcBroker struct {
	mu       sync.Mutex
	killed   []string
	detached []string
}

func (b *svcBroker) Kill(_ context.Context, _ string, session *store.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.killed = append(b.killed, session.ID)
	return nil
}

func (b *svcBroker) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = append(b.detached, sessionID)
}

type fixture struct {
	svc       *Service
	db        *store.MemoryStore
	driver    *svcDriver
	repos     *svcRepos
	worktrees *svcWorktrees
	broker    *svcBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:        store.NewMemoryStore(),
		driver:    newSvcDriver(),
		repos:     &svcRepos{},
		worktrees: &svcWorktrees{},
		broker:    &svcBroker{},
	}
	f.svc = NewService(f.db, f.driver, f.repos, f.worktrees, f.broker,
		events.NewMemoryBus(logger.Default()),
		config.SandboxConfig{Image: "devharbor/sandbox:latest", MemoryMB: 2048, CPUCores: 2},
		logger.Default())
	return f
}

func strptr(s string) *string { return &s }

func (f *fixture) createEnv(t *testing.T, name string, repoURL *string) *store.Environment {
	t.Helper()
	env, err := f.svc.CreateEnvironment(context.Background(), "u1", CreateEnvironmentParams{
		Name:          name,
		RepositoryURL: repoURL,
		Branch:        "main",
	})
	require.NoError(t, err)
	return env
}

func TestCreateEnvironmentHappyPath(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))

	assert.Equal(t, store.EnvStatusRunning, env.Status)
	require.NotNil(t, env.SandboxID)
	assert.Equal(t, []string{env.ID}, f.repos.ensured)

	require.Len(t, f.driver.created, 1)
	spec := f.driver.created[0]
	assert.Equal(t, "devharbor-demo", spec.Name)
	require.Len(t, spec.Mounts, 1)
	assert.Equal(t, "/data/repos/"+env.ID, spec.Mounts[0].Target)
	assert.False(t, spec.Mounts[0].ReadOnly)
}

func TestCreateEnvironmentNameConflictHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.createEnv(t, "demo", nil)

	_, err := f.svc.CreateEnvironment(context.Background(), "u1", CreateEnvironmentParams{Name: "demo"})
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.KindConflict, appErr.Kind)
	assert.NotEmpty(t, appErr.Suggestions)

	// Only the first create reached the runtime.
	assert.Len(t, f.driver.created, 1)
}

func TestCreateEnvironmentNameFreeAcrossUsers(t *testing.T) {
	f := newFixture(t)
	f.createEnv(t, "demo", nil)

	_, err := f.svc.CreateEnvironment(context.Background(), "u2", CreateEnvironmentParams{Name: "demo"})
	assert.NoError(t, err)
}

func TestCreateEnvironmentRetriesSandboxNameCollision(t *testing.T) {
	f := newFixture(t)
	f.driver.conflictOnce = true

	env := f.createEnv(t, "demo", nil)
	require.NotNil(t, env.SandboxID)
	require.Len(t, f.driver.created, 1)
	assert.Contains(t, f.driver.created[0].Name, "devharbor-demo-")
}

func TestCheckNameAvailability(t *testing.T) {
	f := newFixture(t)
	f.createEnv(t, "demo", nil)
	ctx := context.Background()

	free, err := f.svc.CheckNameAvailability(ctx, "u1", "other")
	require.NoError(t, err)
	assert.True(t, free.Available)

	taken, err := f.svc.CheckNameAvailability(ctx, "u1", "demo")
	require.NoError(t, err)
	assert.False(t, taken.Available)
	assert.NotEmpty(t, taken.Suggestions)
}

func TestCreateSessionMaterializesWorktree(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	f.worktrees.path = "/workspace/feature-x"

	session, err := f.svc.CreateSession(context.Background(), "u1", CreateSessionParams{
		EnvironmentID: env.ID,
		Branch:        "feature/x",
	})
	require.NoError(t, err)

	assert.Equal(t, "/workspace/feature-x", session.WorkingDirectory)
	assert.Equal(t, store.SessionStatusInactive, session.Status)
	assert.Equal(t, store.SessionKindShell, session.Kind)
	assert.Equal(t, "dh-"+session.ID[:8], session.MultiplexerName)
	assert.Equal(t, []string{env.ID + ":feature/x"}, f.worktrees.ensured)
}

func TestCreateSessionDefaultsToEnvironmentBranch(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))

	session, err := f.svc.CreateSession(context.Background(), "u1", CreateSessionParams{
		EnvironmentID: env.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, "main", session.Branch)
	assert.Equal(t, "/workspace", session.WorkingDirectory)
}

func TestCreateSessionRejectsBusyBranch(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)

	_, err = f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
}

func TestCreateSessionBranchFreedByDeadSession(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	ctx := context.Background()

	first, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteSession(ctx, "u1", first.ID))

	_, err = f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	assert.NoError(t, err)
}

func TestCreateSessionWorktreeFailurePropagates(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	f.worktrees.fail = &apperrors.AppError{Kind: "no-branches-available", Message: "empty repo"}

	_, err := f.svc.CreateSession(context.Background(), "u1", CreateSessionParams{
		EnvironmentID: env.ID,
		Branch:        "main",
	})
	assert.Equal(t, "no-branches-available", apperrors.KindOf(err))
}

func TestCreateSessionAgentRequiresAgentID(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", nil)

	_, err := f.svc.CreateSession(context.Background(), "u1", CreateSessionParams{
		EnvironmentID: env.ID,
		Kind:          store.SessionKindAgent,
	})
	assert.Equal(t, apperrors.KindUserInput, apperrors.KindOf(err))
}

func TestDeleteSessionKillsMultiplexerAndPrunes(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	f.worktrees.path = "/workspace/feature-x"
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{
		EnvironmentID: env.ID,
		Branch:        "feature/x",
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSession(ctx, "u1", session.ID))
	assert.Equal(t, []string{session.ID}, f.broker.killed)
	assert.Equal(t, []string{"/workspace/feature-x"}, f.worktrees.pruned)

	got, err := f.svc.GetSession(ctx, "u1", session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStatusDead, got.Status)
}

func TestDeleteSessionNeverPrunesWorkspaceRoot(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSession(ctx, "u1", session.ID))
	assert.Empty(t, f.worktrees.pruned)
}

func TestDeleteSessionTwiceIsNotFound(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", nil)
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteSession(ctx, "u1", session.ID))
	err = f.svc.DeleteSession(ctx, "u1", session.ID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDeleteEnvironmentCascades(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	ctx := context.Background()

	session, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteEnvironment(ctx, "u1", env.ID))

	assert.Equal(t, []string{session.ID}, f.broker.killed)
	assert.Equal(t, []string{*env.SandboxID}, f.driver.removed)
	assert.Equal(t, []string{env.ID}, f.repos.removed)

	_, err = f.svc.GetEnvironment(ctx, "u1", env.ID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestDeleteEnvironmentFailureLeavesDeletingMarker(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	ctx := context.Background()
	f.driver.removeFailure = sandbox.ErrTransient

	err := f.svc.DeleteEnvironment(ctx, "u1", env.ID)
	require.Error(t, err)

	// The row survives marked deleting so the sweep can finish teardown.
	got, err := f.db.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvStatusDeleting, got.Status)
	assert.Empty(t, f.repos.removed)
}

func TestDeleteEnvironmentTwiceIsNotFound(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", nil)
	ctx := context.Background()

	require.NoError(t, f.svc.DeleteEnvironment(ctx, "u1", env.ID))
	err := f.svc.DeleteEnvironment(ctx, "u1", env.ID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestOwnershipIsEnforced(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", nil)
	ctx := context.Background()

	_, err := f.svc.GetEnvironment(ctx, "intruder", env.ID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))

	session, err := f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)

	_, err = f.svc.GetSession(ctx, "intruder", session.ID)
	assert.Equal(t, apperrors.KindNotFound, apperrors.KindOf(err))
}

func TestCheckBranch(t *testing.T) {
	f := newFixture(t)
	env := f.createEnv(t, "demo", strptr("https://example.com/r.git"))
	ctx := context.Background()

	free, err := f.svc.CheckBranch(ctx, "u1", env.ID, "main")
	require.NoError(t, err)
	assert.True(t, free.Available)

	_, err = f.svc.CreateSession(ctx, "u1", CreateSessionParams{EnvironmentID: env.ID, Branch: "main"})
	require.NoError(t, err)

	busy, err := f.svc.CheckBranch(ctx, "u1", env.ID, "main")
	require.NoError(t, err)
	assert.False(t, busy.Available)
}
