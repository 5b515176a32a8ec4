package worktree

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// fakeDriver scripts exec results and records every invocation.
type fakeDriver struct {
	mu     sync.Mutex
	calls  [][]string
	handle func(argv []string) *sandbox.ExecResult
}

func (f *fakeDriver) Exec(_ context.Context, _ string, argv []string, _ sandbox.ExecOptions) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, argv)
	f.mu.Unlock()
	return f.handle(argv), nil
}

func (f *fakeDriver) countCalls(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(strings.Join(c, " "), substr) {
			n++
		}
	}
	return n
}

func (f *fakeDriver) Create(context.Context, sandbox.Spec) (string, error) { panic("unused") }
func (f *fakeDriver) Start(context.Context, string) error                  { panic("unused") }
func (f *fakeDriver) Inspect(context.Context, string) (*sandbox.Info, error) {
	panic("unused")
}
func (f *fakeDriver) AttachPTY(context.Context, string, []string, uint16, uint16) (sandbox.PTY, error) {
	panic("unused")
}
func (f *fakeDriver) Remove(context.Context, string, bool) error { panic("unused") }
func (f *fakeDriver) List(context.Context, map[string]string) ([]sandbox.Info, error) {
	panic("unused")
}

func ok(stdout string) *sandbox.ExecResult {
	return &sandbox.ExecResult{Stdout: []byte(stdout)}
}

func fail(code int, stderr string) *sandbox.ExecResult {
	return &sandbox.ExecResult{ExitCode: code, Stderr: []byte(stderr)}
}

func newManager(driver sandbox.Driver) *Manager {
	return NewManager(driver,
		config.SandboxConfig{WorktreeTimeout: 60},
		config.ReposConfig{NetworkTimeout: 120},
		logger.Default())
}

func testEnv() *store.Environment {
	url := "https://example.com/r.git"
	return &store.Environment{ID: "e1", DefaultBranch: "main", RepositoryURL: &url}
}

// simRepo simulates the in-sandbox filesystem for one bare repo: which
// branches exist and which paths hold worktrees of which branch.
type simRepo struct {
	branches  []string
	worktrees map[string]string // path -> branch
	fetchAdds []string          // branches appearing after a fetch
}

func (s *simRepo) handle(argv []string) *sandbox.ExecResult {
	cmd := strings.Join(argv, " ")
	switch {
	case cmd == "test -d /data/repos/e1":
		return ok("")
	case argv[0] == "sh":
		return ok("")
	case argv[0] == "test" && argv[1] == "-d":
		if _, exists := s.worktrees[argv[2]]; exists {
			return ok("")
		}
		return fail(1, "")
	case strings.Contains(cmd, "rev-parse --is-inside-work-tree"):
		if _, exists := s.worktrees[argv[2]]; exists {
			return ok("true\n")
		}
		return fail(128, "fatal: not a git repository")
	case strings.Contains(cmd, "symbolic-ref --short HEAD"):
		if branch, exists := s.worktrees[argv[2]]; exists {
			return ok(branch + "\n")
		}
		return fail(128, "")
	case strings.Contains(cmd, "for-each-ref"):
		return ok(strings.Join(s.branches, "\n"))
	case strings.Contains(cmd, "fetch origin"):
		s.branches = append(s.branches, s.fetchAdds...)
		s.fetchAdds = nil
		return ok("")
	case strings.Contains(cmd, "worktree add"):
		path, branch := argv[5], argv[6]
		if argv[5] == "-b" {
			branch, path = argv[6], argv[7]
			s.branches = append(s.branches, branch)
		}
		if existing, exists := s.worktrees[path]; exists && existing != branch {
			return fail(128, "fatal: '"+path+"' already exists")
		}
		s.worktrees[path] = branch
		return ok("")
	}
	return fail(1, "unexpected command: "+cmd)
}

func newSim(branches ...string) (*simRepo, *fakeDriver) {
	sim := &simRepo{branches: branches, worktrees: map[string]string{}}
	return sim, &fakeDriver{handle: sim.handle}
}

func TestEnsureWorktreeDefaultBranchUsesWorkspaceRoot(t *testing.T) {
	_, driver := newSim("main")
	m := newManager(driver)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb1")
	require.NoError(t, err)
	assert.Equal(t, "/workspace", path)
}

func TestEnsureWorktreeOtherBranchUsesSlugPath(t *testing.T) {
	_, driver := newSim("main", "feature/x")
	m := newManager(driver)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "feature/x", "sb1")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/feature-x", path)
}

func TestEnsureWorktreeIsIdempotent(t *testing.T) {
	_, driver := newSim("main", "feature/x")
	m := newManager(driver)
	ctx := context.Background()

	first, err := m.EnsureWorktree(ctx, testEnv(), "feature/x", "sb1")
	require.NoError(t, err)
	second, err := m.EnsureWorktree(ctx, testEnv(), "feature/x", "sb1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, driver.countCalls("worktree add"))
}

func TestEnsureWorktreeCreatesMissingBranchFromDefault(t *testing.T) {
	sim, driver := newSim("main")
	m := newManager(driver)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "feature/new", "sb1")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/feature-new", path)
	assert.Contains(t, sim.branches, "feature/new")
	assert.Equal(t, 1, driver.countCalls("worktree add -b feature/new"))
}

func TestEnsureWorktreeMountMissing(t *testing.T) {
	driver := &fakeDriver{handle: func(argv []string) *sandbox.ExecResult {
		if strings.Join(argv, " ") == "test -d /data/repos/e1" {
			return fail(1, "")
		}
		return ok("")
	}}
	m := newManager(driver)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb1")
	assert.Equal(t, KindMountMissing, apperrors.KindOf(err))
}

func TestEnsureWorktreeReadonlyMountFailsFast(t *testing.T) {
	driver := &fakeDriver{handle: func(argv []string) *sandbox.ExecResult {
		cmd := strings.Join(argv, " ")
		if cmd == "test -d /data/repos/e1" {
			return ok("")
		}
		if argv[0] == "sh" {
			return fail(1, "touch: cannot touch '/data/repos/e1/.devharbor-write-check': Read-only file system")
		}
		return fail(1, "should not get here")
	}}
	m := newManager(driver)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb1")
	assert.Equal(t, apperrors.KindInvariant, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "/data/repos/e1")
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, 0, driver.countCalls("worktree add"))
}

func TestEnsureWorktreeEmptyRepoFetchesOnce(t *testing.T) {
	sim, driver := newSim()
	sim.fetchAdds = nil // fetch finds nothing either
	m := newManager(driver)

	_, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb1")
	assert.Equal(t, KindNoBranches, apperrors.KindOf(err))
	assert.Equal(t, 1, driver.countCalls("fetch origin"))
}

func TestEnsureWorktreeEmptyRepoRecoversAfterFetch(t *testing.T) {
	sim, driver := newSim()
	sim.fetchAdds = []string{"main"}
	m := newManager(driver)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "main", "sb1")
	require.NoError(t, err)
	assert.Equal(t, "/workspace", path)
	assert.Equal(t, 1, driver.countCalls("fetch origin"))
}

func TestEnsureWorktreeSlugCollisionGetsSuffix(t *testing.T) {
	sim, driver := newSim("main", "feature/x", "feature.x")
	// feature-x path already holds a worktree of the other branch whose slug
	// collides.
	sim.worktrees["/workspace/feature-x"] = "feature.x"
	m := newManager(driver)

	path, err := m.EnsureWorktree(context.Background(), testEnv(), "feature/x", "sb1")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/feature-x-2", path)
}

func TestPruneNeverRemovesWorkspaceRoot(t *testing.T) {
	_, driver := newSim("main")
	m := newManager(driver)

	require.NoError(t, m.Prune(context.Background(), "e1", "sb1", "/workspace"))
	assert.Equal(t, 0, driver.countCalls("worktree remove"))
	assert.Equal(t, 1, driver.countCalls("worktree prune"))
}

func TestSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"main", "main"},
		{"feature/x", "feature-x"},
		{"Feature/X", "feature-x"},
		{"release-1.2", "release-1.2"},
		{"fix_login", "fix_login"},
		{"weird branch!", "weird-branch-"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.in), tt.in)
	}
}
