// Package worktree reconciles in-sandbox working trees against the desired
// (branch, session) state. All git invocations run inside the target sandbox
// through the driver.
package worktree

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/keyedmutex"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/repo"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// WorkspaceRoot is the canonical worktree path for the branch bound at
// container start; additional branches live under it by slug.
const WorkspaceRoot = "/workspace"

// Worktree failure classes beyond the shared taxonomy. They surface in the
// error envelope verbatim.
const (
	KindMountMissing   = "mount-missing"
	KindNoBranches     = "no-branches-available"
	KindCreationFailed = "worktree-creation-failed"
	KindPathOccupied   = "path-occupied"
)

const sentinelName = ".devharbor-write-check"

// maxSlugSuffix bounds the numeric-suffix search for colliding branch slugs.
const maxSlugSuffix = 10

// Manager materializes per-branch worktrees inside sandboxes. EnsureWorktree
// is serialized per (env, branch) and idempotent.
type Manager struct {
	driver     sandbox.Driver
	locks      *keyedmutex.KeyedMutex
	log        *logger.Logger
	timeout    time.Duration
	netTimeout time.Duration
}

// NewManager creates a worktree manager.
func NewManager(driver sandbox.Driver, sandboxCfg config.SandboxConfig, reposCfg config.ReposConfig, log *logger.Logger) *Manager {
	return &Manager{
		driver:     driver,
		locks:      keyedmutex.New(),
		log:        log,
		timeout:    sandboxCfg.WorktreeTimeoutDuration(),
		netTimeout: reposCfg.NetworkTimeoutDuration(),
	}
}

// EnsureWorktree converges the sandbox to hold a working tree for branch and
// returns its in-sandbox path. Calling it twice returns the same path and
// performs no destructive action the second time.
func (m *Manager) EnsureWorktree(ctx context.Context, env *store.Environment, branch, sandboxID string) (string, error) {
	m.locks.Lock(env.ID + "\x00" + branch)
	defer m.locks.Unlock(env.ID + "\x00" + branch)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	barePath := repo.SandboxMountPath + "/" + env.ID

	// Mount present?
	if res, err := m.exec(ctx, sandboxID, "test", "-d", barePath); err != nil {
		return "", apperrors.Runtime("checking bare repo mount", err)
	} else if res.ExitCode != 0 {
		return "", &apperrors.AppError{
			Kind:    KindMountMissing,
			Message: fmt.Sprintf("bare repo not mounted at %s", barePath),
		}
	}

	// Writable? git worktree add writes metadata under the bare repo, so a
	// read-only mount is a fatal configuration error.
	if err := m.checkWritable(ctx, sandboxID, barePath); err != nil {
		return "", err
	}

	path, done, err := m.resolvePath(ctx, sandboxID, env, branch)
	if err != nil {
		return "", err
	}
	if done {
		return path, nil
	}

	branches, err := m.localBranches(ctx, sandboxID, barePath)
	if err != nil {
		return "", err
	}
	if len(branches) == 0 {
		// Empty clone: fetch once, then give up.
		if err := m.fetchOrigin(ctx, sandboxID, barePath); err != nil {
			return "", err
		}
		if branches, err = m.localBranches(ctx, sandboxID, barePath); err != nil {
			return "", err
		}
		if len(branches) == 0 {
			return "", &apperrors.AppError{
				Kind:    KindNoBranches,
				Message: "repository has no branches; push an initial commit upstream and retry",
			}
		}
	}

	path, err = m.createWorktree(ctx, sandboxID, barePath, path, branch, env.DefaultBranch, branches)
	if err != nil {
		return "", err
	}

	ok, err := m.isWorktreeFor(ctx, sandboxID, path, branch)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &apperrors.AppError{
			Kind:    KindCreationFailed,
			Message: fmt.Sprintf("worktree at %s failed verification for branch %q", path, branch),
		}
	}

	m.log.WithEnvironmentID(env.ID).Info("Materialized worktree",
		zap.String("branch", branch),
		zap.String("path", path))
	return path, nil
}

// Prune removes the worktree for a branch. Called on session deletion and by
// the reaper for dangling paths.
func (m *Manager) Prune(ctx context.Context, envID, sandboxID, path string) error {
	barePath := repo.SandboxMountPath + "/" + envID
	if path == "" || path == WorkspaceRoot {
		// The root workspace is never removed; only its metadata is pruned.
		_, _ = m.exec(ctx, sandboxID, "git", "-C", barePath, "worktree", "prune")
		return nil
	}

	if res, err := m.exec(ctx, sandboxID, "git", "-C", barePath, "worktree", "remove", "--force", path); err != nil {
		return apperrors.Runtime("removing worktree", err)
	} else if res.ExitCode != 0 {
		// Fall back to prune plus rm for trees git no longer tracks.
		_, _ = m.exec(ctx, sandboxID, "git", "-C", barePath, "worktree", "prune")
		if res, err := m.exec(ctx, sandboxID, "rm", "-rf", path); err != nil || res.ExitCode != 0 {
			return apperrors.Runtime("removing worktree directory", err)
		}
	}
	return nil
}

// ListPaths returns the worktree paths git tracks for the environment's bare
// repo inside the sandbox. Used by the reaper to find dangling trees.
func (m *Manager) ListPaths(ctx context.Context, envID, sandboxID string) ([]string, error) {
	barePath := repo.SandboxMountPath + "/" + envID
	res, err := m.exec(ctx, sandboxID, "git", "-C", barePath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, apperrors.Runtime("listing worktrees", err)
	}
	if res.ExitCode != 0 {
		return nil, apperrors.Runtime("listing worktrees: "+strings.TrimSpace(string(res.Stderr)), nil)
	}

	var paths []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok && rest != barePath {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

func (m *Manager) exec(ctx context.Context, sandboxID string, argv ...string) (*sandbox.ExecResult, error) {
	return m.driver.Exec(ctx, sandboxID, argv, sandbox.ExecOptions{})
}

func (m *Manager) checkWritable(ctx context.Context, sandboxID, barePath string) error {
	sentinel := barePath + "/" + sentinelName
	res, err := m.exec(ctx, sandboxID, "sh", "-c",
		fmt.Sprintf("touch %s && rm -f %s", sentinel, sentinel))
	if err != nil {
		return apperrors.Runtime("checking bare repo writability", err)
	}
	if res.ExitCode != 0 {
		out := string(res.Stderr)
		if strings.Contains(out, "Read-only file system") {
			return apperrors.Invariant(fmt.Sprintf("%s mounted read-only; worktrees require rw", barePath))
		}
		return apperrors.Runtime("bare repo not writable: "+strings.TrimSpace(out), nil)
	}
	return nil
}

// resolvePath picks the worktree path for a branch: WorkspaceRoot for the
// default branch, WorkspaceRoot/<slug> otherwise. When a slug path is held by
// a worktree of a different branch, a numeric suffix resolves the collision.
// done reports that the chosen path already holds the branch's worktree.
func (m *Manager) resolvePath(ctx context.Context, sandboxID string, env *store.Environment, branch string) (string, bool, error) {
	if branch == env.DefaultBranch {
		ok, err := m.isWorktreeFor(ctx, sandboxID, WorkspaceRoot, branch)
		return WorkspaceRoot, ok, err
	}

	base := WorkspaceRoot + "/" + Slug(branch)
	for i := 1; i <= maxSlugSuffix; i++ {
		path := base
		if i > 1 {
			path = fmt.Sprintf("%s-%d", base, i)
		}

		ok, err := m.isWorktreeFor(ctx, sandboxID, path, branch)
		if err != nil {
			return "", false, err
		}
		if ok {
			return path, true, nil
		}

		taken, err := m.holdsOtherBranch(ctx, sandboxID, path, branch)
		if err != nil {
			return "", false, err
		}
		if !taken {
			return path, false, nil
		}
	}
	return "", false, &apperrors.AppError{
		Kind:    KindPathOccupied,
		Message: fmt.Sprintf("no free worktree path for branch %q under %s", branch, WorkspaceRoot),
	}
}

// holdsOtherBranch reports whether path is a valid worktree checked out on a
// branch other than the one requested.
func (m *Manager) holdsOtherBranch(ctx context.Context, sandboxID, path, branch string) (bool, error) {
	res, err := m.exec(ctx, sandboxID, "test", "-d", path)
	if err != nil {
		return false, apperrors.Runtime("checking worktree path", err)
	}
	if res.ExitCode != 0 {
		return false, nil
	}

	res, err = m.exec(ctx, sandboxID, "git", "-C", path, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false, apperrors.Runtime("checking worktree", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(string(res.Stdout)) != "true" {
		return false, nil
	}

	res, err = m.exec(ctx, sandboxID, "git", "-C", path, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return false, apperrors.Runtime("checking worktree branch", err)
	}
	return res.ExitCode == 0 && strings.TrimSpace(string(res.Stdout)) != branch, nil
}

// isWorktreeFor reports whether path holds a valid worktree checked out on
// the expected branch.
func (m *Manager) isWorktreeFor(ctx context.Context, sandboxID, path, branch string) (bool, error) {
	res, err := m.exec(ctx, sandboxID, "test", "-d", path)
	if err != nil {
		return false, apperrors.Runtime("checking worktree path", err)
	}
	if res.ExitCode != 0 {
		return false, nil
	}

	res, err = m.exec(ctx, sandboxID, "git", "-C", path, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false, apperrors.Runtime("checking worktree", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(string(res.Stdout)) != "true" {
		return false, nil
	}

	res, err = m.exec(ctx, sandboxID, "git", "-C", path, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return false, apperrors.Runtime("checking worktree branch", err)
	}
	return res.ExitCode == 0 && strings.TrimSpace(string(res.Stdout)) == branch, nil
}

func (m *Manager) localBranches(ctx context.Context, sandboxID, barePath string) ([]string, error) {
	res, err := m.exec(ctx, sandboxID, "git", "-C", barePath,
		"for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, apperrors.Runtime("listing branches", err)
	}
	if res.ExitCode != 0 {
		return nil, apperrors.Runtime("listing branches: "+strings.TrimSpace(string(res.Stderr)), nil)
	}

	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(string(res.Stdout)), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

func (m *Manager) fetchOrigin(ctx context.Context, sandboxID, barePath string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, m.netTimeout)
	defer cancel()

	res, err := m.driver.Exec(fetchCtx, sandboxID,
		[]string{"git", "-C", barePath, "fetch", "origin", "+refs/heads/*:refs/heads/*"},
		sandbox.ExecOptions{})
	if err != nil {
		return apperrors.Runtime("fetching origin", err)
	}
	if res.ExitCode != 0 {
		return apperrors.Upstream("fetching origin failed: "+strings.TrimSpace(string(res.Stderr)), nil)
	}
	return nil
}

func (m *Manager) createWorktree(ctx context.Context, sandboxID, barePath, path, branch, defaultBranch string, branches []string) (string, error) {
	haveBranch := false
	for _, b := range branches {
		if b == branch {
			haveBranch = true
			break
		}
	}

	argv := []string{"git", "-C", barePath, "worktree", "add", path, branch}
	if !haveBranch {
		base := defaultBranch
		if base == "" || !contains(branches, base) {
			base = branches[0]
		}
		argv = []string{"git", "-C", barePath, "worktree", "add", "-b", branch, path, base}
	}

	res, err := m.exec(ctx, sandboxID, argv...)
	if err != nil {
		return "", apperrors.Runtime("creating worktree", err)
	}
	if res.ExitCode == 0 {
		return path, nil
	}

	out := string(res.Stderr)
	switch {
	case strings.Contains(out, "Read-only file system"):
		// The writability probe passed and creation still hit EROFS.
		return "", apperrors.Invariant(fmt.Sprintf("%s mounted read-only; worktrees require rw", barePath))
	case strings.Contains(out, "No space left on device"):
		return "", apperrors.Resource("no space left creating worktree", nil)
	case strings.Contains(out, "already exists"):
		ok, err := m.isWorktreeFor(ctx, sandboxID, path, branch)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
		return "", &apperrors.AppError{
			Kind:    KindPathOccupied,
			Message: fmt.Sprintf("%s exists but is not a worktree for branch %q", path, branch),
		}
	}
	return "", &apperrors.AppError{
		Kind:    KindCreationFailed,
		Message: "git worktree add failed: " + strings.TrimSpace(out),
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
