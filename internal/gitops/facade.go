// Package gitops runs git inside sandboxes against a session's worktree and
// returns structured results.
package gitops

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/repo"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// defaultLogLimit bounds Log when the caller passes no limit.
const defaultLogLimit = 50

// FileStatus is one changed path from git status.
type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"` // porcelain XY code, "??" for untracked
	Staged bool   `json:"staged"`
}

// StatusResult is the parsed working-tree status of a session.
type StatusResult struct {
	Branch   string       `json:"branch"`
	Upstream string       `json:"upstream,omitempty"`
	Ahead    int          `json:"ahead"`
	Behind   int          `json:"behind"`
	Files    []FileStatus `json:"files"`
	Clean    bool         `json:"clean"`
}

// CommitInfo is one entry from git log.
type CommitInfo struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Email   string `json:"email"`
	Date    string `json:"date"` // ISO 8601
	Message string `json:"message"`
}

// CommitResult reports a created commit.
type CommitResult struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
}

// PushResult reports a completed push.
type PushResult struct {
	Remote string `json:"remote"`
	Branch string `json:"branch"`
	Output string `json:"output"`
}

// RepoInfo describes an environment's bare repository.
type RepoInfo struct {
	Path          string   `json:"path"`
	Branches      []string `json:"branches"`
	CurrentBranch string   `json:"currentBranch"`
	RemoteURL     string   `json:"remoteUrl"`
}

// Facade executes git operations inside a session's sandbox. All commands
// run against the session's worktree path through the sandbox driver.
type Facade struct {
	driver      sandbox.Driver
	log         *logger.Logger
	execTimeout time.Duration
	netTimeout  time.Duration
}

// NewFacade creates a git operations facade.
func NewFacade(driver sandbox.Driver, sandboxCfg config.SandboxConfig, reposCfg config.ReposConfig, log *logger.Logger) *Facade {
	return &Facade{
		driver:      driver,
		log:         log,
		execTimeout: sandboxCfg.ExecTimeoutDuration(),
		netTimeout:  reposCfg.NetworkTimeoutDuration(),
	}
}

// Status returns the parsed porcelain v2 status of the session's worktree.
func (f *Facade) Status(ctx context.Context, env *store.Environment, session *store.Session) (*StatusResult, error) {
	wd, sandboxID, err := resolve(env, session)
	if err != nil {
		return nil, err
	}

	res, err := f.gitOK(ctx, sandboxID, wd, "status", "--porcelain=v2", "--branch")
	if err != nil {
		return nil, err
	}
	return parseStatus(string(res.Stdout)), nil
}

// Diff returns the unified diff of the session's worktree. file narrows the
// diff to one path; staged diffs the index against HEAD instead.
func (f *Facade) Diff(ctx context.Context, env *store.Environment, session *store.Session, file string, staged bool) (string, error) {
	wd, sandboxID, err := resolve(env, session)
	if err != nil {
		return "", err
	}

	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	if file != "" {
		args = append(args, "--", file)
	}
	res, err := f.gitOK(ctx, sandboxID, wd, args...)
	if err != nil {
		return "", err
	}
	return string(res.Stdout), nil
}

// Log returns up to limit commits starting at offset, newest first. An
// unborn branch yields an empty list.
func (f *Facade) Log(ctx context.Context, env *store.Environment, session *store.Session, limit, offset int) ([]CommitInfo, error) {
	wd, sandboxID, err := resolve(env, session)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(ctx, f.execTimeout)
	defer cancel()

	res, err := f.driver.Exec(ctx, sandboxID, []string{
		"git", "-C", wd, "log",
		"--pretty=format:%H%x1f%an%x1f%ae%x1f%aI%x1f%s",
		"-n", strconv.Itoa(limit),
		"--skip", strconv.Itoa(offset),
	}, sandbox.ExecOptions{})
	if err != nil {
		return nil, apperrors.Runtime("running git log", err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(string(res.Stderr), "does not have any commits yet") {
			return []CommitInfo{}, nil
		}
		return nil, gitFailure("git log", res)
	}
	return parseLog(string(res.Stdout)), nil
}

// Commit stages the given paths (all changes when none are given) and
// commits them with message.
func (f *Facade) Commit(ctx context.Context, env *store.Environment, session *store.Session, message string, files []string) (*CommitResult, error) {
	wd, sandboxID, err := resolve(env, session)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		return nil, apperrors.UserInput("commit message is required")
	}

	if len(files) == 0 {
		if _, err := f.gitOK(ctx, sandboxID, wd, "add", "-A"); err != nil {
			return nil, err
		}
	} else {
		args := append([]string{"add", "--"}, normalizePaths(files)...)
		if _, err := f.gitOK(ctx, sandboxID, wd, args...); err != nil {
			return nil, err
		}
	}

	res, err := f.git(ctx, sandboxID, wd, "commit", "-m", message)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		out := string(res.Stdout) + string(res.Stderr)
		if strings.Contains(out, "nothing to commit") {
			return nil, apperrors.State("nothing to commit")
		}
		return nil, gitFailure("git commit", res)
	}

	head, err := f.gitOK(ctx, sandboxID, wd, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	hash := strings.TrimSpace(string(head.Stdout))
	f.log.WithEnvironmentID(env.ID).Info("Created commit",
		zap.String("session_id", session.ID),
		zap.String("hash", hash))
	return &CommitResult{Hash: hash, Message: message}, nil
}

// Push pushes the session's branch. remote defaults to origin, branch to the
// session's branch.
func (f *Facade) Push(ctx context.Context, env *store.Environment, session *store.Session, remote, branch string) (*PushResult, error) {
	wd, sandboxID, err := resolve(env, session)
	if err != nil {
		return nil, err
	}
	if remote == "" {
		remote = "origin"
	}
	if branch == "" {
		branch = session.Branch
	}
	if branch == "" {
		return nil, apperrors.UserInput("branch is required for push")
	}

	ctx, cancel := context.WithTimeout(ctx, f.netTimeout)
	defer cancel()

	res, err := f.driver.Exec(ctx, sandboxID,
		[]string{"git", "-C", wd, "push", remote, branch}, sandbox.ExecOptions{})
	if err != nil {
		return nil, apperrors.Runtime("running git push", err)
	}
	if res.ExitCode != 0 {
		return nil, classifyPushError(string(res.Stderr))
	}

	f.log.WithEnvironmentID(env.ID).Info("Pushed branch",
		zap.String("session_id", session.ID),
		zap.String("remote", remote),
		zap.String("branch", branch))
	return &PushResult{Remote: remote, Branch: branch, Output: string(res.Stderr)}, nil
}

// Repo describes the environment's bare repository as mounted in its sandbox.
func (f *Facade) Repo(ctx context.Context, env *store.Environment) (*RepoInfo, error) {
	if env.SandboxID == nil {
		return nil, apperrors.State("environment has no sandbox")
	}
	sandboxID := *env.SandboxID
	barePath := repo.SandboxMountPath + "/" + env.ID

	branchesRes, err := f.gitOK(ctx, sandboxID, barePath,
		"for-each-ref", "--format=%(refname:short)", "refs/heads")
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(string(branchesRes.Stdout)), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}

	current := ""
	if res, err := f.git(ctx, sandboxID, barePath, "symbolic-ref", "--short", "HEAD"); err == nil && res.ExitCode == 0 {
		current = strings.TrimSpace(string(res.Stdout))
	}

	remoteURL := ""
	if res, err := f.git(ctx, sandboxID, barePath, "config", "--get", "remote.origin.url"); err == nil && res.ExitCode == 0 {
		remoteURL = strings.TrimSpace(string(res.Stdout))
	}

	return &RepoInfo{
		Path:          barePath,
		Branches:      branches,
		CurrentBranch: current,
		RemoteURL:     remoteURL,
	}, nil
}

// resolve returns the session's worktree path and sandbox ID, failing when
// either is missing.
func resolve(env *store.Environment, session *store.Session) (string, string, error) {
	if env.SandboxID == nil {
		return "", "", apperrors.State("environment has no sandbox")
	}
	if session.WorkingDirectory == "" {
		return "", "", apperrors.State(fmt.Sprintf("session %q has no worktree", session.ID))
	}
	return session.WorkingDirectory, *env.SandboxID, nil
}

// git runs a git subcommand in dir and returns the raw result.
func (f *Facade) git(ctx context.Context, sandboxID, dir string, args ...string) (*sandbox.ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, f.execTimeout)
	defer cancel()

	argv := append([]string{"git", "-C", dir}, args...)
	res, err := f.driver.Exec(ctx, sandboxID, argv, sandbox.ExecOptions{})
	if err != nil {
		return nil, apperrors.Runtime("running git "+args[0], err)
	}
	return res, nil
}

// gitOK runs a git subcommand and converts a non-zero exit into an error.
func (f *Facade) gitOK(ctx context.Context, sandboxID, dir string, args ...string) (*sandbox.ExecResult, error) {
	res, err := f.git(ctx, sandboxID, dir, args...)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, gitFailure("git "+args[0], res)
	}
	return res, nil
}

func gitFailure(op string, res *sandbox.ExecResult) error {
	msg := strings.TrimSpace(string(res.Stderr))
	if msg == "" {
		msg = strings.TrimSpace(string(res.Stdout))
	}
	return apperrors.Runtime(fmt.Sprintf("%s failed: %s", op, msg), nil)
}

func classifyPushError(stderr string) error {
	out := strings.ToLower(stderr)
	switch {
	case strings.Contains(out, "could not resolve host"),
		strings.Contains(out, "connection refused"),
		strings.Contains(out, "connection timed out"):
		return apperrors.Upstream("push failed: remote unreachable", nil)
	case strings.Contains(out, "authentication failed"),
		strings.Contains(out, "permission denied"):
		return apperrors.UserInput("push rejected: authentication failed")
	case strings.Contains(out, "rejected"):
		return apperrors.Conflict("push rejected: " + strings.TrimSpace(stderr))
	}
	return apperrors.Upstream("push failed: "+strings.TrimSpace(stderr), nil)
}
