// Package repo manages host-side bare repositories and their read-write
// mounts into sandboxes.
package repo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
	"github.com/devharbor/devharbor/internal/common/keyedmutex"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
)

// SandboxMountPath is the fixed in-sandbox mount point prefix for bare repos.
const SandboxMountPath = "/data/repos"

// Store ensures a bare clone exists on the host for each repository-backed
// environment and produces the read-write mount spec for its sandbox.
// Clone and fetch on the same environment are serialized by a keyed mutex.
type Store struct {
	cfg   config.ReposConfig
	db    store.Store
	log   *logger.Logger
	locks *keyedmutex.KeyedMutex
}

// NewStore creates a repository store rooted at cfg.ReposDir().
func NewStore(cfg config.ReposConfig, db store.Store, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.ReposDir(), 0o700); err != nil {
		return nil, fmt.Errorf("create repos dir: %w", err)
	}
	return &Store{
		cfg:   cfg,
		db:    db,
		log:   log,
		locks: keyedmutex.New(),
	}, nil
}

// HostPath returns the stable host path for an environment's bare repo.
func (s *Store) HostPath(envID string) string {
	return filepath.Join(s.cfg.ReposDir(), envID)
}

// MountSpec returns the bind mount for an environment's bare repo. The mount
// is always read-write: git writes worktree metadata under the bare repo and
// a read-only mount breaks worktree creation.
func (s *Store) MountSpec(envID string) sandbox.Mount {
	return sandbox.Mount{
		Source:   s.HostPath(envID),
		Target:   SandboxMountPath + "/" + envID,
		ReadOnly: false,
	}
}

// EnsureBare clones the upstream as a bare repository if absent and records
// the binding. Present clones are left alone; refresh happens on demand via
// Fetch.
func (s *Store) EnsureBare(ctx context.Context, env *store.Environment) (string, error) {
	if env.RepositoryURL == nil || *env.RepositoryURL == "" {
		return "", apperrors.State("environment has no repository")
	}

	hostPath := s.HostPath(env.ID)
	s.locks.Lock(env.ID)
	defer s.locks.Unlock(env.ID)

	if isBareRepo(hostPath) {
		return hostPath, nil
	}

	timeout := s.cfg.NetworkTimeoutDuration()
	cloneCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.log.WithEnvironmentID(env.ID).Info("Cloning bare repository",
		zap.String("url", *env.RepositoryURL),
		zap.String("path", hostPath))

	cmd := exec.CommandContext(cloneCtx, "git", "clone", "--bare", *env.RepositoryURL, hostPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.RemoveAll(hostPath)
		return "", classifyGitError(string(out), err)
	}
	if err := os.Chmod(hostPath, 0o700); err != nil {
		return "", fmt.Errorf("chmod bare repo: %w", err)
	}

	record := &store.BareRepo{
		EnvironmentID: env.ID,
		HostPath:      hostPath,
		UpstreamURL:   *env.RepositoryURL,
		LastFetchedAt: time.Now().UTC(),
	}
	if err := s.db.UpsertBareRepo(ctx, record); err != nil {
		return "", fmt.Errorf("record bare repo: %w", err)
	}
	return hostPath, nil
}

// Fetch updates the bare refs from upstream when the record is stale past
// the configured TTL. Pass force to fetch unconditionally.
func (s *Store) Fetch(ctx context.Context, env *store.Environment, force bool) error {
	hostPath := s.HostPath(env.ID)
	s.locks.Lock(env.ID)
	defer s.locks.Unlock(env.ID)

	if !isBareRepo(hostPath) {
		return apperrors.NotFound("bare repo", env.ID)
	}

	if !force {
		record, err := s.db.GetBareRepo(ctx, env.ID)
		if err == nil && time.Since(record.LastFetchedAt) < s.cfg.FetchTTLDuration() {
			return nil
		}
	}

	timeout := s.cfg.NetworkTimeoutDuration()
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(fetchCtx, "git", "-C", hostPath, "fetch", "origin", "+refs/heads/*:refs/heads/*", "--prune")
	if out, err := cmd.CombinedOutput(); err != nil {
		return classifyGitError(string(out), err)
	}

	upstream := ""
	if env.RepositoryURL != nil {
		upstream = *env.RepositoryURL
	}
	return s.db.UpsertBareRepo(ctx, &store.BareRepo{
		EnvironmentID: env.ID,
		HostPath:      hostPath,
		UpstreamURL:   upstream,
		LastFetchedAt: time.Now().UTC(),
	})
}

// Remove deletes the bare clone and its record. Called on environment
// deletion.
func (s *Store) Remove(ctx context.Context, envID string) error {
	s.locks.Lock(envID)
	defer s.locks.Unlock(envID)

	if err := os.RemoveAll(s.HostPath(envID)); err != nil {
		return fmt.Errorf("remove bare repo: %w", err)
	}
	return s.db.DeleteBareRepo(ctx, envID)
}

// isBareRepo reports whether path holds a bare git repository.
func isBareRepo(path string) bool {
	if _, err := os.Stat(filepath.Join(path, "HEAD")); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(path, "objects"))
	return err == nil
}

// classifyGitError maps git output onto the error taxonomy.
func classifyGitError(output string, err error) error {
	msg := strings.ToLower(output)
	switch {
	case strings.Contains(msg, "could not resolve host"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection timed out"),
		strings.Contains(msg, "operation timed out"),
		strings.Contains(msg, "early eof"),
		strings.Contains(msg, "could not read from remote repository"):
		return apperrors.Upstream("fetching repository failed: "+strings.TrimSpace(output), err)
	case strings.Contains(msg, "no space left on device"):
		return apperrors.Resource("disk full while updating repository", err)
	case strings.Contains(msg, "repository not found"),
		strings.Contains(msg, "not found"):
		return apperrors.UserInput("repository not found upstream").WithCause(err)
	case strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "permission denied"):
		return apperrors.UserInput("repository access denied").WithCause(err)
	}
	return apperrors.Runtime("git operation failed: "+strings.TrimSpace(output), err)
}
