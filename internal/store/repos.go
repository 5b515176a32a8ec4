package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

// UpsertBareRepo records the bare clone backing an environment.
func (s *SQLStore) UpsertBareRepo(ctx context.Context, repo *BareRepo) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO bare_repos (environment_id, host_path, upstream_url, last_fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (environment_id) DO UPDATE SET
			host_path = excluded.host_path,
			upstream_url = excluded.upstream_url,
			last_fetched_at = excluded.last_fetched_at
	`), repo.EnvironmentID, repo.HostPath, repo.UpstreamURL, repo.LastFetchedAt.UTC())
	return err
}

// GetBareRepo retrieves the bare repo record for an environment.
func (s *SQLStore) GetBareRepo(ctx context.Context, envID string) (*BareRepo, error) {
	repo := &BareRepo{}
	err := s.db.GetContext(ctx, repo, s.db.Rebind(`
		SELECT environment_id, host_path, upstream_url, last_fetched_at
		FROM bare_repos WHERE environment_id = ?
	`), envID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("bare repo", envID)
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// DeleteBareRepo removes the bare repo record for an environment.
func (s *SQLStore) DeleteBareRepo(ctx context.Context, envID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM bare_repos WHERE environment_id = ?
	`), envID)
	return err
}

// UpsertGithubRepository caches a discovered repository for a user.
func (s *SQLStore) UpsertGithubRepository(ctx context.Context, repo *GithubRepository) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	repo.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO github_repositories (id, user_id, full_name, clone_url, default_branch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, full_name) DO UPDATE SET
			clone_url = excluded.clone_url,
			default_branch = excluded.default_branch,
			updated_at = excluded.updated_at
	`), repo.ID, repo.UserID, repo.FullName, repo.CloneURL, repo.DefaultBranch, repo.UpdatedAt)
	return err
}

// ListGithubRepositories returns the cached repositories for a user.
func (s *SQLStore) ListGithubRepositories(ctx context.Context, userID string) ([]*GithubRepository, error) {
	var repos []*GithubRepository
	err := s.db.SelectContext(ctx, &repos, s.db.Rebind(`
		SELECT id, user_id, full_name, clone_url, default_branch, updated_at
		FROM github_repositories WHERE user_id = ? ORDER BY full_name
	`), userID)
	return repos, err
}
