package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devharbor/devharbor/internal/common/config"
	apperrors "github.com/devharbor/devharbor/internal/common/errors"
)

// Both implementations must satisfy the same behavior; every test runs
// against each.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		s, err := Open(config.DatabaseConfig{Driver: "sqlite3", Path: ":memory:"})
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
}

func strPtr(s string) *string { return &s }

func newEnv(userID, name string) *Environment {
	return &Environment{
		UserID:        userID,
		Name:          name,
		DefaultBranch: "main",
		Status:        EnvStatusStarting,
	}
}

func TestEnvironmentCRUD(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		env := newEnv("u1", "demo")
		env.RepositoryURL = strPtr("https://example.com/r.git")
		require.NoError(t, s.CreateEnvironment(ctx, env))
		require.NotEmpty(t, env.ID)

		got, err := s.GetEnvironment(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, "demo", got.Name)
		assert.Equal(t, "https://example.com/r.git", *got.RepositoryURL)

		got.Status = EnvStatusRunning
		got.SandboxID = strPtr("sb-1")
		require.NoError(t, s.UpdateEnvironment(ctx, got))

		got, err = s.GetEnvironment(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, EnvStatusRunning, got.Status)
		assert.Equal(t, "sb-1", *got.SandboxID)

		list, err := s.ListEnvironmentsByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.DeleteEnvironment(ctx, env.ID))
		_, err = s.GetEnvironment(ctx, env.ID)
		assert.True(t, apperrors.IsNotFound(err))
		assert.True(t, apperrors.IsNotFound(s.DeleteEnvironment(ctx, env.ID)))
	})
}

func TestEnvironmentNameUniquePerUser(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.CreateEnvironment(ctx, newEnv("u1", "demo")))
		err := s.CreateEnvironment(ctx, newEnv("u1", "demo"))
		assert.True(t, apperrors.IsConflict(err))

		// Same name under another owner is fine.
		require.NoError(t, s.CreateEnvironment(ctx, newEnv("u2", "demo")))

		taken, err := s.EnvironmentNames(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, taken["demo"])
		assert.False(t, taken["other"])
	})
}

func newSession(envID, branch string, name *string) *Session {
	return &Session{
		EnvironmentID:    envID,
		Name:             name,
		MultiplexerName:  "devharbor-" + branch,
		WorkingDirectory: "/workspace",
		Branch:           branch,
		Kind:             SessionKindShell,
		Status:           SessionStatusInactive,
	}
}

func TestSessionNameUniqueOnlyAmongLive(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		env := newEnv("u1", "demo")
		require.NoError(t, s.CreateEnvironment(ctx, env))

		first := newSession(env.ID, "main", strPtr("work"))
		require.NoError(t, s.CreateSession(ctx, first))

		dup := newSession(env.ID, "feature", strPtr("work"))
		assert.True(t, apperrors.IsConflict(s.CreateSession(ctx, dup)))

		// Killing the first session frees the name.
		first.Status = SessionStatusDead
		require.NoError(t, s.UpdateSession(ctx, first))
		require.NoError(t, s.CreateSession(ctx, dup))
	})
}

func TestSessionBranchExclusiveAmongLive(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		env := newEnv("u1", "demo")
		require.NoError(t, s.CreateEnvironment(ctx, env))

		first := newSession(env.ID, "main", nil)
		require.NoError(t, s.CreateSession(ctx, first))

		second := newSession(env.ID, "main", nil)
		assert.True(t, apperrors.IsConflict(s.CreateSession(ctx, second)))

		live, err := s.LiveSessionOnBranch(ctx, env.ID, "main")
		require.NoError(t, err)
		assert.Equal(t, first.ID, live.ID)

		first.Status = SessionStatusDead
		require.NoError(t, s.UpdateSession(ctx, first))
		_, err = s.LiveSessionOnBranch(ctx, env.ID, "main")
		assert.True(t, apperrors.IsNotFound(err))
		require.NoError(t, s.CreateSession(ctx, second))
	})
}

func TestDeleteSessionTwiceIsNotFound(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		env := newEnv("u1", "demo")
		require.NoError(t, s.CreateEnvironment(ctx, env))
		session := newSession(env.ID, "main", nil)
		require.NoError(t, s.CreateSession(ctx, session))

		require.NoError(t, s.DeleteSession(ctx, session.ID))
		assert.True(t, apperrors.IsNotFound(s.DeleteSession(ctx, session.ID)))
	})
}

func TestBareRepoUpsertAndLookup(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		env := newEnv("u1", "demo")
		require.NoError(t, s.CreateEnvironment(ctx, env))

		repo := &BareRepo{
			EnvironmentID: env.ID,
			HostPath:      "/var/lib/devharbor/repos/" + env.ID,
			UpstreamURL:   "https://example.com/r.git",
			LastFetchedAt: time.Now().UTC(),
		}
		require.NoError(t, s.UpsertBareRepo(ctx, repo))

		repo.LastFetchedAt = repo.LastFetchedAt.Add(time.Hour)
		require.NoError(t, s.UpsertBareRepo(ctx, repo))

		got, err := s.GetBareRepo(ctx, env.ID)
		require.NoError(t, err)
		assert.Equal(t, repo.HostPath, got.HostPath)

		require.NoError(t, s.DeleteBareRepo(ctx, env.ID))
		_, err = s.GetBareRepo(ctx, env.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestAgentCredentialRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		agent := &Agent{UserID: "u1", Name: "coder", Kind: "claude"}
		require.NoError(t, s.CreateAgent(ctx, agent))

		cred := &AgentCredential{AgentID: agent.ID, Sealed: []byte{1, 2, 3}}
		require.NoError(t, s.UpsertAgentCredential(ctx, cred))

		cred.Sealed = []byte{4, 5, 6}
		require.NoError(t, s.UpsertAgentCredential(ctx, cred))

		got, err := s.GetAgentCredential(ctx, agent.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte{4, 5, 6}, got.Sealed)

		agents, err := s.ListAgentsByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, agents, 1)

		require.NoError(t, s.DeleteAgent(ctx, agent.ID))
		_, err = s.GetAgent(ctx, agent.ID)
		assert.True(t, apperrors.IsNotFound(err))
	})
}

func TestRefreshTokenExpiry(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC()

		expired := &RefreshToken{UserID: "u1", Sealed: []byte("a"), ExpiresAt: now.Add(-time.Hour)}
		live := &RefreshToken{UserID: "u1", Sealed: []byte("b"), ExpiresAt: now.Add(time.Hour)}
		require.NoError(t, s.CreateRefreshToken(ctx, expired))
		require.NoError(t, s.CreateRefreshToken(ctx, live))

		removed, err := s.DeleteExpiredRefreshTokens(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		assert.True(t, apperrors.IsNotFound(s.DeleteRefreshToken(ctx, expired.ID)))
		require.NoError(t, s.DeleteRefreshToken(ctx, live.ID))
	})
}

func TestGithubRepositoryCache(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		repo := &GithubRepository{
			UserID:        "u1",
			FullName:      "acme/widgets",
			CloneURL:      "https://github.com/acme/widgets.git",
			DefaultBranch: "main",
		}
		require.NoError(t, s.UpsertGithubRepository(ctx, repo))

		repo2 := &GithubRepository{
			UserID:        "u1",
			FullName:      "acme/widgets",
			CloneURL:      "https://github.com/acme/widgets.git",
			DefaultBranch: "develop",
		}
		require.NoError(t, s.UpsertGithubRepository(ctx, repo2))

		repos, err := s.ListGithubRepositories(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, repos, 1)
		assert.Equal(t, "develop", repos[0].DefaultBranch)
	})
}
