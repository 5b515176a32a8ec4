package store

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // embedded sqlite driver

	"github.com/devharbor/devharbor/internal/common/config"
)

// SQLStore implements Store on sqlx. The same queries run against sqlite3
// (embedded, default) and pgx (Postgres); Rebind translates placeholders.
type SQLStore struct {
	db     *sqlx.DB
	driver string
}

// Open connects to the configured database and initializes the schema.
func Open(cfg config.DatabaseConfig) (*SQLStore, error) {
	db, err := sqlx.Connect(cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to %s database: %w", cfg.Driver, err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	s := &SQLStore{db: db, driver: cfg.Driver}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) blobType() string {
	if s.driver == "pgx" {
		return "BYTEA"
	}
	return "BLOB"
}

func (s *SQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS environments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			repository_url TEXT,
			default_branch TEXT NOT NULL DEFAULT 'main',
			sandbox_id TEXT,
			status TEXT NOT NULL,
			status_reason TEXT,
			restart_count INTEGER NOT NULL DEFAULT 0,
			next_restart_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_environments_user_name
			ON environments(user_id, name)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_credentials (
			agent_id TEXT PRIMARY KEY REFERENCES agents(id) ON DELETE CASCADE,
			sealed %s NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, s.blobType()),

		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			environment_id TEXT NOT NULL REFERENCES environments(id) ON DELETE CASCADE,
			name TEXT,
			multiplexer_name TEXT NOT NULL,
			working_directory TEXT NOT NULL,
			branch TEXT NOT NULL,
			kind TEXT NOT NULL,
			agent_id TEXT REFERENCES agents(id),
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL
		)`,
		// Display names and branches are exclusive among live sessions only.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_env_name_live
			ON sessions(environment_id, name)
			WHERE status != 'dead' AND name IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_env_branch_live
			ON sessions(environment_id, branch)
			WHERE status != 'dead'`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_environment_id
			ON sessions(environment_id)`,

		`CREATE TABLE IF NOT EXISTS bare_repos (
			environment_id TEXT PRIMARY KEY REFERENCES environments(id) ON DELETE CASCADE,
			host_path TEXT NOT NULL,
			upstream_url TEXT NOT NULL,
			last_fetched_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS refresh_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			sealed %s NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, s.blobType()),
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at
			ON refresh_tokens(expires_at)`,

		`CREATE TABLE IF NOT EXISTS github_repositories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			full_name TEXT NOT NULL,
			clone_url TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, full_name)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// isUniqueViolation detects uniqueness errors from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}
