// Package config provides configuration management for devharbor.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for devharbor.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Docker   DockerConfig   `mapstructure:"docker"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Repos    ReposConfig    `mapstructure:"repos"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Reaper   ReaperConfig   `mapstructure:"reaper"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "pgx" (PostgreSQL) or "sqlite3" (embedded).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	Path     string `mapstructure:"path"` // sqlite3 file path
	MaxConns int    `mapstructure:"maxConns"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// NATSConfig holds NATS event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReposConfig holds host-side bare repository storage configuration.
type ReposConfig struct {
	// StateDir is the root for orchestrator state; bare repos live under
	// <stateDir>/repos/<env-id>.
	StateDir string `mapstructure:"stateDir"`

	// FetchTTL is how long a bare repo's refs are considered fresh, in
	// seconds. EnsureBare skips fetching inside this window.
	FetchTTL int `mapstructure:"fetchTtl"`

	// NetworkTimeout bounds git network operations, in seconds.
	NetworkTimeout int `mapstructure:"networkTimeout"`
}

// SandboxConfig holds sandbox provisioning configuration.
type SandboxConfig struct {
	// Runtime selects the sandbox driver: "docker" or "local".
	Runtime string `mapstructure:"runtime"`

	Image       string  `mapstructure:"image"`
	MemoryMB    int64   `mapstructure:"memoryMb"`
	CPUCores    float64 `mapstructure:"cpuCores"`
	ExecTimeout int     `mapstructure:"execTimeout"` // seconds, per sandbox exec

	// WorktreeTimeout bounds one EnsureWorktree reconciliation, in seconds.
	WorktreeTimeout int `mapstructure:"worktreeTimeout"`
}

// TerminalConfig holds streaming terminal configuration.
type TerminalConfig struct {
	// ResizeDebounceMs coalesces resize events within this window.
	ResizeDebounceMs int `mapstructure:"resizeDebounceMs"`

	// ScrollbackBytes is the per-session output buffer replayed to new
	// attachers.
	ScrollbackBytes int `mapstructure:"scrollbackBytes"`
}

// ReaperConfig holds background reconciliation configuration.
type ReaperConfig struct {
	Interval    int `mapstructure:"interval"`   // seconds between sweeps
	BackoffCapS int `mapstructure:"backoffCap"` // restart backoff cap, seconds
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret       string `mapstructure:"jwtSecret"`
	TokenDuration   int    `mapstructure:"tokenDuration"`   // access token, seconds
	RefreshDuration int    `mapstructure:"refreshDuration"` // refresh token, seconds
	SealKey         string `mapstructure:"sealKey"`         // 32-byte hex/base64 key for credential sealing
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// FetchTTLDuration returns the fetch TTL as a time.Duration.
func (r *ReposConfig) FetchTTLDuration() time.Duration {
	return time.Duration(r.FetchTTL) * time.Second
}

// NetworkTimeoutDuration returns the git network timeout as a time.Duration.
func (r *ReposConfig) NetworkTimeoutDuration() time.Duration {
	return time.Duration(r.NetworkTimeout) * time.Second
}

// ReposDir returns the directory holding bare repositories.
func (r *ReposConfig) ReposDir() string {
	return filepath.Join(r.StateDir, "repos")
}

// ExecTimeoutDuration returns the per-exec timeout as a time.Duration.
func (s *SandboxConfig) ExecTimeoutDuration() time.Duration {
	return time.Duration(s.ExecTimeout) * time.Second
}

// WorktreeTimeoutDuration returns the worktree creation timeout.
func (s *SandboxConfig) WorktreeTimeoutDuration() time.Duration {
	return time.Duration(s.WorktreeTimeout) * time.Second
}

// ResizeDebounce returns the resize debounce window.
func (t *TerminalConfig) ResizeDebounce() time.Duration {
	return time.Duration(t.ResizeDebounceMs) * time.Millisecond
}

// IntervalDuration returns the reaper sweep interval.
func (r *ReaperConfig) IntervalDuration() time.Duration {
	return time.Duration(r.Interval) * time.Second
}

// BackoffCap returns the sandbox restart backoff cap.
func (r *ReaperConfig) BackoffCap() time.Duration {
	return time.Duration(r.BackoffCapS) * time.Second
}

// TokenDurationTime returns the access token duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// RefreshDurationTime returns the refresh token duration.
func (a *AuthConfig) RefreshDurationTime() time.Duration {
	return time.Duration(a.RefreshDuration) * time.Second
}

// detectDefaultLogFormat returns json for production-like environments and
// text for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("DEVHARBOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "devharbor")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "devharbor")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.path", "devharbor.db")
	v.SetDefault("database.maxConns", 25)

	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Empty URL means use the in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("repos.stateDir", "/var/lib/devharbor")
	v.SetDefault("repos.fetchTtl", 300)
	v.SetDefault("repos.networkTimeout", 120)

	v.SetDefault("sandbox.runtime", "docker")
	v.SetDefault("sandbox.image", "devharbor/workspace:latest")
	v.SetDefault("sandbox.memoryMb", 4096)
	v.SetDefault("sandbox.cpuCores", 2.0)
	v.SetDefault("sandbox.execTimeout", 30)
	v.SetDefault("sandbox.worktreeTimeout", 60)

	v.SetDefault("terminal.resizeDebounceMs", 50)
	v.SetDefault("terminal.scrollbackBytes", 16*1024)

	v.SetDefault("reaper.interval", 30)
	v.SetDefault("reaper.backoffCap", 300)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)
	v.SetDefault("auth.refreshDuration", 30*24*3600)
	v.SetDefault("auth.sealKey", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix DEVHARBOR_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("DEVHARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/devharbor/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite3")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for pgx")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for pgx")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Sandbox.Runtime != "docker" && cfg.Sandbox.Runtime != "local" {
		errs = append(errs, "sandbox.runtime must be one of: docker, local")
	}

	if cfg.Repos.StateDir == "" {
		errs = append(errs, "repos.stateDir is required")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	if d.Driver == "sqlite3" {
		return d.Path + "?_foreign_keys=on"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set DEVHARBOR_AUTH_JWTSECRET.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
