package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/devharbor/devharbor/internal/api"
	"github.com/devharbor/devharbor/internal/auth"
	"github.com/devharbor/devharbor/internal/common/config"
	"github.com/devharbor/devharbor/internal/common/crypto"
	"github.com/devharbor/devharbor/internal/common/logger"
	"github.com/devharbor/devharbor/internal/common/tracing"
	"github.com/devharbor/devharbor/internal/environment"
	"github.com/devharbor/devharbor/internal/events"
	"github.com/devharbor/devharbor/internal/gitops"
	"github.com/devharbor/devharbor/internal/ptybroker"
	"github.com/devharbor/devharbor/internal/reaper"
	"github.com/devharbor/devharbor/internal/repo"
	"github.com/devharbor/devharbor/internal/sandbox"
	"github.com/devharbor/devharbor/internal/store"
	"github.com/devharbor/devharbor/internal/terminal"
	"github.com/devharbor/devharbor/internal/worktree"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting devharbor orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	log.Info("Opened database", zap.String("driver", cfg.Database.Driver))

	bus, err := events.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer bus.Close()

	driver, err := newDriver(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize sandbox driver", zap.Error(err))
	}
	log.Info("Initialized sandbox driver", zap.String("runtime", cfg.Sandbox.Runtime))

	sealer, err := newSealer(cfg.Auth, log)
	if err != nil {
		log.Fatal("Failed to initialize credential sealer", zap.Error(err))
	}

	repos, err := repo.NewStore(cfg.Repos, db, log)
	if err != nil {
		log.Fatal("Failed to initialize repo store", zap.Error(err))
	}
	worktrees := worktree.NewManager(driver, cfg.Sandbox, cfg.Repos, log)
	broker := ptybroker.New(driver, cfg.Terminal, log)
	git := gitops.NewFacade(driver, cfg.Sandbox, cfg.Repos, log)

	envs := environment.NewService(db, driver, repos, worktrees, broker, bus, cfg.Sandbox, log)

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret,
		cfg.Auth.TokenDurationTime(), cfg.Auth.RefreshDurationTime())
	authSvc := auth.NewService(db, issuer, sealer, cfg.Auth.RefreshDurationTime(), log)

	sweeper := reaper.New(db, driver, broker, worktrees, repos, bus, cfg.Reaper, log)
	go sweeper.Run(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := api.NewHandler(envs, git, authSvc, db, sealer, log)
	term := terminal.NewHandler(envs, broker, log)
	api.SetupRoutes(router, handler, issuer, term.Serve, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down devharbor orchestrator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("devharbor orchestrator stopped")
}

// newDriver selects the sandbox runtime. "local" backs sandboxes with host
// processes for development; anything else uses Docker.
func newDriver(ctx context.Context, cfg *config.Config, log *logger.Logger) (sandbox.Driver, error) {
	if cfg.Sandbox.Runtime == "local" {
		return sandbox.NewLocalDriver(cfg.Repos.StateDir, log)
	}
	return sandbox.NewDockerDriver(ctx, cfg.Docker, log)
}

// newSealer builds the credential sealer. Without a key, secrets are stored
// unsealed; that is only acceptable in development.
func newSealer(cfg config.AuthConfig, log *logger.Logger) (crypto.Sealer, error) {
	if cfg.SealKey == "" {
		log.Warn("No seal key configured; credentials will be stored unencrypted")
		return crypto.NoopSealer{}, nil
	}
	return crypto.NewAESSealer(cfg.SealKey)
}
