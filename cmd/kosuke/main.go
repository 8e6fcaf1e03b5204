package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kosuke/kosuke/internal/common/config"
	"github.com/kosuke/kosuke/internal/common/logger"
	"github.com/kosuke/kosuke/internal/db"
	"github.com/kosuke/kosuke/internal/events/bus"
	"github.com/kosuke/kosuke/internal/preview"
	"github.com/kosuke/kosuke/internal/secrets"
	"github.com/kosuke/kosuke/internal/workspace/api"
	"github.com/kosuke/kosuke/internal/workspace/gitrepo"
	"github.com/kosuke/kosuke/internal/workspace/manifest"
	"github.com/kosuke/kosuke/internal/workspace/orchestrator"
	"github.com/kosuke/kosuke/internal/workspace/revert"
	"github.com/kosuke/kosuke/internal/workspace/sessiondb"
	"github.com/kosuke/kosuke/internal/workspace/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Kosuke workspace orchestrator...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect the event bus. An empty NATS URL selects the in-memory bus.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Initialize Docker backend
	dockerBackend, err := preview.NewDockerBackend(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker backend", zap.Error(err))
	}
	defer dockerBackend.Close()

	if err := dockerBackend.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 6. Open the orchestrator database
	dbPath, err := expandHome(cfg.Workspace.DBPath)
	if err != nil {
		log.Fatal("Failed to resolve database path", zap.Error(err))
	}
	pool, err := db.Open(dbPath)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	sessionStore, err := store.NewSQLiteStore(pool)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	history, err := revert.NewSQLiteHistory(pool)
	if err != nil {
		log.Fatal("Failed to initialize chat history store", zap.Error(err))
	}

	// 7. Initialize the git manager
	gitMgr, err := gitrepo.NewManager(gitrepo.Config{
		ReposBasePath:     cfg.Git.ReposBasePath,
		CheckoutsBasePath: cfg.Git.CheckoutsBasePath,
		BranchPrefix:      cfg.Git.BranchPrefix,
		DefaultBranch:     cfg.Git.DefaultBranch,
		OperationTimeout:  cfg.Git.OperationTimeoutDuration(),
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize git manager", zap.Error(err))
	}

	// 8. Initialize the session database service
	sessionDB, err := newSessionDBService(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize session database service", zap.Error(err))
	}

	// 9. Manifest resolver with environment-backed secrets
	resolver := manifest.NewResolver(secrets.NewEnvProvider(cfg.Secrets.EnvPrefix), log)

	// 10. Preview manager and revert coordinator
	previewMgr := preview.NewManager(cfg.Preview, dockerBackend, log)
	revertCoord := revert.NewCoordinator(gitMgr, history, log)

	// 11. The orchestrator facade
	orch := orchestrator.New(cfg, gitMgr, resolver, previewMgr, sessionDB, revertCoord, history, sessionStore, eventBus, log)
	defer orch.Close()

	if err := orch.Reconcile(ctx); err != nil {
		log.Warn("Boot reconciliation failed", zap.Error(err))
	}

	// 12. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, orch, log)

	handler := api.NewHandler(orch, log)
	router.GET("/health", handler.HealthCheck)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Kosuke workspace orchestrator...")

	// 15. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Shutdown complete")
}

func newSessionDBService(cfg *config.Config, log *logger.Logger) (sessiondb.Service, error) {
	opts := sessiondb.Options{
		QueryTimeout: cfg.SessionDB.QueryTimeoutDuration(),
		MaxRows:      cfg.SessionDB.MaxRows,
	}

	switch cfg.SessionDB.Driver {
	case "postgres":
		return sessiondb.NewPostgresService(cfg.SessionDB.DSN, opts, log)
	default:
		basePath, err := expandHome(cfg.SessionDB.BasePath)
		if err != nil {
			return nil, err
		}
		return sessiondb.NewSQLiteService(basePath, opts, log)
	}
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
