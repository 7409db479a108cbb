// ABOUTME: Hub orchestrator that wires the store, session manager, and lifecycle engine
// ABOUTME: Manages the HTTP API server and graceful shutdown ordering

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/2389/agenthub-control/internal/acp"
	"github.com/2389/agenthub-control/internal/auth"
	"github.com/2389/agenthub-control/internal/config"
	"github.com/2389/agenthub-control/internal/lifecycle"
	"github.com/2389/agenthub-control/internal/runtime"
	"github.com/2389/agenthub-control/internal/store"
)

// Hub orchestrates the agenthub-control server components: the persistent
// store, the control-plane session manager, the lifecycle engine, and the
// HTTP API front end.
type Hub struct {
	config     *config.Config
	store      store.Store
	sessions   *acp.Manager
	engine     *lifecycle.Engine
	executor   *TaskExecutor
	verifier   *auth.JWTVerifier
	middleware *auth.Middleware
	httpServer *http.Server
	logger     *slog.Logger
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("AGENTHUB_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	return store.NewSQLiteStore(dbPath)
}

// initRuntime picks the container runtime implementation from config.
func initRuntime(cfg *config.Config, logger *slog.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime.Mode {
	case "", "mock":
		logger.Info("using mock container runtime")
		return runtime.NewMockRuntime(), nil
	default:
		return nil, fmt.Errorf("unsupported runtime mode: %s", cfg.Runtime.Mode)
	}
}

// New creates a hub from configuration. Call Run to start serving.
func New(cfg *config.Config) (*Hub, error) {
	logger := slog.Default().With("component", "hub")

	s, err := initStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	rt, err := initRuntime(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	sessions := acp.NewManager(acp.ManagerConfig{
		Logger:                slog.Default(),
		ConnectTimeout:        cfg.ACP.ConnectTimeout,
		HandshakeReplyTimeout: cfg.ACP.HandshakeReplyTimeout,
		HeartbeatInterval:     cfg.ACP.HeartbeatInterval,
		HealthWindow:          cfg.ACP.HealthWindow,
	})

	engine := lifecycle.NewEngine(lifecycle.EngineConfig{
		Store:                s,
		Runtime:              rt,
		Sessions:             sessions,
		Logger:               slog.Default(),
		MaintenanceInterval:  cfg.Lifecycle.MaintenanceInterval,
		MonitorInterval:      cfg.Lifecycle.MonitorInterval,
		RetentionWindow:      cfg.Lifecycle.RetentionWindow,
		MaxInstancesPerAgent: cfg.Lifecycle.MaxInstancesPerAgent,
	})

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	h := &Hub{
		config:   cfg,
		store:    s,
		sessions: sessions,
		engine:   engine,
		verifier: verifier,
		logger:   logger,
	}
	h.executor = NewTaskExecutor(ExecutorConfig{
		Store:    s,
		Engine:   engine,
		Sessions: sessions,
		Logger:   slog.Default(),
		Timeout:  cfg.ACP.TaskTimeout,
	})
	var tokenVerifier auth.TokenVerifier
	if verifier != nil {
		tokenVerifier = verifier
	}
	h.middleware = auth.NewMiddleware(tokenVerifier, s, cfg.Auth.RequireAuth, slog.Default())

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// routes builds the HTTP mux. Everything under /api requires auth per
// config; /health and /auth/token are always open.
func (h *Hub) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("POST /auth/token", h.handleIssueToken)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/agents", h.handleRegisterAgent)
	api.HandleFunc("GET /api/agents", h.handleDiscoverAgents)
	api.HandleFunc("GET /api/agents/{id}", h.handleGetAgent)
	api.HandleFunc("DELETE /api/agents/{id}", h.handleDeregisterAgent)

	api.HandleFunc("POST /api/instances", h.handleInstantiate)
	api.HandleFunc("GET /api/instances", h.handleListInstances)
	api.HandleFunc("GET /api/instances/{id}", h.handleInstanceDetails)
	api.HandleFunc("POST /api/instances/{id}/pause", h.handlePause)
	api.HandleFunc("POST /api/instances/{id}/resume", h.handleResume)
	api.HandleFunc("POST /api/instances/{id}/terminate", h.handleTerminate)
	api.HandleFunc("DELETE /api/instances/{id}", h.handleTerminate)

	api.HandleFunc("POST /api/tasks", h.handleExecuteTask)
	api.HandleFunc("GET /api/tasks/{id}", h.handleGetTask)

	api.HandleFunc("GET /api/acp/status", h.handleACPStatus)
	api.HandleFunc("POST /api/acp/connect", h.handleACPConnect)

	api.HandleFunc("GET /api/account", h.handleAccount)

	mux.Handle("/api/", h.middleware.Wrap(api))
	return mux
}

// Run starts the engine and HTTP server, then blocks until the context is
// cancelled or the server fails.
func (h *Hub) Run(ctx context.Context) error {
	h.engine.Start()

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("HTTP server listening", "addr", h.httpServer.Addr)
		if err := h.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutdown signal received")
		return h.Shutdown(context.Background())
	case err := <-errCh:
		h.Shutdown(context.Background())
		return err
	}
}

// Shutdown stops accepting requests, drains the lifecycle engine, tears
// down every control-plane session, then closes the store.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("shutting down hub")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(shutdownCtx))

	h.engine.Shutdown(shutdownCtx)
	h.sessions.DisconnectAll()

	errs = appendCloseError(errs, "store close", h.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	h.logger.Info("hub stopped")
	return nil
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
