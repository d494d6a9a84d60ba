package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/stackpilot/stackpilot/internal/orchestrate"
	"github.com/stackpilot/stackpilot/internal/shell/api"
	"github.com/stackpilot/stackpilot/internal/shell/catalog"
	"github.com/stackpilot/stackpilot/internal/shell/docker"
	"github.com/stackpilot/stackpilot/internal/shell/notify"
	"github.com/stackpilot/stackpilot/internal/shell/store"
	"github.com/stackpilot/stackpilot/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
	ExitNATSError       = 5
)

// =============================================================================
// Server
// =============================================================================

// Server represents the StackPilot application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     docker.Driver
	hub        *notify.Hub
	nats       *notify.NATSPublisher
	health     *workers.HealthChecker
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	// Connect to Docker
	d, err := docker.NewClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}
	if err := d.Ping(context.Background()); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDockerError}
	}

	// Progress delivery: in-process hub, plus NATS when enabled
	hub := notify.NewHub(logger)
	sinks := notify.Fanout{hub}

	var natsPublisher *notify.NATSPublisher
	if cfg.NATS.Enabled {
		natsPublisher, err = notify.NewNATSPublisher(cfg.NATS.URL, logger)
		if err != nil {
			s.Close()
			d.Close()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitNATSError}
		}
		sinks = append(sinks, natsPublisher)
	}

	// Load catalog files if configured
	if cfg.Catalog.Dir != "" {
		loader := catalog.NewLoader(s, logger)
		if _, err := loader.LoadDir(context.Background(), cfg.Catalog.Dir); err != nil {
			logger.Error("failed to load catalog", "dir", cfg.Catalog.Dir, "error", err)
			// Not fatal: the API can still register catalog entries.
		}
	}

	// Orchestration and HTTP handler
	engine := orchestrate.NewStackEngine(d, s, logger)
	orc := orchestrate.NewOrchestrator(engine, s, logger)
	handler := api.NewHandler(s, d, orc, hub, sinks, logger)

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	healthChecker := workers.NewHealthChecker(s, d, workers.DefaultHealthCheckerConfig(), logger)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     d,
		hub:        hub,
		nats:       natsPublisher,
		health:     healthChecker,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	s.health.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.health.Stop()

	if s.nats != nil {
		s.nats.Close()
	}

	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server startup or operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
