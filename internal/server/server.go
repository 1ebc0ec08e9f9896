package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/storybook/internal/api"
	"github.com/jackzampolin/storybook/internal/config"
	"github.com/jackzampolin/storybook/internal/home"
	"github.com/jackzampolin/storybook/internal/jobs"
	"github.com/jackzampolin/storybook/internal/providers"
	"github.com/jackzampolin/storybook/internal/server/endpoints"
	"github.com/jackzampolin/storybook/internal/stages"
	"github.com/jackzampolin/storybook/internal/svcctx"
)

// Server is the main Storybook HTTP server. It owns the orchestrator and
// the outcome backends, starting them on Start and draining them on
// shutdown.
type Server struct {
	cfg        Config
	httpServer *http.Server
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	registry *providers.Registry
	executor *stages.Executor
	orch     *jobs.Orchestrator
	backends *backends

	ready chan struct{}

	mu       sync.RWMutex
	running  bool
	listener net.Listener
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080, "0" picks a free port)
	Port string
	// Home locates assets, checkpoints and DefraDB data
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// ShutdownTimeout bounds graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Home == nil {
		h, err := home.New("")
		if err != nil {
			return nil, err
		}
		cfg.Home = h
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      s.withServices(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// Start brings up the outcome backends and the orchestrator, then serves
// HTTP. It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.cfg.Home.EnsureExists(); err != nil {
		s.setNotRunning()
		return err
	}

	cfg := s.cfg.ConfigManager.Get()

	b, err := openBackends(ctx, cfg, s.cfg.Home, s.logger)
	if err != nil {
		s.setNotRunning()
		return err
	}
	s.backends = b

	if err := s.startOrchestrator(ctx, cfg); err != nil {
		s.closeBackends()
		s.setNotRunning()
		return err
	}

	s.cfg.ConfigManager.OnChange(s.applyConfig)
	if s.cfg.ConfigManager.ConfigFile() != "" {
		s.cfg.ConfigManager.WatchConfig()
	}

	s.mu.Lock()
	s.services = &svcctx.Services{
		Orchestrator: s.orch,
		Registry:     s.registry,
		Config:       s.cfg.ConfigManager,
		DefraClient:  b.defraClient,
		Probes:       b.probes,
		Logger:       s.logger,
		Home:         s.cfg.Home,
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		_ = s.shutdown()
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	close(s.ready)

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			_ = s.shutdown()
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}
	return s.shutdown()
}

// startOrchestrator builds the provider registry, stage executor and
// orchestrator from cfg and restores checkpointed jobs.
func (s *Server) startOrchestrator(ctx context.Context, cfg *config.Config) error {
	s.registry = providers.NewRegistry()
	s.registry.SetLogger(s.logger)
	s.registry.Reload(cfg.ToProviderRegistryConfig(s.cfg.Home.AssetsPath()))

	s.executor = stages.NewExecutor(stages.Config{
		Registry:     s.registry,
		Chains:       cfg.StageChains(),
		Retry:        cfg.RetryPolicy(),
		PollInterval: cfg.Orchestrator.PollIntervalDuration(),
		MaxPolls:     cfg.Orchestrator.MaxPolls,
		Logger:       s.logger,
	})

	checkpointer, err := jobs.NewFileCheckpointer(s.cfg.Home.CheckpointsPath())
	if err != nil {
		return fmt.Errorf("failed to create checkpointer: %w", err)
	}

	orch, err := jobs.New(jobs.Config{
		Runner:                  s.executor,
		Registry:                s.registry,
		GlobalConcurrency:       cfg.Orchestrator.GlobalConcurrency,
		DefaultBatchConcurrency: cfg.Orchestrator.DefaultBatchConcurrency,
		MaxBatchSize:            cfg.Orchestrator.MaxBatchSize,
		Retention:               cfg.Orchestrator.RetentionDuration(),
		SweepInterval:           cfg.Orchestrator.SweepIntervalDuration(),
		Checkpointer:            checkpointer,
		Recorder:                s.backends.recorder,
		Logger:                  s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}
	s.orch = orch
	s.logger.Info("providers loaded", "enabled", cfg.EnabledProviders())
	return nil
}

// applyConfig hot-reloads provider budgets, stage chains and retry policy.
// Concurrency caps and backends take effect on restart.
func (s *Server) applyConfig(cfg *config.Config) {
	if s.registry == nil || s.executor == nil {
		return
	}
	s.registry.Reload(cfg.ToProviderRegistryConfig(s.cfg.Home.AssetsPath()))
	s.executor.Reconfigure(cfg.StageChains(), cfg.RetryPolicy(),
		cfg.Orchestrator.PollIntervalDuration(), cfg.Orchestrator.MaxPolls)
	s.logger.Info("provider registry reloaded from config", "enabled", cfg.EnabledProviders())
}

// shutdown stops HTTP, drains the orchestrator and closes backends.
func (s *Server) shutdown() error {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	var errs []error
	if s.orch != nil {
		if err := s.orch.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("orchestrator shutdown error", "error", err)
			errs = append(errs, err)
		}
	}
	s.closeBackends()

	s.setNotRunning()
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) closeBackends() {
	if s.backends == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.backends.close(ctx)
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Ready is closed once the server accepts HTTP requests.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Orchestrator returns the job orchestrator.
// Returns nil if the server hasn't started yet.
func (s *Server) Orchestrator() *jobs.Orchestrator {
	return s.orch
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		services := s.services
		s.mu.RUnlock()
		ctx := r.Context()
		if services != nil {
			ctx = svcctx.WithServices(ctx, services)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the orchestrator isn't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcctx.OrchestratorFrom(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
