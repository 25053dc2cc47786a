package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livecomponent/runtime/pkg/eventbus"
	"github.com/livecomponent/runtime/pkg/lifecycle"
)

// Server owns the HTTP listener, the WebSocket upgrade endpoint, the
// connection registry's heartbeat sweep, and the lifecycle manager's idle
// reaper.
type Server struct {
	config     *Config
	dispatcher Dispatcher
	manager    *lifecycle.Manager
	registry   *ConnectionRegistry
	metrics    *Metrics
	auth       AuthFunc

	trustedProxies *proxyMatcher

	promRegistry *prometheus.Registry
	router       chi.Router
	httpServer   *http.Server
	logger       *slog.Logger
}

// New builds a Server. config may be nil to accept DefaultConfig(). dispatcher
// may be a raw *dispatch.Dispatcher or a pkg/middleware.Chain-wrapped Handler.
// uploads is passed separately to NewConnectionRegistry so it can be nil when
// a deployment has no upload handler configured.
func New(config *Config, dispatcher Dispatcher, manager *lifecycle.Manager, bus *eventbus.Bus, uploads uploadAborter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := config.withDefaults()
	for _, warning := range cfg.GetConfigWarnings() {
		logger.Warn("config warning", "warning", warning)
	}

	promRegistry := prometheus.NewRegistry()
	metrics := NewMetrics(MetricsConfig{Registry: promRegistry})
	registry := NewConnectionRegistry(bus, uploads, metrics, cfg.HeartbeatInterval, logger).WithInstanceCounter(manager.Count)
	trusted := newProxyMatcher(cfg.TrustedProxies, logger)

	s := &Server{
		config:         cfg,
		dispatcher:     dispatcher,
		manager:        manager,
		registry:       registry,
		metrics:        metrics,
		trustedProxies: trusted,
		promRegistry:   promRegistry,
		logger:         logger,
	}

	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:    cfg.Address,
		Handler: s.router,
	}
	return s
}

// WithAuth sets the upgrade-time authenticator.
func (s *Server) WithAuth(fn AuthFunc) *Server {
	s.auth = fn
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	ws := newWSHandler(s.config, s.dispatcher, s.registry, s.metrics, s.auth, s.trustedProxies, s.logger)
	r.Get(s.config.WSPath, ws.ServeHTTP)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"instances":%d}`, s.registry.Count(), s.manager.Count())
}

// Run starts the lifecycle reaper and heartbeat sweep, listens for
// connections, and blocks until ctx is canceled or the process receives
// SIGINT/SIGTERM. It then shuts down gracefully within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.manager.Start()
	s.registry.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "address", s.config.Address)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	return s.Shutdown(context.Background())
}

// Shutdown drains the HTTP server and stops the reaper and heartbeat sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)

	s.registry.Stop()
	s.manager.Stop()

	return err
}

// Config returns the server's resolved configuration.
func (s *Server) Config() *Config { return s.config }

// Registry returns the connection registry.
func (s *Server) Registry() *ConnectionRegistry { return s.registry }

// Metrics returns the server's private Prometheus instruments, for wiring
// into components constructed before the Server (e.g. an upload Assembler
// via SetMetricsSink).
func (s *Server) Metrics() *Metrics { return s.metrics }
