// Package bridge implements app.Runner for the bridge process.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chainsafe/trichain-bridge/pkg/app/httpserver"
	"github.com/chainsafe/trichain-bridge/pkg/auth"
	"github.com/chainsafe/trichain-bridge/pkg/config"
	"github.com/chainsafe/trichain-bridge/pkg/db"
	"github.com/chainsafe/trichain-bridge/pkg/pgutil"
	"github.com/chainsafe/trichain-bridge/pkg/transfer/service"
)

const (
	defaultHTTPMiddlewareTimeout = 60 * time.Second
	defaultHTTPIdleTimeout       = 60 * time.Second
)

// Server holds configuration for the bridge process.
type Server struct {
	cfg   *config.Config
	ready atomic.Bool
}

// NewServer initializes a new bridge Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run connects to the chains, starts the background workers and serves the
// operator API. It blocks until an OS shutdown signal is received or a fatal
// server error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting tri-chain bridge")

	store, closeStore, err := OpenStore(&cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	chains, err := DialChains(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect chains: %w", err)
	}

	rt, err := NewRuntime(cfg, chains, store, logger)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	svc := service.NewLog(service.NewService(store, service.RouterDispatch(rt.Router), logger), logger)

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}
	defer rt.Stop()
	defer func() {
		// runs first: in-flight transfers settle before the workers stop
		s.ready.Store(false)
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		if err := svc.Close(closeCtx); err != nil {
			logger.Warn("Transfers still running at shutdown", zap.Error(err))
		}
	}()

	router, err := s.newRouter(svc, logger)
	if err != nil {
		return err
	}
	s.ready.Store(true)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := newHTTPServer(serverAddr, router, cfg.Server)

	return httpserver.ServeAndWait(ctx, logger, httpServer, cfg.Shutdown.Timeout)
}

// OpenStore connects to Postgres when a database is configured and falls
// back to an in-memory store otherwise.
func OpenStore(cfg *config.DatabaseConfig, logger *zap.Logger) (db.Store, func(), error) {
	if !cfg.Enabled() {
		logger.Warn("No database configured, state is kept in memory")
		return db.NewMemoryStore(), func() {}, nil
	}
	bunDB, err := pgutil.ConnectDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect bridge db: %w", err)
	}
	logger.Info("Database connection established", zap.String("database", cfg.Database))
	return db.NewStore(bunDB), func() { _ = bunDB.Close() }, nil
}

func (s *Server) newRouter(svc service.Service, logger *zap.Logger) (http.Handler, error) {
	cfg := s.cfg

	var routeOpts []service.RouteOption
	if cfg.Auth.Enabled {
		v, err := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return nil, fmt.Errorf("create jwt validator: %w", err)
		}
		routeOpts = append(routeOpts, service.WithAuth(v))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("NOT_READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	})

	if cfg.Monitoring.Enabled {
		r.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", cfg.Monitoring.MetricsPath))
	}

	r.Route("/api/v1", func(r chi.Router) {
		service.RegisterRoutes(r, svc, logger, routeOpts...)
	})

	return r, nil
}

func newHTTPServer(addr string, handler http.Handler, cfg config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}
}
