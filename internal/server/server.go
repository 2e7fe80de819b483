package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markbook/markbook/internal/handler"
	"github.com/markbook/markbook/internal/metrics"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/openapi"
	"github.com/markbook/markbook/internal/ratelimit"
	"github.com/markbook/markbook/internal/server/middleware"
	"github.com/markbook/markbook/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	// GlobalRPM enables a coarse per-IP throttle over every route when
	// positive.
	GlobalRPM int
	// SecureCookies marks the CSRF cookie Secure.
	SecureCookies bool
	// Version is published in the API document.
	Version string
}

// DefaultConfig returns a Config with the production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            4001,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"http://localhost:3000"},
		MaxBodySize:     handler.DefaultMaxBodySize,
	}
}

// Server is the markbook HTTP server. It owns the chi router and the
// collaborators the handlers share.
type Server struct {
	cfg        Config
	router     chi.Router
	core       *service.Core
	store      handler.Pinger
	limiter    *ratelimit.Limiter
	metrics    *metrics.Metrics
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with every route and middleware wired. limiter guards
// the credential routes. A nil m disables /metrics.
func New(cfg Config, core *service.Core, store handler.Pinger, limiter *ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		core:    core,
		store:   store,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(s.logger, s.metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   append([]string{"Accept", "Authorization", "Content-Type"}, middleware.CSRFHeaders...),
		ExposedHeaders:   []string{middleware.RequestIDHeader, "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.GlobalRPM > 0 {
		r.Use(middleware.GlobalThrottle(s.cfg.GlobalRPM, s.metrics))
	}
	r.Use(middleware.NewCSRFGuard(s.cfg.SecureCookies, s.metrics, s.logger).Handler)

	doc := openapi.Generate("", s.cfg.Version)
	sys := handler.NewSystemHandler(s.store, doc, s.logger)
	admin := handler.NewAdminHandler(s.core, s.metrics, s.logger, s.cfg.MaxBodySize)
	dash := handler.NewDashboardHandler(s.core, s.logger)

	// --- Health checks and API document (no auth required) ---
	r.Get("/healthz", sys.Health)
	r.Get("/readyz", sys.Ready)
	r.Get("/openapi.json", sys.OpenAPI)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/admin", func(r chi.Router) {
		// Credential routes are unauthenticated and rate limited per client.
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(middleware.RateLimit(s.limiter, s.metrics, s.logger))
			}
			r.Post("/register", admin.Register)
			r.Get("/confirm", admin.Confirm)
			r.Post("/login", admin.Login)
			r.Post("/forgot-password", admin.ForgotPassword)
			r.Post("/verify-otp", admin.VerifyOTP)
			r.Post("/reset-password", admin.ResetPassword)
		})

		// Directory
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.core.Sessions))
			r.Use(middleware.RequireRoles(model.RoleAdmin, model.RoleSuperadmin))

			r.Get("/all", admin.List)
			r.Get("/{id}", admin.Get)
			r.Get("/{id}/logs", admin.Activity)
		})

		// Account-state transitions
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(s.core.Sessions))
			r.Use(middleware.RequireRoles(model.RoleSuperadmin))

			r.Patch("/{id}/promote", admin.Promote)
			r.Patch("/{id}/demote", admin.Demote)
			r.Patch("/{id}/suspend", admin.Suspend)
			r.Patch("/{id}/reset-password", admin.ForceResetPassword)
			r.Put("/{id}/status", admin.DecideStatus)
			r.Patch("/{id}", admin.Update)
			r.Delete("/{id}", admin.Delete)
		})
	})

	r.Route("/teacher", func(r chi.Router) {
		r.Use(middleware.Authenticate(s.core.Sessions))
		r.Use(middleware.RequireRoles(model.RoleTeacher, model.RoleAdmin, model.RoleSuperadmin))

		r.Get("/dashboard", dash.Teacher)
	})

	s.router = r
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received, then drains in-flight requests.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("server listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
