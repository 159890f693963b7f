package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/voxgate/internal/gateway"
	"github.com/seantiz/voxgate/internal/store"
	"github.com/seantiz/voxgate/internal/transport"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// writeSlack is added to the gateway's request timeout so a synchronous
	// request can always write its timeout response.
	writeSlack = 5 * time.Second
)

// Options configures the HTTP server.
type Options struct {
	Addr           string
	RequestTimeout time.Duration
	// RateLimitRPS of zero disables per-client rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	gateway  *gateway.Gateway
	history  store.History
	progress *transport.ProgressBroker
	limiter  *RateLimiter
	logger   *slog.Logger
	opts     Options
}

// NewServer creates and configures a new HTTP server. history and progress
// may be nil, which disables the routes that need them.
func NewServer(opts Options, gw *gateway.Gateway, history store.History, progress *transport.ProgressBroker, logger *slog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = gateway.DefaultRequestTimeout
	}
	srv := &Server{
		router:   chi.NewRouter(),
		gateway:  gw,
		history:  history,
		progress: progress,
		logger:   logger.With("component", "api"),
		opts:     opts,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if opts.RateLimitRPS > 0 {
		srv.limiter = NewRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst, srv.logger)
	}

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Handler)
		}

		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/stats", s.handleGetStats)
		r.Post("/v1/commands", s.handleCommand)
		r.Post("/v1/tts", s.handleSpeak)
		r.Post("/v1/wakeup", s.handleWakeup)
		r.Post("/v1/start", s.handleStart)

		r.Route("/v1/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Post("/async", s.handleAsyncTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Get("/{id}/progress", s.handleStreamProgress)
		})
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Limiter returns the per-client rate limiter, or nil when rate limiting is
// disabled.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      s.opts.RequestTimeout + writeSlack,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
