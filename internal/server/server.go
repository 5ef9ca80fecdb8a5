package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/elephantbot/internal/domain"
	"github.com/alanyoungcy/elephantbot/internal/server/handler"
	"github.com/alanyoungcy/elephantbot/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	AuthToken   string // if empty, authentication is disabled

	// Mutating requests per client per window. Zero disables the limit.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Books, Events
// and Metrics are optional.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Cycles  *handler.CycleHandler
	Books   *handler.BookHandler
	Events  *handler.EventHandler
	Metrics http.Handler
}

// Server is the operator HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/cycles", handlers.Cycles.ListCycles)
	mux.HandleFunc("GET /api/cycles/{id}", handlers.Cycles.GetCycle)
	mux.HandleFunc("POST /api/cycles/{symbol}/release", handlers.Cycles.ReleaseCycle)
	if handlers.Books != nil {
		mux.HandleFunc("GET /api/books/{symbol}", handlers.Books.GetBook)
	}
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.ListEvents)
		mux.HandleFunc("GET /api/events/live", handlers.Events.Live)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	h = middleware.Auth(cfg.AuthToken, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger, "/api/health", "/metrics")(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.logger.InfoContext(ctx, "server: starting", slog.String("addr", ln.Addr().String()))
	// Hijacked websocket connections outlive Shutdown; they end with ctx.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s.logger.InfoContext(ctx, "server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
