// Package server exposes the read-only operator HTTP API: health, agent
// status, risk and allocation state, the trade report, the audit log,
// Prometheus metrics and a websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyswarm/internal/domain"
	"github.com/alanyoungcy/polyswarm/internal/metrics"
	"github.com/alanyoungcy/polyswarm/internal/server/handler"
	"github.com/alanyoungcy/polyswarm/internal/server/middleware"
)

// Config holds the HTTP server parameters.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables auth
	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit int
}

// Handlers aggregates the route handlers. Stream may be nil.
type Handlers struct {
	Health *handler.HealthHandler
	State  *handler.StateHandler
	Trades *handler.TradeHandler
	Stream http.Handler
}

// Server is the operator API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers every route and builds the middleware chain. limiter may
// be nil, which disables rate limiting.
func New(cfg Config, h Handlers, limiter domain.RateLimiter, m *metrics.Metrics, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health.Healthz)
	mux.HandleFunc("GET /status", h.Health.Status)
	mux.HandleFunc("GET /risk", h.State.Risk)
	mux.HandleFunc("GET /allocations", h.State.Allocations)
	mux.HandleFunc("GET /trades", h.Trades.Report)
	mux.HandleFunc("GET /audit", h.Trades.Audit)
	mux.Handle("GET /metrics", m.Handler())
	if h.Stream != nil {
		mux.Handle("GET /ws", h.Stream)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/healthz", "/metrics")(chain)
	if limiter != nil && cfg.RateLimit > 0 {
		chain = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute)(chain)
	}
	chain = middleware.Logging(logger, m)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is cancelled and then shuts down within 5 seconds.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.logger.InfoContext(ctx, "listening", slog.String("addr", ln.Addr().String()))

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

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("stopped")
	return nil
}
