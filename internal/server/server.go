package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/server/handler"
	"github.com/alanyoungcy/oraclepool/internal/server/middleware"
	"github.com/alanyoungcy/oraclepool/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards operator endpoints. If empty they answer 403.
	APIKey string
	// RequestTTL is how long a signed request_id is remembered.
	RequestTTL   time.Duration
	MaxBodyBytes int64
	// RateLimit is requests per RateLimitWindow per client IP; zero disables.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
}

// Deps are the shared services the middleware chain needs. Limiter may be
// nil; Deduper must be set for participant endpoints to be safe to replay.
type Deps struct {
	Limiter domain.RateLimiter
	Deduper domain.Deduper
}

// Server is the HTTP + WebSocket API of the settlement core.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Operator routes take the API key, participant routes a body signature, and
// the resolution routes are open to anyone.
func NewServer(cfg Config, handlers Handlers, deps Deps, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	operator := middleware.Auth(cfg.APIKey)
	signed := middleware.Signed(middleware.SignedConfig{
		Deduper:      deps.Deduper,
		RequestTTL:   cfg.RequestTTL,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Logger:       logger,
	})

	// --- Register routes ---

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Health.Status)

	m := handlers.Markets

	// Reads.
	mux.HandleFunc("GET /api/markets", m.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", m.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/statement", m.GetStatement)
	mux.HandleFunc("GET /api/markets/{id}/stakes/{participant}", m.GetStake)
	mux.HandleFunc("GET /api/markets/{id}/preview/{participant}", m.PreviewPayout)
	mux.HandleFunc("GET /api/audit", m.ListAudit)

	// Operator.
	mux.Handle("POST /api/markets", operator(http.HandlerFunc(m.CreateMarket)))
	mux.Handle("POST /api/markets/{id}/sweep", operator(http.HandlerFunc(m.Sweep)))

	// Participants.
	mux.Handle("POST /api/markets/{id}/bets", signed(http.HandlerFunc(m.PlaceBet)))
	mux.Handle("POST /api/markets/{id}/claims", signed(http.HandlerFunc(m.Claim)))

	// Lifecycle triggers.
	mux.HandleFunc("POST /api/markets/{id}/lock", m.Lock)
	mux.HandleFunc("POST /api/markets/{id}/resolution/request", m.RequestResolution)
	mux.HandleFunc("POST /api/markets/{id}/resolution/accept", m.AcceptResolution)
	mux.HandleFunc("POST /api/markets/{id}/resolution/poll", m.PollResolution)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux
	h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger,
	}
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
