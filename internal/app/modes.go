package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oraclepool/internal/server"
	"github.com/alanyoungcy/oraclepool/internal/server/handler"
	"github.com/alanyoungcy/oraclepool/internal/server/ws"
	"github.com/alanyoungcy/oraclepool/internal/service"
)

// ServerMode serves the HTTP + WebSocket API. Markets only advance when
// clients call the lifecycle endpoints.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// KeeperMode runs the resolution keeper alone: it requests and polls oracle
// answers, sweeps remainders and archives finished markets.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting keeper mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API and the keeper in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startKeeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	keeper := service.NewKeeper(
		deps.Markets,
		deps.Store,
		deps.Archiver,
		deps.RateLimiter,
		a.cfg.Keeper.Interval.Duration,
		a.cfg.Keeper.BatchSize,
		a.logger,
	)
	g.Go(func() error {
		return keeper.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and WebSocket hub to g. The server is
// shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	startedAt := time.Now().UTC()

	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		Pattern:        service.MarketChannel("*"),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		StartedAt:      startedAt,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RequestTTL:      a.cfg.Server.RequestTTL.Duration,
		MaxBodyBytes:    a.cfg.Server.MaxBodyBytes,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, startedAt),
		Markets: handler.NewMarketHandler(deps.Markets, a.cfg.Oracle.DefaultEndpoint, a.logger),
	}, server.Deps{
		Limiter: deps.RateLimiter,
		Deduper: deps.Deduper,
	}, hub, a.logger)

	if a.cfg.Server.APIKey == "" {
		a.logger.WarnContext(ctx, "server.api_key is empty: market creation and sweep are disabled")
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
		)
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
