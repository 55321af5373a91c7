package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

const keeperParallelism = 8

// Keeper drives markets through resolution without a caller. It requests
// resolution once a market's deadline has passed, re-sends outstanding oracle
// requests after a restart and polls the oracle for answers. Settled markets
// are swept and archived once every winner has claimed.
type Keeper struct {
	markets  *MarketService
	store    domain.MarketStore
	archiver domain.Archiver
	limiter  domain.RateLimiter
	interval time.Duration
	batch    int
	logger   *slog.Logger

	mu         sync.Mutex
	dispatched map[string]bool
	archived   map[string]bool
}

// NewKeeper creates a Keeper. archiver and limiter are optional.
func NewKeeper(
	markets *MarketService,
	store domain.MarketStore,
	archiver domain.Archiver,
	limiter domain.RateLimiter,
	interval time.Duration,
	batch int,
	logger *slog.Logger,
) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Keeper{
		markets:    markets,
		store:      store,
		archiver:   archiver,
		limiter:    limiter,
		interval:   interval,
		batch:      batch,
		logger:     logger.With(slog.String("component", "keeper")),
		dispatched: make(map[string]bool),
		archived:   make(map[string]bool),
	}
}

// Run ticks until ctx is cancelled. Call in a goroutine.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started", slog.Duration("interval", k.interval))
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		if err := k.Tick(ctx); err != nil && ctx.Err() == nil {
			k.logger.ErrorContext(ctx, "keeper tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over unsettled markets and then closes out settled
// ones: the remainder is swept once all winners have claimed, and finished
// markets are archived.
// Per-market failures are logged and do not stop the pass.
func (k *Keeper) Tick(ctx context.Context) error {
	pending, err := k.store.ListByStatus(ctx,
		domain.StatusOpen, domain.StatusLocked, domain.StatusAwaitingResolution)
	if err != nil {
		return err
	}
	if len(pending) > k.batch {
		pending = pending[:k.batch]
	}

	now := k.markets.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(keeperParallelism)
	for _, m := range pending {
		g.Go(func() error {
			switch m.Status {
			case domain.StatusOpen, domain.StatusLocked:
				if now.Before(m.Deadline) {
					return nil
				}
				k.request(gctx, m)
			case domain.StatusAwaitingResolution:
				k.poll(gctx, m)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return k.archive(ctx)
}

func (k *Keeper) request(ctx context.Context, m domain.Market) {
	q, err := k.markets.RequestResolution(ctx, m.ID)
	switch {
	case err == nil:
		k.setDispatched(m.ID, true)
	case errors.Is(err, domain.ErrOracleDispatch):
		// Recorded but not delivered; poll re-sends it on the next tick.
		k.setDispatched(m.ID, false)
	case errors.Is(err, domain.ErrAlreadyRequested):
		return
	default:
		k.logger.WarnContext(ctx, "keeper request resolution failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	k.logger.InfoContext(ctx, "resolution requested",
		slog.String("market_id", m.ID),
		slog.Int64("query_ts", q.Timestamp.Unix()),
		slog.Bool("dispatched", err == nil),
	)
}

func (k *Keeper) poll(ctx context.Context, m domain.Market) {
	if !k.isDispatched(m.ID) {
		q, ok, err := k.markets.PendingQuery(ctx, m.ID)
		if err != nil {
			k.logger.WarnContext(ctx, "keeper load pending query failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		if ok {
			if err := k.markets.Dispatch(ctx, m, q); err != nil {
				k.logger.WarnContext(ctx, "keeper re-dispatch failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
		k.setDispatched(m.ID, true)
	}

	if k.limiter != nil {
		if err := k.limiter.Wait(ctx, "oracle:"+m.Oracle.Endpoint); err != nil {
			return
		}
	}
	resolved, err := k.markets.PollResolution(ctx, m.ID)
	switch {
	case err == nil:
		k.logger.InfoContext(ctx, "market resolved",
			slog.String("market_id", m.ID),
			slog.String("status", resolved.Status.String()),
		)
	case errors.Is(err, domain.ErrOracleUnresolved):
		k.logger.DebugContext(ctx, "oracle not settled yet", slog.String("market_id", m.ID))
	case errors.Is(err, domain.ErrNotFound):
		// The oracle has no record of the query; send it again next tick.
		k.setDispatched(m.ID, false)
		k.logger.WarnContext(ctx, "oracle does not know the pending query",
			slog.String("market_id", m.ID),
		)
	default:
		k.logger.WarnContext(ctx, "keeper poll failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (k *Keeper) archive(ctx context.Context) error {
	settled, err := k.store.ListByStatus(ctx, domain.StatusResolved, domain.StatusVoid)
	if err != nil {
		return err
	}
	done := 0
	for _, m := range settled {
		if done >= k.batch {
			break
		}
		k.mu.Lock()
		skip := k.archived[m.ID]
		k.mu.Unlock()
		if skip || !k.closeOut(ctx, m.ID) {
			continue
		}
		done++

		if k.archiver == nil {
			k.markArchived(m.ID)
			continue
		}
		wrote, err := k.archiver.ArchiveMarket(ctx, m.ID)
		if err != nil {
			k.logger.WarnContext(ctx, "archive market failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		k.markArchived(m.ID)
		if wrote {
			k.logger.InfoContext(ctx, "market archived", slog.String("market_id", m.ID))
		}
	}
	return nil
}

// closeOut sweeps the remainder once every winner has claimed and reports
// whether the market has nothing left to pay out.
func (k *Keeper) closeOut(ctx context.Context, id string) bool {
	m, err := k.markets.current(ctx, id)
	if err != nil {
		k.logger.WarnContext(ctx, "keeper load market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
	if m.Sweepable() {
		p, err := k.markets.Sweep(ctx, id)
		if err != nil {
			k.logger.WarnContext(ctx, "keeper sweep failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			return false
		}
		k.logger.InfoContext(ctx, "remainder swept",
			slog.String("market_id", id),
			slog.String("amount", p.Amount.Dec()),
		)
	}
	return m.Finished()
}

func (k *Keeper) markArchived(id string) {
	k.mu.Lock()
	k.archived[id] = true
	k.mu.Unlock()
}

func (k *Keeper) isDispatched(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dispatched[id]
}

func (k *Keeper) setDispatched(id string, sent bool) {
	k.mu.Lock()
	if sent {
		k.dispatched[id] = true
	} else {
		delete(k.dispatched, id)
	}
	k.mu.Unlock()
}
