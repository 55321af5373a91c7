package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/settlement"
)

// PayoutStream is the durable stream payout instructions are appended to.
const PayoutStream = "payouts"

// MarketChannel is the pub/sub channel carrying a market's events.
func MarketChannel(id string) string { return "market:" + id }

const (
	lockRetries = 40
	lockBackoff = 25 * time.Millisecond
)

// Notifier is told about committed events and tripped breakers.
type Notifier interface {
	MarketEvent(ctx context.Context, m domain.Market, ev domain.Event) error
	Halted(ctx context.Context, marketID string, cause error) error
}

// CreateMarketParams are the creation parameters of a market. ID is
// generated when empty; Outcomes defaults to NO/YES.
type CreateMarketParams struct {
	ID            string
	Deadline      time.Time
	Oracle        domain.OracleRef
	Identifier    domain.Identifier
	Ancillary     []byte
	Asset         domain.Asset
	Outcomes      domain.OutcomeSet
	RemainderSink common.Address
}

// MarketServiceConfig holds optional collaborators and tuning.
type MarketServiceConfig struct {
	Verifier       settlement.AnswerVerifier
	Notifier       Notifier
	AllowedSigners []common.Address
	LockTTL        time.Duration
	Clock          func() time.Time
}

// MarketService runs settlement operations against persisted markets. Each
// mutating call takes the market lock, brings the cached machine up to the
// stored sequence, applies the operation and appends the resulting events
// with an optimistic sequence check. Fan-out (pub/sub, payout stream, audit,
// notifications) happens only after the append commits.
type MarketService struct {
	store    domain.Store
	locks    domain.LockManager
	bus      domain.SignalBus
	oracles  domain.OracleDialer
	verifier settlement.AnswerVerifier
	notifier Notifier
	allowed  map[common.Address]bool
	lockTTL  time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu       sync.Mutex
	machines map[string]*settlement.Machine
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(
	store domain.Store,
	locks domain.LockManager,
	bus domain.SignalBus,
	oracles domain.OracleDialer,
	cfg MarketServiceConfig,
	logger *slog.Logger,
) *MarketService {
	s := &MarketService{
		store:    store,
		locks:    locks,
		bus:      bus,
		oracles:  oracles,
		verifier: cfg.Verifier,
		notifier: cfg.Notifier,
		lockTTL:  cfg.LockTTL,
		clock:    cfg.Clock,
		logger:   logger.With(slog.String("component", "market_service")),
		machines: make(map[string]*settlement.Machine),
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Second
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if len(cfg.AllowedSigners) > 0 {
		s.allowed = make(map[common.Address]bool, len(cfg.AllowedSigners))
		for _, a := range cfg.AllowedSigners {
			s.allowed[a] = true
		}
	}
	return s
}

func (s *MarketService) now() time.Time { return s.clock().UTC() }

// Create validates and persists a new market.
func (s *MarketService) Create(ctx context.Context, p CreateMarketParams) (domain.Market, error) {
	now := s.now()
	m := domain.Market{
		ID:            p.ID,
		Deadline:      p.Deadline.UTC().Truncate(time.Second),
		Oracle:        p.Oracle,
		Identifier:    p.Identifier,
		Ancillary:     append([]byte(nil), p.Ancillary...),
		Asset:         p.Asset,
		Outcomes:      p.Outcomes,
		RemainderSink: p.RemainderSink,
		CreatedAt:     now.Truncate(time.Millisecond),
		Status:        domain.StatusOpen,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Outcomes.Len() == 0 {
		m.Outcomes = domain.BinaryOutcomes()
	}
	m.UpdatedAt = m.CreatedAt
	if err := m.Validate(now); err != nil {
		return domain.Market{}, err
	}
	if s.allowed != nil && !s.allowed[m.Oracle.Address] {
		return domain.Market{}, fmt.Errorf("%w: oracle %s is not an allowed signer", domain.ErrInvalidMarket, m.Oracle.Address.Hex())
	}
	if _, err := s.oracles.Dial(m.Oracle); err != nil {
		return domain.Market{}, fmt.Errorf("%w: %v", domain.ErrInvalidMarket, err)
	}

	if err := s.store.Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create: %w", err)
	}
	s.audit(ctx, "market.created", map[string]any{
		"market_id": m.ID,
		"deadline":  m.Deadline.Format(time.RFC3339),
		"oracle":    m.Oracle.Address.Hex(),
		"outcomes":  m.Outcomes.Labels,
	})
	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.Time("deadline", m.Deadline),
	)
	return m, nil
}

// Get returns the persisted market.
func (s *MarketService) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get %q: %w", id, err)
	}
	return m, nil
}

// List returns persisted markets.
func (s *MarketService) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// Audit returns audit log entries.
func (s *MarketService) Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	entries, err := s.store.ListAudit(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: audit: %w", err)
	}
	return entries, nil
}

// Snapshot returns the market's current settlement state.
func (s *MarketService) Snapshot(ctx context.Context, id string) (settlement.Snapshot, error) {
	m, err := s.current(ctx, id)
	if err != nil {
		return settlement.Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// Statement returns the market's payout statement.
func (s *MarketService) Statement(ctx context.Context, id string) (settlement.Statement, error) {
	m, err := s.current(ctx, id)
	if err != nil {
		return settlement.Statement{}, err
	}
	return m.Statement(), nil
}

// Stake returns participant's stake in the market.
func (s *MarketService) Stake(ctx context.Context, id string, participant common.Address) (domain.Stake, error) {
	m, err := s.current(ctx, id)
	if err != nil {
		return domain.Stake{}, err
	}
	st, ok := m.Stake(participant)
	if !ok {
		return domain.Stake{}, fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, participant.Hex())
	}
	return st, nil
}

// Preview returns what participant would receive by claiming now.
func (s *MarketService) Preview(ctx context.Context, id string, participant common.Address) (*uint256.Int, error) {
	m, err := s.current(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Preview(participant)
}

// PendingQuery returns the query the market is waiting on.
func (s *MarketService) PendingQuery(ctx context.Context, id string) (domain.Query, bool, error) {
	m, err := s.current(ctx, id)
	if err != nil {
		return domain.Query{}, false, err
	}
	q, ok := m.PendingQuery()
	return q, ok, nil
}

// PlaceBet records amount on outcome for caller.
func (s *MarketService) PlaceBet(ctx context.Context, id string, caller common.Address, outcome domain.Outcome, amount *uint256.Int) (domain.Stake, error) {
	m, _, err := s.mutate(ctx, id, func(m *settlement.Machine, now time.Time) ([]domain.Event, error) {
		return m.PlaceBet(caller, outcome, amount, now)
	})
	if err != nil {
		return domain.Stake{}, err
	}
	st, _ := m.Stake(caller)
	return st, nil
}

// Lock closes betting once the deadline has passed.
func (s *MarketService) Lock(ctx context.Context, id string) (domain.Market, error) {
	m, _, err := s.mutate(ctx, id, func(m *settlement.Machine, now time.Time) ([]domain.Event, error) {
		return m.Lock(now)
	})
	if err != nil {
		return domain.Market{}, err
	}
	return m.Market(), nil
}

// RequestResolution records the oracle request and dispatches it. When the
// send fails the request is still recorded: the query is returned together
// with an error wrapping domain.ErrOracleDispatch.
func (s *MarketService) RequestResolution(ctx context.Context, id string) (domain.Query, error) {
	m, _, err := s.mutate(ctx, id, func(m *settlement.Machine, now time.Time) ([]domain.Event, error) {
		return m.RequestResolution(now)
	})
	if err != nil {
		return domain.Query{}, err
	}
	q, _ := m.PendingQuery()
	if err := s.Dispatch(ctx, m.Market(), q); err != nil {
		s.logger.WarnContext(ctx, "oracle request dispatch failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		return q, fmt.Errorf("%w: %w", domain.ErrOracleDispatch, err)
	}
	return q, nil
}

// Dispatch sends q to the market's oracle. The oracle treats repeats of the
// same query as one request.
func (s *MarketService) Dispatch(ctx context.Context, m domain.Market, q domain.Query) error {
	o, err := s.oracles.Dial(m.Oracle)
	if err != nil {
		return fmt.Errorf("market_service: dial oracle: %w", err)
	}
	if err := o.Request(ctx, q); err != nil {
		return fmt.Errorf("market_service: oracle request %s: %w", m.ID, err)
	}
	return nil
}

// AcceptResolution applies a submitted oracle answer.
func (s *MarketService) AcceptResolution(ctx context.Context, id string, answer domain.OracleAnswer) (domain.Market, error) {
	m, _, err := s.mutate(ctx, id, func(m *settlement.Machine, now time.Time) ([]domain.Event, error) {
		return m.AcceptResolution(answer, now)
	})
	if err != nil {
		return domain.Market{}, err
	}
	return m.Market(), nil
}

// PollResolution asks the oracle for its answer to the pending query and
// applies it. A pending answer yields domain.ErrOracleUnresolved.
func (s *MarketService) PollResolution(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.current(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}
	q, ok := m.PendingQuery()
	if !ok {
		return domain.Market{}, fmt.Errorf("%w: market %s", domain.ErrNoRequestPending, id)
	}
	o, err := s.oracles.Dial(m.Market().Oracle)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: dial oracle: %w", err)
	}
	answer, err := o.Answer(ctx, q)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: oracle answer %s: %w", id, err)
	}
	if answer.State == domain.AnswerPending {
		return domain.Market{}, fmt.Errorf("market_service: %s: %w", id, domain.ErrOracleUnresolved)
	}
	return s.AcceptResolution(ctx, id, answer)
}

// Claim settles caller's stake and emits the payout instruction.
func (s *MarketService) Claim(ctx context.Context, id string, caller common.Address) (settlement.Payout, error) {
	var payout settlement.Payout
	m, events, err := s.mutate(ctx, id, func(m *settlement.Machine, now time.Time) ([]domain.Event, error) {
		p, evs, err := m.Claim(caller, now)
		payout = p
		return evs, err
	})
	if err != nil {
		return settlement.Payout{}, err
	}
	s.emitPayout(ctx, m.Market().Asset, payout, events)
	return payout, nil
}

// Sweep moves the rounding remainder to the market's sink.
func (s *MarketService) Sweep(ctx context.Context, id string) (settlement.Payout, error) {
	var payout settlement.Payout
	m, events, err := s.mutate(ctx, id, func(m *settlement.Machine, now time.Time) ([]domain.Event, error) {
		p, evs, err := m.SweepRemainder(now)
		payout = p
		return evs, err
	})
	if err != nil {
		return settlement.Payout{}, err
	}
	s.emitPayout(ctx, m.Market().Asset, payout, events)
	return payout, nil
}

// PayoutInstruction is appended to PayoutStream for the disbursement worker.
// MarketID and Seq together identify it uniquely.
type PayoutInstruction struct {
	MarketID    string    `json:"market_id"`
	Seq         uint64    `json:"seq"`
	Participant string    `json:"participant"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	Refund      bool      `json:"refund"`
	Remainder   bool      `json:"remainder"`
	At          time.Time `json:"at"`
}

func (s *MarketService) emitPayout(ctx context.Context, asset domain.Asset, p settlement.Payout, events []domain.Event) {
	if len(events) == 0 || p.Amount.IsZero() {
		return
	}
	ev := events[len(events)-1]
	payload, err := json.Marshal(PayoutInstruction{
		MarketID:    p.MarketID,
		Seq:         ev.Seq,
		Participant: p.Participant.Hex(),
		Asset:       asset.Address.Hex(),
		Amount:      p.Amount.Dec(),
		Refund:      p.Refund,
		Remainder:   p.Remainder,
		At:          ev.At,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "payout emit: marshal", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.StreamAppend(ctx, PayoutStream, payload); err != nil {
		s.logger.ErrorContext(ctx, "payout emit failed",
			slog.String("market_id", p.MarketID),
			slog.Uint64("seq", ev.Seq),
			slog.String("error", err.Error()),
		)
	}
}

// mutate runs op under the market lock and persists what it emits.
func (s *MarketService) mutate(
	ctx context.Context,
	id string,
	op func(m *settlement.Machine, now time.Time) ([]domain.Event, error),
) (*settlement.Machine, []domain.Event, error) {
	unlock, err := s.acquire(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	m, err := s.current(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	before := m.Seq()
	events, err := op(m, s.now())
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolated) {
			s.halted(ctx, id, err)
		}
		return m, nil, err
	}
	if len(events) == 0 {
		return m, nil, nil
	}

	if err := s.store.Append(ctx, id, before, m.Status(), events); err != nil {
		// The machine moved ahead of the store. Drop it so the next call
		// rebuilds from the log.
		s.evict(id)
		return nil, nil, fmt.Errorf("market_service: append %s: %w", id, err)
	}
	s.committed(ctx, m.Market(), events)
	return m, events, nil
}

func (s *MarketService) acquire(ctx context.Context, id string) (func(), error) {
	key := MarketChannel(id)
	for attempt := 0; ; attempt++ {
		unlock, err := s.locks.Acquire(ctx, key, s.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) || attempt >= lockRetries {
			return nil, fmt.Errorf("market_service: lock %s: %w", id, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockBackoff):
		}
	}
}

// current returns the cached machine caught up with the stored log,
// rebuilding it from scratch on a miss or divergence.
func (s *MarketService) current(ctx context.Context, id string) (*settlement.Machine, error) {
	s.mu.Lock()
	m, ok := s.machines[id]
	s.mu.Unlock()

	if ok {
		events, err := s.store.Load(ctx, id, m.Seq())
		if err != nil {
			return nil, fmt.Errorf("market_service: load events %s: %w", id, err)
		}
		if err := m.Apply(events); err == nil {
			return m, nil
		}
		s.logger.WarnContext(ctx, "cached machine diverged, rebuilding", slog.String("market_id", id))
		s.evict(id)
	}

	market, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: get %q: %w", id, err)
	}
	events, err := s.store.Load(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("market_service: load events %s: %w", id, err)
	}
	m, err = settlement.Restore(market, events, settlement.WithVerifier(s.verifier))
	if err != nil {
		s.halted(ctx, id, err)
		return nil, fmt.Errorf("market_service: replay %s: %w", id, err)
	}

	s.mu.Lock()
	if cached, ok := s.machines[id]; ok && cached.Seq() >= m.Seq() {
		m = cached
	} else {
		s.machines[id] = m
	}
	s.mu.Unlock()
	return m, nil
}

func (s *MarketService) evict(id string) {
	s.mu.Lock()
	delete(s.machines, id)
	s.mu.Unlock()
}

func (s *MarketService) committed(ctx context.Context, m domain.Market, events []domain.Event) {
	for _, ev := range events {
		payload, err := domain.EncodeEvent(ev)
		if err == nil {
			if err := s.bus.Publish(ctx, MarketChannel(m.ID), payload); err != nil {
				s.logger.WarnContext(ctx, "publish market event failed",
					slog.String("market_id", m.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		detail := map[string]any{"market_id": m.ID, "seq": ev.Seq}
		if ev.Participant != (common.Address{}) {
			detail["participant"] = ev.Participant.Hex()
		}
		if !ev.Amount.IsZero() {
			detail["amount"] = ev.Amount.Dec()
		}
		if ev.Kind == domain.EventStakePlaced || ev.Kind == domain.EventResolutionAccepted {
			detail["outcome"] = m.Outcomes.Label(ev.Outcome)
		}
		s.audit(ctx, "market."+string(ev.Kind), detail)

		if s.notifier != nil {
			if err := s.notifier.MarketEvent(ctx, m, ev); err != nil {
				s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
			}
		}
	}
	s.logger.InfoContext(ctx, "market events committed",
		slog.String("market_id", m.ID),
		slog.Uint64("seq", m.Seq),
		slog.String("status", m.Status.String()),
		slog.Int("events", len(events)),
	)
}

func (s *MarketService) halted(ctx context.Context, id string, cause error) {
	s.logger.ErrorContext(ctx, "market halted",
		slog.String("market_id", id),
		slog.String("error", cause.Error()),
	)
	s.audit(ctx, "market.halted", map[string]any{"market_id": id, "error": cause.Error()})
	if s.notifier != nil {
		if err := s.notifier.Halted(ctx, id, cause); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
}

func (s *MarketService) audit(ctx context.Context, event string, detail map[string]any) {
	if err := s.store.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
