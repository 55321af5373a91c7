package settlement

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Payout is a release of funds from custody.
type Payout struct {
	MarketID    string
	Participant common.Address
	Amount      uint256.Int
	Refund      bool
	Remainder   bool
}

// Snapshot is a consistent read-only view of a market.
type Snapshot struct {
	Market     domain.Market
	Status     domain.Status
	Seq        uint64
	Totals     []uint256.Int
	GrandTotal uint256.Int
	Stakes     []domain.Stake
	Resolution domain.ResolutionRecord
	Custody    uint256.Int
	Paid       uint256.Int
	Swept      bool
	Halted     error
}

// Option configures a Machine.
type Option func(*Machine)

// WithVerifier sets the oracle answer verifier.
func WithVerifier(v AnswerVerifier) Option {
	return func(m *Machine) { m.verifier = v }
}

// Machine is the settlement state machine of one market. All operations are
// serialized; each either applies completely and returns the events it
// produced, or fails and leaves the machine untouched.
type Machine struct {
	mu sync.Mutex

	market     domain.Market
	status     domain.Status
	seq        uint64
	ledger     *Ledger
	accountant *Accountant
	bridge     *Bridge
	verifier   AnswerVerifier
	vault      vault
	guard      Guard
	swept      bool
}

// NewMachine creates a machine for a freshly created market.
func NewMachine(market domain.Market, opts ...Option) *Machine {
	m := &Machine{market: market, status: domain.StatusOpen}
	for _, opt := range opts {
		opt(m)
	}
	m.market.Status = domain.StatusOpen
	m.market.Seq = 0
	m.ledger = NewLedger(market.Outcomes)
	m.accountant = NewAccountant(m.ledger)
	m.bridge = NewBridge(market, m.verifier)
	return m
}

// Restore rebuilds a machine by replaying its event log.
func Restore(market domain.Market, events []domain.Event, opts ...Option) (*Machine, error) {
	m := NewMachine(market, opts...)
	if err := m.Apply(events); err != nil {
		return nil, err
	}
	return m, nil
}

// advance moves the machine one step along the lifecycle. Any other move,
// including one out of a terminal status, fails with ErrInvalidState.
func (m *Machine) advance(next domain.Status) error {
	if !m.status.CanAdvanceTo(next) {
		return fmt.Errorf("%w: cannot move from %s to %s", domain.ErrInvalidState, m.status, next)
	}
	m.status = next
	return nil
}

func (m *Machine) next(kind domain.EventKind, at time.Time) domain.Event {
	m.seq++
	return domain.Event{MarketID: m.market.ID, Seq: m.seq, Kind: kind, At: at.UTC()}
}

// PlaceBet records a stake from caller and moves the funds into custody.
func (m *Machine) PlaceBet(caller common.Address, outcome domain.Outcome, amount *uint256.Int, now time.Time) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeBet(caller, outcome, amount, now)
}

func (m *Machine) placeBet(caller common.Address, outcome domain.Outcome, amount *uint256.Int, now time.Time) ([]domain.Event, error) {
	if err := m.guard.CheckNonZero(caller); err != nil {
		return nil, err
	}
	if m.status != domain.StatusOpen {
		return nil, fmt.Errorf("%w: betting closed, market is %s", domain.ErrInvalidState, m.status)
	}
	if !now.Before(m.market.Deadline) {
		return nil, fmt.Errorf("%w: betting closed at deadline", domain.ErrInvalidState)
	}
	if _, err := m.ledger.Record(caller, outcome, amount, now); err != nil {
		return nil, err
	}
	m.vault.credit(amount)

	ev := m.next(domain.EventStakePlaced, now)
	ev.Participant = caller
	ev.Outcome = outcome
	ev.Amount.Set(amount)
	return []domain.Event{ev}, nil
}

// Lock closes betting. It fails with ErrTooEarly before the deadline.
func (m *Machine) Lock(now time.Time) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lock(now)
}

func (m *Machine) lock(now time.Time) ([]domain.Event, error) {
	if m.status != domain.StatusOpen {
		return nil, fmt.Errorf("%w: cannot lock while %s", domain.ErrInvalidState, m.status)
	}
	if err := m.guard.CheckDeadline(now, m.market.Deadline); err != nil {
		return nil, err
	}
	if err := m.advance(domain.StatusLocked); err != nil {
		return nil, err
	}
	return []domain.Event{m.next(domain.EventLocked, now)}, nil
}

// RequestResolution submits the market's query to the oracle exactly once.
// An open market past its deadline is locked first.
func (m *Machine) RequestResolution(now time.Time) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestResolution(now)
}

func (m *Machine) requestResolution(now time.Time) ([]domain.Event, error) {
	if m.bridge.Record().Query != nil || m.status.Settled() || m.status == domain.StatusAwaitingResolution {
		return nil, domain.ErrAlreadyRequested
	}
	var events []domain.Event
	if m.status == domain.StatusOpen {
		locked, err := m.lock(now)
		if err != nil {
			return nil, err
		}
		events = append(events, locked...)
	}
	q, err := m.bridge.Request(m.status, now)
	if err != nil {
		return nil, err
	}
	if err := m.advance(domain.StatusAwaitingResolution); err != nil {
		return nil, err
	}

	ev := m.next(domain.EventResolutionRequested, now)
	ev.Query = &q
	return append(events, ev), nil
}

// AcceptResolution applies the oracle's answer to the pending query.
func (m *Machine) AcceptResolution(answer domain.OracleAnswer, now time.Time) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptResolution(answer, now)
}

func (m *Machine) acceptResolution(answer domain.OracleAnswer, now time.Time) ([]domain.Event, error) {
	res, err := m.bridge.Accept(m.status, answer, now)
	if err != nil {
		return nil, err
	}
	kind, next := domain.EventResolutionAccepted, domain.StatusResolved
	if res.Voided {
		kind, next = domain.EventResolutionVoided, domain.StatusVoid
	}
	if err := m.advance(next); err != nil {
		return nil, err
	}
	ev := m.next(kind, now)
	ev.Outcome = res.Outcome
	a := answer
	ev.Answer = &a
	return []domain.Event{ev}, nil
}

// Claim pays caller their share. The stake is flagged as claimed before
// custody is debited, so a second claim from inside the payout path fails
// with ErrAlreadyClaimed. Losers get ErrNotAWinner and nothing changes.
func (m *Machine) Claim(caller common.Address, now time.Time) (Payout, []domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claim(caller, now)
}

func (m *Machine) claim(caller common.Address, now time.Time) (Payout, []domain.Event, error) {
	if err := m.guard.CheckNonZero(caller); err != nil {
		return Payout{}, nil, err
	}
	if !m.status.Settled() {
		return Payout{}, nil, fmt.Errorf("%w: market is %s", domain.ErrNotResolved, m.status)
	}
	stake, ok := m.ledger.Stake(caller)
	if !ok {
		return Payout{}, nil, fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, caller.Hex())
	}
	if stake.Claimed {
		return Payout{}, nil, domain.ErrAlreadyClaimed
	}
	if err := m.guard.Preflight(m.ledger, &m.vault); err != nil {
		return Payout{}, nil, err
	}
	rec := m.bridge.Record()
	share, err := m.accountant.ComputeShare(caller, rec)
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolated) {
			err = m.guard.trip(err)
		}
		return Payout{MarketID: m.market.ID, Participant: caller}, nil, err
	}

	m.ledger.markClaimed(caller, share)
	if err := m.vault.debit(share); err != nil {
		m.ledger.unmarkClaimed(caller)
		return Payout{}, nil, m.guard.trip(err)
	}

	p := Payout{MarketID: m.market.ID, Participant: caller, Refund: m.accountant.Refunding(rec)}
	p.Amount.Set(share)
	ev := m.next(domain.EventClaimed, now)
	ev.Participant = caller
	ev.Outcome = stake.Outcome
	ev.Amount.Set(share)
	return p, []domain.Event{ev}, nil
}

// SweepRemainder moves the rounding remainder to the market's remainder
// sink. It is allowed once, after every entitled participant has claimed.
func (m *Machine) SweepRemainder(now time.Time) (Payout, []domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepRemainder(now)
}

func (m *Machine) sweepRemainder(now time.Time) (Payout, []domain.Event, error) {
	if !m.status.Settled() {
		return Payout{}, nil, fmt.Errorf("%w: market is %s", domain.ErrNotResolved, m.status)
	}
	if m.swept {
		return Payout{}, nil, domain.ErrAlreadySwept
	}
	if m.market.RemainderSink == (common.Address{}) {
		return Payout{}, nil, fmt.Errorf("%w: market has no remainder sink", domain.ErrInvalidState)
	}
	if n := m.outstanding(); n > 0 {
		return Payout{}, nil, fmt.Errorf("%w: %d unclaimed", domain.ErrClaimsOutstanding, n)
	}
	if err := m.guard.Preflight(m.ledger, &m.vault); err != nil {
		return Payout{}, nil, err
	}
	remainder, err := m.accountant.Remainder(m.bridge.Record())
	if err != nil {
		return Payout{}, nil, m.guard.trip(err)
	}
	if !remainder.Eq(&m.vault.balance) {
		return Payout{}, nil, m.guard.trip(fmt.Errorf("%w: remainder %s, custody %s",
			domain.ErrInvariantViolated, remainder.Dec(), m.vault.balance.Dec()))
	}
	if err := m.vault.debit(remainder); err != nil {
		return Payout{}, nil, m.guard.trip(err)
	}
	m.swept = true

	p := Payout{MarketID: m.market.ID, Participant: m.market.RemainderSink, Remainder: true}
	p.Amount.Set(remainder)
	ev := m.next(domain.EventRemainderSwept, now)
	ev.Participant = m.market.RemainderSink
	ev.Amount.Set(remainder)
	return p, []domain.Event{ev}, nil
}

// outstanding counts participants with a non-zero entitlement who have not
// claimed.
func (m *Machine) outstanding() int {
	rec := m.bridge.Record()
	n := 0
	for _, s := range m.ledger.Stakes() {
		if s.Claimed {
			continue
		}
		share, err := m.accountant.ComputeShare(s.Participant, rec)
		if err == nil && !share.IsZero() {
			n++
		}
	}
	return n
}

// Apply re-executes recorded events in order and checks that each one
// reproduces exactly. It is used to rebuild a machine from storage and to
// catch up a cached machine with events written by another process. Events
// at or below the current sequence are skipped.
func (m *Machine) Apply(events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		if ev.Seq <= m.seq {
			continue
		}
		if ev.Seq != m.seq+1 {
			return fmt.Errorf("settlement: replay %s: seq %d after %d: %w", m.market.ID, ev.Seq, m.seq, domain.ErrVersionConflict)
		}
		produced, err := m.replay(ev)
		if err != nil {
			return fmt.Errorf("settlement: replay %s seq %d (%s): %w", m.market.ID, ev.Seq, ev.Kind, err)
		}
		if len(produced) != 1 || !sameEvent(produced[0], ev) {
			return fmt.Errorf("settlement: replay %s seq %d (%s) diverged: %w", m.market.ID, ev.Seq, ev.Kind, domain.ErrInvariantViolated)
		}
	}
	return nil
}

func (m *Machine) replay(ev domain.Event) ([]domain.Event, error) {
	switch ev.Kind {
	case domain.EventStakePlaced:
		amt := ev.Amount
		return m.placeBet(ev.Participant, ev.Outcome, &amt, ev.At)
	case domain.EventLocked:
		return m.lock(ev.At)
	case domain.EventResolutionRequested:
		return m.requestResolution(ev.At)
	case domain.EventResolutionAccepted, domain.EventResolutionVoided:
		if ev.Answer == nil {
			return nil, fmt.Errorf("%s event without answer", ev.Kind)
		}
		return m.acceptResolution(*ev.Answer, ev.At)
	case domain.EventClaimed:
		_, out, err := m.claim(ev.Participant, ev.At)
		return out, err
	case domain.EventRemainderSwept:
		_, out, err := m.sweepRemainder(ev.At)
		return out, err
	default:
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func sameEvent(a, b domain.Event) bool {
	if a.Seq != b.Seq || a.Kind != b.Kind || a.Participant != b.Participant ||
		a.Outcome != b.Outcome || !a.Amount.Eq(&b.Amount) {
		return false
	}
	if (a.Query == nil) != (b.Query == nil) {
		return false
	}
	return a.Query == nil || a.Query.Equal(*b.Query)
}

// Preview returns what participant would receive if they claimed now.
func (m *Machine) Preview(participant common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Settled() {
		return nil, fmt.Errorf("%w: market is %s", domain.ErrNotResolved, m.status)
	}
	return m.accountant.ComputeShare(participant, m.bridge.Record())
}

// Status returns the recorded status.
func (m *Machine) Status() domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// EffectiveStatus reports Locked for an open market whose deadline has
// passed, even before Lock has been recorded.
func (m *Machine) EffectiveStatus(now time.Time) domain.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == domain.StatusOpen && !now.Before(m.market.Deadline) {
		return domain.StatusLocked
	}
	return m.status
}

// Seq returns the sequence number of the last applied event.
func (m *Machine) Seq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// Market returns the market parameters with the current status and seq.
func (m *Machine) Market() domain.Market {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marketView()
}

func (m *Machine) marketView() domain.Market {
	mk := m.market
	mk.Status = m.status
	mk.Seq = m.seq
	return mk
}

// Stake returns the participant's stake.
func (m *Machine) Stake(participant common.Address) (domain.Stake, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Stake(participant)
}

// PendingQuery returns the query awaiting an oracle answer.
func (m *Machine) PendingQuery() (domain.Query, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bridge.Pending()
}

// Outstanding returns the number of entitled participants yet to claim.
func (m *Machine) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Settled() {
		return 0
	}
	return m.outstanding()
}

// Sweepable reports whether SweepRemainder would move a non-zero remainder.
func (m *Machine) Sweepable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Settled() && !m.swept && m.outstanding() == 0 &&
		m.market.RemainderSink != (common.Address{}) && !m.vault.balance.IsZero()
}

// Finished reports whether the market is settled with nothing left to pay
// out: every entitled participant has claimed and the remainder is swept or
// has nowhere to go.
func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.Settled() || m.outstanding() > 0 {
		return false
	}
	return m.swept || m.vault.balance.IsZero() || m.market.RemainderSink == (common.Address{})
}

// Snapshot returns a consistent copy of the market's state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Market:     m.marketView(),
		Status:     m.status,
		Seq:        m.seq,
		Totals:     m.ledger.Totals(),
		GrandTotal: *m.ledger.GrandTotal(),
		Stakes:     m.ledger.Stakes(),
		Resolution: m.bridge.Record(),
		Custody:    m.vault.balance,
		Paid:       m.vault.paid,
		Swept:      m.swept,
		Halted:     m.guard.Tripped(),
	}
}

// CheckInvariants runs the custody preflight without claiming.
func (m *Machine) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guard.Preflight(m.ledger, &m.vault)
}
