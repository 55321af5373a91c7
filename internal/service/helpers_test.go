package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/cache/memory"
	"github.com/alanyoungcy/oraclepool/internal/crypto"
	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/store/sqlite"
)

const oracleKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	sink  = common.HexToAddress("0x0000000000000000000000000000000000005e1c")
	token = common.HexToAddress("0x0000000000000000000000000000000000007070")

	t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fakeOracle answers pending until answer is set. With strict set it
// answers domain.ErrNotFound for queries it never received.
type fakeOracle struct {
	mu         sync.Mutex
	requests   []domain.Query
	answer     *domain.OracleAnswer
	requestErr error
	strict     bool
}

func (o *fakeOracle) Dial(domain.OracleRef) (domain.Oracle, error) { return o, nil }

func (o *fakeOracle) Request(_ context.Context, q domain.Query) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.requestErr != nil {
		return o.requestErr
	}
	o.requests = append(o.requests, q)
	return nil
}

func (o *fakeOracle) Answer(_ context.Context, q domain.Query) (domain.OracleAnswer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.strict && len(o.requests) == 0 {
		return domain.OracleAnswer{}, fmt.Errorf("oracle: query at %d: %w", q.Timestamp.Unix(), domain.ErrNotFound)
	}
	if o.answer == nil {
		return domain.OracleAnswer{Query: q, State: domain.AnswerPending}, nil
	}
	return *o.answer, nil
}

func (o *fakeOracle) settle(a domain.OracleAnswer) {
	o.mu.Lock()
	o.answer = &a
	o.mu.Unlock()
}

func (o *fakeOracle) failRequests(err error) {
	o.mu.Lock()
	o.requestErr = err
	o.mu.Unlock()
}

// forget drops every received request, as an oracle restart would.
func (o *fakeOracle) forget() {
	o.mu.Lock()
	o.requests = nil
	o.mu.Unlock()
}

func (o *fakeOracle) requestCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

type recordingNotifier struct {
	mu     sync.Mutex
	kinds  []domain.EventKind
	halted []string
}

func (n *recordingNotifier) MarketEvent(_ context.Context, _ domain.Market, ev domain.Event) error {
	n.mu.Lock()
	n.kinds = append(n.kinds, ev.Kind)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Halted(_ context.Context, marketID string, _ error) error {
	n.mu.Lock()
	n.halted = append(n.halted, marketID)
	n.mu.Unlock()
	return nil
}

type harness struct {
	svc      *MarketService
	store    *sqlite.Store
	bus      *memory.SignalBus
	oracle   *fakeOracle
	clock    *testClock
	signer   *crypto.Signer
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	signer, err := crypto.NewSigner(oracleKey)
	require.NoError(t, err)

	h := &harness{
		store:    st,
		bus:      memory.NewSignalBus(),
		oracle:   &fakeOracle{},
		clock:    &testClock{now: t0},
		signer:   signer,
		notifier: &recordingNotifier{},
	}
	h.svc = h.service(st, memory.NewLockManager())
	return h
}

// service builds another MarketService over the same collaborators, as a
// second process would.
func (h *harness) service(store domain.Store, locks domain.LockManager) *MarketService {
	return NewMarketService(store, locks, h.bus, h.oracle, MarketServiceConfig{
		Verifier: crypto.AnswerVerifier{},
		Notifier: h.notifier,
		Clock:    h.clock.Now,
	}, discard())
}

func (h *harness) createMarket(t *testing.T) domain.Market {
	t.Helper()
	ident, err := domain.IdentifierFromString("YES_OR_NO_QUERY")
	require.NoError(t, err)
	m, err := h.svc.Create(context.Background(), CreateMarketParams{
		Deadline:      t0.Add(time.Hour),
		Oracle:        domain.OracleRef{Address: h.signer.Address(), Endpoint: "https://oracle.example"},
		Identifier:    ident,
		Ancillary:     []byte("q: will it rain in Lisbon on 2026-03-01?"),
		Asset:         domain.Asset{Address: token, Symbol: "USDC", Decimals: 6},
		RemainderSink: sink,
	})
	require.NoError(t, err)
	return m
}

func (h *harness) signedAnswer(t *testing.T, q domain.Query, state domain.AnswerState, o domain.Outcome) domain.OracleAnswer {
	t.Helper()
	a := domain.OracleAnswer{Query: q, State: state}
	if state == domain.AnswerSettled {
		a.Price = domain.PriceFor(o)
	}
	sig, err := h.signer.SignAnswer(a)
	require.NoError(t, err)
	a.Signature = sig
	return a
}

// awaiting bets, moves past the deadline and requests resolution.
func (h *harness) awaiting(t *testing.T, id string, bets ...bet) domain.Query {
	t.Helper()
	ctx := context.Background()
	for _, b := range bets {
		_, err := h.svc.PlaceBet(ctx, id, b.who, b.o, amt(b.a))
		require.NoError(t, err)
	}
	h.clock.Set(t0.Add(time.Hour + time.Minute))
	q, err := h.svc.RequestResolution(ctx, id)
	require.NoError(t, err)
	return q
}

type bet struct {
	who common.Address
	o   domain.Outcome
	a   uint64
}

// appendHook runs before once ahead of the first Append, simulating a
// concurrent writer that slipped in between load and commit.
type appendHook struct {
	domain.Store
	once   sync.Once
	before func()
}

func (s *appendHook) Append(ctx context.Context, id string, expectedSeq uint64, status domain.Status, events []domain.Event) error {
	s.once.Do(s.before)
	return s.Store.Append(ctx, id, expectedSeq, status, events)
}
