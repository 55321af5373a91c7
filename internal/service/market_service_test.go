package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/cache/memory"
	"github.com/alanyoungcy/oraclepool/internal/domain"
)

func TestMarketService_Create(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m := h.createMarket(t)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, domain.StatusOpen, m.Status)
	assert.Equal(t, []string{"NO", "YES"}, m.Outcomes.Labels)

	got, err := h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Deadline, got.Deadline)
	assert.Equal(t, h.signer.Address(), got.Oracle.Address)

	_, err = h.svc.Create(ctx, CreateMarketParams{Deadline: t0.Add(-time.Minute)})
	assert.ErrorIs(t, err, domain.ErrInvalidMarket)

	_, err = h.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	entries, err := h.svc.Audit(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "market.created", entries[0].Event)
}

func TestMarketService_AllowedSigners(t *testing.T) {
	h := newHarness(t)
	h.svc = NewMarketService(h.store, memory.NewLockManager(), h.bus, h.oracle, MarketServiceConfig{
		AllowedSigners: []common.Address{carol},
		Clock:          h.clock.Now,
	}, discard())

	ident, _ := domain.IdentifierFromString("YES_OR_NO_QUERY")
	_, err := h.svc.Create(context.Background(), CreateMarketParams{
		Deadline:   t0.Add(time.Hour),
		Oracle:     domain.OracleRef{Address: h.signer.Address()},
		Identifier: ident,
		Ancillary:  []byte("q"),
		Asset:      domain.Asset{Address: token, Symbol: "USDC", Decimals: 6},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidMarket)
}

func TestMarketService_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)

	_, err := h.svc.RequestResolution(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrTooEarly)

	q := h.awaiting(t, m.ID, bet{alice, 0, 1}, bet{bob, 0, 2}, bet{carol, 1, 4})
	assert.Equal(t, 1, h.oracle.requestCount())
	assert.Equal(t, t0.Add(time.Hour+time.Minute), q.Timestamp)

	_, err = h.svc.PlaceBet(ctx, m.ID, alice, 0, amt(1))
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = h.svc.PollResolution(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrOracleUnresolved)
	assert.Equal(t, domain.ClassOracleTransient, domain.Classify(err))

	h.oracle.settle(h.signedAnswer(t, q, domain.AnswerSettled, 0))
	resolved, err := h.svc.PollResolution(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, resolved.Status)

	preview, err := h.svc.Preview(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "4", preview.Dec())

	p, err := h.svc.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, "2", p.Amount.Dec())

	_, err = h.svc.Claim(ctx, m.ID, alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)

	_, err = h.svc.Claim(ctx, m.ID, carol)
	assert.ErrorIs(t, err, domain.ErrNotAWinner)

	_, err = h.svc.Sweep(ctx, m.ID)
	assert.ErrorIs(t, err, domain.ErrClaimsOutstanding)

	p, err = h.svc.Claim(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "4", p.Amount.Dec())

	p, err = h.svc.Sweep(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, p.Remainder)
	assert.Equal(t, "1", p.Amount.Dec())

	snap, err := h.svc.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, snap.Custody.IsZero())
	assert.Equal(t, "7", snap.Paid.Dec())

	stored, err := h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, stored.Status)
	assert.Equal(t, snap.Seq, stored.Seq)

	var payouts []PayoutInstruction
	msgs, err := h.bus.StreamRead(ctx, PayoutStream, "0", 10)
	require.NoError(t, err)
	for _, msg := range msgs {
		var pi PayoutInstruction
		require.NoError(t, json.Unmarshal(msg.Payload, &pi))
		payouts = append(payouts, pi)
	}
	require.Len(t, payouts, 3)
	assert.Equal(t, alice.Hex(), payouts[0].Participant)
	assert.Equal(t, "2", payouts[0].Amount)
	assert.Equal(t, token.Hex(), payouts[0].Asset)
	assert.Equal(t, sink.Hex(), payouts[2].Participant)
	assert.True(t, payouts[2].Remainder)

	h.notifier.mu.Lock()
	assert.Contains(t, h.notifier.kinds, domain.EventResolutionAccepted)
	assert.Contains(t, h.notifier.kinds, domain.EventClaimed)
	h.notifier.mu.Unlock()
}

func TestMarketService_VoidRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	q := h.awaiting(t, m.ID, bet{alice, 0, 10}, bet{bob, 1, 30})

	_, err := h.svc.AcceptResolution(ctx, m.ID, h.signedAnswer(t, q, domain.AnswerDisputed, 0))
	require.NoError(t, err)

	p, err := h.svc.Claim(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.True(t, p.Refund)
	assert.Equal(t, "30", p.Amount.Dec())

	st, err := h.svc.Statement(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, st.Voided)
	assert.Equal(t, "void", st.Status)
}

func TestMarketService_RejectsForgedAnswer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	q := h.awaiting(t, m.ID, bet{alice, 0, 10})

	a := h.signedAnswer(t, q, domain.AnswerSettled, 0)
	a.Price = domain.PriceFor(1)
	_, err := h.svc.AcceptResolution(ctx, m.ID, a)
	assert.ErrorIs(t, err, domain.ErrAnswerSignature)

	snap, err := h.svc.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingResolution, snap.Status)
}

func TestMarketService_StakeAndPreviewQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)

	_, err := h.svc.PlaceBet(ctx, m.ID, alice, 1, amt(5))
	require.NoError(t, err)
	st, err := h.svc.PlaceBet(ctx, m.ID, alice, 1, amt(7))
	require.NoError(t, err)
	assert.Equal(t, "12", st.Amount.Dec())

	_, err = h.svc.PlaceBet(ctx, m.ID, alice, 0, amt(1))
	assert.ErrorIs(t, err, domain.ErrConflictingBet)

	got, err := h.svc.Stake(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, domain.Outcome(1), got.Outcome)

	_, err = h.svc.Stake(ctx, m.ID, bob)
	assert.ErrorIs(t, err, domain.ErrUnknownParticipant)

	_, err = h.svc.Preview(ctx, m.ID, alice)
	assert.ErrorIs(t, err, domain.ErrNotResolved)

	_, ok, err := h.svc.PendingQuery(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarketService_RestartReplaysLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	q := h.awaiting(t, m.ID, bet{alice, 0, 1}, bet{bob, 0, 2}, bet{carol, 1, 4})
	_, err := h.svc.AcceptResolution(ctx, m.ID, h.signedAnswer(t, q, domain.AnswerSettled, 0))
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, m.ID, alice)
	require.NoError(t, err)

	before, err := h.svc.Snapshot(ctx, m.ID)
	require.NoError(t, err)

	restarted := h.service(h.store, memory.NewLockManager())
	after, err := restarted.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Seq, after.Seq)
	assert.Equal(t, before.Custody, after.Custody)
	require.Len(t, after.Stakes, len(before.Stakes))
	for i := range before.Stakes {
		assert.Equal(t, before.Stakes[i].Participant, after.Stakes[i].Participant)
		assert.Equal(t, before.Stakes[i].Amount, after.Stakes[i].Amount)
		assert.Equal(t, before.Stakes[i].Claimed, after.Stakes[i].Claimed)
	}

	_, err = restarted.Claim(ctx, m.ID, alice)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	p, err := restarted.Claim(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, "4", p.Amount.Dec())
}

func TestMarketService_CatchesUpWithOtherWriters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	other := h.service(h.store, memory.NewLockManager())

	_, err := h.svc.PlaceBet(ctx, m.ID, alice, 0, amt(5))
	require.NoError(t, err)
	_, err = other.PlaceBet(ctx, m.ID, bob, 1, amt(7))
	require.NoError(t, err)
	_, err = h.svc.PlaceBet(ctx, m.ID, carol, 1, amt(1))
	require.NoError(t, err)

	snap, err := other.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), snap.Seq)
	assert.Equal(t, "13", snap.GrandTotal.Dec())
}

func TestMarketService_VersionConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	other := h.service(h.store, memory.NewLockManager())

	racing := h.service(&appendHook{Store: h.store, before: func() {
		_, err := other.PlaceBet(ctx, m.ID, bob, 1, amt(7))
		require.NoError(t, err)
	}}, memory.NewLockManager())

	_, err := racing.PlaceBet(ctx, m.ID, alice, 0, amt(5))
	require.ErrorIs(t, err, domain.ErrVersionConflict)
	assert.Equal(t, domain.ClassState, domain.Classify(err))

	// The losing writer rebuilt from the log and can retry.
	_, err = racing.PlaceBet(ctx, m.ID, alice, 0, amt(5))
	require.NoError(t, err)
	snap, err := racing.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, "12", snap.GrandTotal.Dec())
}

func TestMarketService_ConcurrentClaimsPayOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	q := h.awaiting(t, m.ID, bet{alice, 0, 10}, bet{bob, 1, 10})
	_, err := h.svc.AcceptResolution(ctx, m.ID, h.signedAnswer(t, q, domain.AnswerSettled, 0))
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		paid []uint256.Int
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := h.svc.Claim(ctx, m.ID, alice)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			paid = append(paid, p.Amount)
		}()
	}
	wg.Wait()

	require.Len(t, paid, 1)
	assert.Equal(t, "20", paid[0].Dec())
	for _, err := range errs {
		assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	}

	msgs, err := h.bus.StreamRead(ctx, PayoutStream, "0", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestMarketService_HaltsOnCorruptLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	q := h.awaiting(t, m.ID, bet{alice, 0, 10}, bet{bob, 1, 10})
	_, err := h.svc.AcceptResolution(ctx, m.ID, h.signedAnswer(t, q, domain.AnswerSettled, 0))
	require.NoError(t, err)

	snap, err := h.svc.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	bogus := domain.Event{
		MarketID:    m.ID,
		Seq:         snap.Seq + 1,
		Kind:        domain.EventClaimed,
		At:          h.clock.Now(),
		Participant: alice,
		Amount:      *amt(999),
	}
	require.NoError(t, h.store.Append(ctx, m.ID, snap.Seq, domain.StatusResolved, []domain.Event{bogus}))

	restarted := h.service(h.store, memory.NewLockManager())
	_, err = restarted.Claim(ctx, m.ID, alice)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvariantViolated))
	assert.Equal(t, domain.ClassFatal, domain.Classify(err))

	h.notifier.mu.Lock()
	assert.Equal(t, []string{m.ID}, h.notifier.halted)
	h.notifier.mu.Unlock()

	entries, err := h.svc.Audit(ctx, domain.ListOpts{})
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "market.halted")
}
