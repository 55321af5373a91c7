package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/cache/memory"
	"github.com/alanyoungcy/oraclepool/internal/domain"
)

type recordingArchiver struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingArchiver) ArchiveMarket(_ context.Context, id string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return true, nil
}

func TestKeeper_ResolvesAndClosesOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	for _, b := range []bet{{alice, 0, 1}, {bob, 0, 2}, {carol, 1, 4}} {
		_, err := h.svc.PlaceBet(ctx, m.ID, b.who, b.o, amt(b.a))
		require.NoError(t, err)
	}

	archiver := &recordingArchiver{}
	k := NewKeeper(h.svc, h.store, archiver, memory.NewRateLimiter(), time.Minute, 10, discard())

	// Before the deadline nothing happens.
	require.NoError(t, k.Tick(ctx))
	assert.Zero(t, h.oracle.requestCount())

	h.clock.Set(m.Deadline.Add(time.Second))
	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())
	got, err := h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingResolution, got.Status)

	// Oracle still pending: the keeper polls without re-requesting.
	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())

	q, ok, err := h.svc.PendingQuery(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	h.oracle.settle(h.signedAnswer(t, q, domain.AnswerSettled, 0))
	require.NoError(t, k.Tick(ctx))

	got, err = h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
	assert.Empty(t, archiver.ids, "winners have not claimed yet")

	_, err = h.svc.Claim(ctx, m.ID, alice)
	require.NoError(t, err)
	_, err = h.svc.Claim(ctx, m.ID, bob)
	require.NoError(t, err)

	require.NoError(t, k.Tick(ctx))
	snap, err := h.svc.Snapshot(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, snap.Swept)
	assert.True(t, snap.Custody.IsZero())
	assert.Equal(t, []string{m.ID}, archiver.ids)

	require.NoError(t, k.Tick(ctx))
	assert.Len(t, archiver.ids, 1)
}

func TestKeeper_RedispatchesAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	_, err := h.svc.PlaceBet(ctx, m.ID, alice, 0, amt(10))
	require.NoError(t, err)

	// The request is recorded but never reaches the oracle.
	h.oracle.failRequests(errors.New("connection refused"))
	h.clock.Set(m.Deadline.Add(time.Second))
	q, err := h.svc.RequestResolution(ctx, m.ID)
	require.ErrorIs(t, err, domain.ErrOracleDispatch)
	assert.False(t, q.Timestamp.IsZero(), "the recorded query is still returned")
	assert.Zero(t, h.oracle.requestCount())

	h.oracle.failRequests(nil)

	restarted := h.service(h.store, memory.NewLockManager())
	k := NewKeeper(restarted, h.store, nil, nil, time.Minute, 10, discard())
	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())

	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())
}

func TestKeeper_RetriesFailedDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.createMarket(t)
	_, err := h.svc.PlaceBet(ctx, m.ID, alice, 1, amt(10))
	require.NoError(t, err)

	k := NewKeeper(h.svc, h.store, nil, nil, time.Minute, 10, discard())
	h.oracle.failRequests(errors.New("connection refused"))
	h.clock.Set(m.Deadline.Add(time.Second))
	require.NoError(t, k.Tick(ctx))

	got, err := h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAwaitingResolution, got.Status)
	assert.Zero(t, h.oracle.requestCount())

	h.oracle.failRequests(nil)
	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())

	q, ok, err := h.svc.PendingQuery(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, ok)
	h.oracle.settle(h.signedAnswer(t, q, domain.AnswerSettled, 1))
	require.NoError(t, k.Tick(ctx))
	got, err = h.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResolved, got.Status)
}

func TestKeeper_RedispatchesUnknownQuery(t *testing.T) {
	h := newHarness(t)
	h.oracle.strict = true
	ctx := context.Background()
	m := h.createMarket(t)
	_, err := h.svc.PlaceBet(ctx, m.ID, alice, 1, amt(10))
	require.NoError(t, err)

	k := NewKeeper(h.svc, h.store, nil, nil, time.Minute, 10, discard())
	h.clock.Set(m.Deadline.Add(time.Second))
	require.NoError(t, k.Tick(ctx))
	require.Equal(t, 1, h.oracle.requestCount())

	// The oracle loses the request; the next poll finds nothing and the
	// tick after that sends it again.
	h.oracle.forget()
	require.NoError(t, k.Tick(ctx))
	assert.Zero(t, h.oracle.requestCount())
	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())

	require.NoError(t, k.Tick(ctx))
	assert.Equal(t, 1, h.oracle.requestCount())
}

func TestKeeper_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	k := NewKeeper(h.svc, h.store, nil, nil, time.Hour, 10, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("keeper did not stop")
	}
}
