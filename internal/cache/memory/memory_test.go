package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestLockManager(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	lm := NewLockManager()
	lm.clock = clk.Now
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "market:1", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "market:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	other, err := lm.Acquire(ctx, "market:2", time.Minute)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "market:1", time.Minute)
	require.NoError(t, err)

	// After expiry a new holder takes over and the stale unlock is a no-op.
	clk.now = clk.now.Add(2 * time.Minute)
	third, err := lm.Acquire(ctx, "market:1", time.Minute)
	require.NoError(t, err)
	again()
	_, err = lm.Acquire(ctx, "market:1", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	third()
}

func TestDeduper(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	d := NewDeduper()
	d.clock = clk.Now
	ctx := context.Background()

	seen, err := d.Seen(ctx, "req-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = d.Seen(ctx, "req-1", time.Hour)
	assert.True(t, seen)

	clk.now = clk.now.Add(2 * time.Hour)
	seen, _ = d.Seen(ctx, "req-1", time.Hour)
	assert.False(t, seen)
}

func TestSignalBus_PubSub(t *testing.T) {
	bus := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())

	all, err := bus.Subscribe(ctx, "market:*")
	require.NoError(t, err)
	one, err := bus.Subscribe(ctx, "market:abc")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "market:abc", []byte("x")))
	require.NoError(t, bus.Publish(ctx, "market:def", []byte("y")))

	assert.Equal(t, []byte("x"), <-all)
	assert.Equal(t, []byte("y"), <-all)
	assert.Equal(t, []byte("x"), <-one)
	assert.Empty(t, one)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-all
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestSignalBus_Streams(t *testing.T) {
	bus := NewSignalBus()
	ctx := context.Background()

	msgs, err := bus.StreamRead(ctx, "payouts", "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, "payouts", []byte(p)))
	}

	first, err := bus.StreamRead(ctx, "payouts", "0-0", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, []byte("a"), first[0].Payload)

	rest, err := bus.StreamRead(ctx, "payouts", first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("c"), rest[0].Payload)

	_, err = bus.StreamRead(ctx, "payouts", "bogus", 1)
	assert.Error(t, err)
}

func TestRateLimiter(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.clock = clk.Now
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "ip", 3, time.Minute)
	assert.False(t, ok)
	ok, _ = rl.Allow(ctx, "other", 3, time.Minute)
	assert.True(t, ok)

	clk.now = clk.now.Add(61 * time.Second)
	ok, _ = rl.Allow(ctx, "ip", 3, time.Minute)
	assert.True(t, ok)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Error(t, rl.Wait(cctx, "ip"))
}
