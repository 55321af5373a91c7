package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleMarket(id string, created time.Time) domain.Market {
	ident, _ := domain.IdentifierFromString("YES_OR_NO_QUERY")
	return domain.Market{
		ID:            id,
		Deadline:      t0.Add(time.Hour),
		Oracle:        domain.OracleRef{Address: common.HexToAddress("0x00000000000000000000000000000000000000ac"), Endpoint: "https://oracle.example"},
		Identifier:    ident,
		Ancillary:     []byte("q: rain?"),
		Asset:         domain.Asset{Address: common.HexToAddress("0x0000000000000000000000000000000000007070"), Symbol: "USDC", Decimals: 6},
		Outcomes:      domain.BinaryOutcomes(),
		RemainderSink: common.HexToAddress("0x0000000000000000000000000000000000005e1c"),
		CreatedAt:     created,
	}
}

func stakeEvent(id string, seq uint64, amount uint64) domain.Event {
	return domain.Event{
		MarketID:    id,
		Seq:         seq,
		Kind:        domain.EventStakePlaced,
		At:          t0.Add(time.Duration(seq) * time.Minute),
		Participant: alice,
		Outcome:     0,
		Amount:      *uint256.NewInt(amount),
	}
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	m := sampleMarket("m-1", t0)

	require.NoError(t, s.Create(ctx, m))
	assert.ErrorIs(t, s.Create(ctx, m), domain.ErrAlreadyExists)

	got, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.True(t, m.Deadline.Equal(got.Deadline))
	assert.Equal(t, m.Oracle, got.Oracle)
	assert.Equal(t, m.Identifier, got.Identifier)
	assert.Equal(t, m.Ancillary, got.Ancillary)
	assert.Equal(t, m.Asset, got.Asset)
	assert.Equal(t, m.Outcomes, got.Outcomes)
	assert.Equal(t, m.RemainderSink, got.RemainderSink)
	assert.Equal(t, domain.StatusOpen, got.Status)
	assert.Zero(t, got.Seq)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_AppendAndLoad(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, sampleMarket("m-1", t0)))

	first := []domain.Event{stakeEvent("m-1", 1, 100), stakeEvent("m-1", 2, 50)}
	require.NoError(t, s.Append(ctx, "m-1", 0, domain.StatusOpen, first))

	// A writer that read seq 0 lost the race.
	err := s.Append(ctx, "m-1", 0, domain.StatusOpen, []domain.Event{stakeEvent("m-1", 1, 7)})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	// Event seqs must continue from expectedSeq.
	err = s.Append(ctx, "m-1", 2, domain.StatusOpen, []domain.Event{stakeEvent("m-1", 4, 7)})
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	locked := domain.Event{MarketID: "m-1", Seq: 3, Kind: domain.EventLocked, At: t0.Add(time.Hour)}
	require.NoError(t, s.Append(ctx, "m-1", 2, domain.StatusLocked, []domain.Event{locked}))

	all, err := s.Load(ctx, "m-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, uint64(100), all[0].Amount.Uint64())
	assert.Equal(t, alice, all[1].Participant)
	assert.Equal(t, domain.EventLocked, all[2].Kind)

	tail, err := s.Load(ctx, "m-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, uint64(3), tail[0].Seq)

	m, err := s.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Seq)
	assert.Equal(t, domain.StatusLocked, m.Status)
	assert.True(t, m.UpdatedAt.Equal(t0.Add(time.Hour)))

	assert.ErrorIs(t, s.Append(ctx, "missing", 0, domain.StatusOpen, []domain.Event{stakeEvent("missing", 1, 1)}), domain.ErrNotFound)
	assert.NoError(t, s.Append(ctx, "m-1", 99, domain.StatusOpen, nil))
}

func TestStore_ListAndListByStatus(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, sampleMarket(id, t0.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.Append(ctx, "b", 0, domain.StatusLocked,
		[]domain.Event{{MarketID: "b", Seq: 1, Kind: domain.EventLocked, At: t0}}))

	all, err := s.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	page, err := s.List(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ID)

	since := t0.Add(time.Minute)
	recent, err := s.List(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	open, err := s.ListByStatus(ctx, domain.StatusOpen, domain.StatusAwaitingResolution)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	locked, err := s.ListByStatus(ctx, domain.StatusLocked)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, "b", locked[0].ID)

	none, err := s.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_Audit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, "market_created", map[string]any{"market_id": "m-1"}))
	require.NoError(t, s.Log(ctx, "claim_paid", map[string]any{"market_id": "m-1", "amount": "400"}))

	entries, err := s.ListAudit(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "claim_paid", entries[0].Event)
	assert.Equal(t, "400", entries[0].Detail["amount"])

	one, err := s.ListAudit(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}
