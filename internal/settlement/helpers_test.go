package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

var (
	alice      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob        = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol      = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	dave       = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	sink       = common.HexToAddress("0x0000000000000000000000000000000000005e1c")
	oracleAddr = common.HexToAddress("0x00000000000000000000000000000000000000ac")
	tokenAddr  = common.HexToAddress("0x0000000000000000000000000000000000007070")

	t0       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deadline = t0.Add(time.Hour)
)

func amt(v uint64) *uint256.Int { return uint256.NewInt(v) }

func testMarket(outcomes domain.OutcomeSet) domain.Market {
	id, _ := domain.IdentifierFromString("YES_OR_NO_QUERY")
	return domain.Market{
		ID:            "mkt-1",
		Deadline:      deadline,
		Oracle:        domain.OracleRef{Address: oracleAddr},
		Identifier:    id,
		Ancillary:     []byte("q: will it rain in Lisbon on 2026-03-01?"),
		Asset:         domain.Asset{Address: tokenAddr, Symbol: "USDC", Decimals: 6},
		Outcomes:      outcomes,
		RemainderSink: sink,
		CreatedAt:     t0,
	}
}

func threeOutcomes(t *testing.T) domain.OutcomeSet {
	t.Helper()
	set, err := domain.NewOutcomeSet([]string{"LOW", "MID", "HIGH"})
	require.NoError(t, err)
	return set
}

type stubVerifier struct{ err error }

func (s stubVerifier) VerifyAnswer(domain.OracleAnswer, common.Address) error { return s.err }

var errBadSig = errors.New("recovered signer mismatch")

func settledAnswer(q domain.Query, o domain.Outcome) domain.OracleAnswer {
	return domain.OracleAnswer{Query: q, State: domain.AnswerSettled, Price: domain.PriceFor(o), Signature: []byte{1}}
}

type bet struct {
	who common.Address
	o   domain.Outcome
	a   uint64
}

// awaiting places bets and requests resolution at the deadline.
func awaiting(t *testing.T, m *Machine, bets ...bet) domain.Query {
	t.Helper()
	for _, b := range bets {
		_, err := m.PlaceBet(b.who, b.o, amt(b.a), t0)
		require.NoError(t, err)
	}
	_, err := m.RequestResolution(deadline)
	require.NoError(t, err)
	q, ok := m.PendingQuery()
	require.True(t, ok)
	return q
}
