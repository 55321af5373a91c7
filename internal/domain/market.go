package domain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Asset identifies the token stakes and payouts are denominated in.
// Amounts everywhere are integers in the asset's smallest unit.
type Asset struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Format renders amount in whole units, e.g. 1500000 with 6 decimals -> "1.5".
func (a Asset) Format(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(a.Decimals)).String()
}

// ParseUnits converts a whole-unit decimal string ("1.5") to base units.
// Fractions finer than the asset's precision are rejected.
func (a Asset) ParseUnits(v string) (*uint256.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	scaled := d.Shift(int32(a.Decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s exceeds %d decimals", ErrInvalidAmount, v, a.Decimals)
	}
	if scaled.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be > 0", ErrInvalidAmount)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: overflow", ErrInvalidAmount)
	}
	return out, nil
}

// ParseAmount parses a base-unit decimal integer.
func ParseAmount(v string) (*uint256.Int, error) {
	out, err := uint256.FromDecimal(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, v)
	}
	return out, nil
}

// Identifier is the fixed-size oracle price identifier (bytes32).
type Identifier [32]byte

// IdentifierFromString accepts either 0x-prefixed 32-byte hex or a short
// ASCII name that is right-padded with zeros (formatBytes32String).
func IdentifierFromString(v string) (Identifier, error) {
	var id Identifier
	if strings.HasPrefix(v, "0x") && len(v) == 66 {
		b, err := hex.DecodeString(v[2:])
		if err != nil {
			return id, fmt.Errorf("%w: identifier: %v", ErrInvalidMarket, err)
		}
		copy(id[:], b)
		return id, nil
	}
	if len(v) == 0 || len(v) > 31 {
		return id, fmt.Errorf("%w: identifier must be 1..31 bytes", ErrInvalidMarket)
	}
	copy(id[:], v)
	return id, nil
}

// Hex returns the 0x-prefixed hex form.
func (id Identifier) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

// String returns the ASCII name when the identifier is printable, else hex.
func (id Identifier) String() string {
	trimmed := bytes.TrimRight(id[:], "\x00")
	for _, c := range trimmed {
		if c < 0x20 || c > 0x7e {
			return id.Hex()
		}
	}
	if len(trimmed) == 0 {
		return id.Hex()
	}
	return string(trimmed)
}

// IsZero reports whether the identifier is unset.
func (id Identifier) IsZero() bool { return id == Identifier{} }

// Query is the exact request sent to the oracle. It is fixed by the market's
// identifier and ancillary data plus the timestamp of the request.
type Query struct {
	Identifier Identifier
	Ancillary  []byte
	Timestamp  time.Time
}

// Equal reports whether q and o address the same oracle request.
func (q Query) Equal(o Query) bool {
	return q.Identifier == o.Identifier &&
		bytes.Equal(q.Ancillary, o.Ancillary) &&
		q.Timestamp.Unix() == o.Timestamp.Unix()
}

// AnswerState is what the oracle says about a query.
type AnswerState string

const (
	AnswerPending  AnswerState = "pending"
	AnswerSettled  AnswerState = "settled"
	AnswerDisputed AnswerState = "disputed"
)

// OracleAnswer is an oracle response for a Query. Settled answers carry a
// price (see PriceScale); the signature covers the whole answer.
type OracleAnswer struct {
	Query     Query
	State     AnswerState
	Price     *big.Int
	Signature []byte
}

// Stake is a participant's position in a market.
type Stake struct {
	Participant common.Address
	Outcome     Outcome
	Amount      uint256.Int
	PlacedAt    time.Time
	UpdatedAt   time.Time
	Claimed     bool
	Paid        uint256.Int
}

// ResolutionRecord is written once on request and once on acceptance.
type ResolutionRecord struct {
	RequestedAt *time.Time
	Query       *Query
	Outcome     *Outcome
	Voided      bool
	ResolvedAt  *time.Time
	Answer      *OracleAnswer
}

// Final reports whether an answer has been accepted.
func (r ResolutionRecord) Final() bool {
	return r.ResolvedAt != nil
}

// OracleRef identifies the external resolver.
type OracleRef struct {
	// Address is the key that signs answers.
	Address  common.Address
	Endpoint string
}

// Market is the persisted description of one wager. Everything but Status,
// Seq and UpdatedAt is fixed at creation.
type Market struct {
	ID            string
	Deadline      time.Time
	Oracle        OracleRef
	Identifier    Identifier
	Ancillary     []byte
	Asset         Asset
	Outcomes      OutcomeSet
	RemainderSink common.Address
	CreatedAt     time.Time

	Status    Status
	Seq       uint64
	UpdatedAt time.Time
}

// Validate checks creation parameters.
func (m Market) Validate(now time.Time) error {
	var errs []string
	if m.ID == "" {
		errs = append(errs, "id is required")
	}
	if !m.Deadline.After(now) {
		errs = append(errs, "deadline must be in the future")
	}
	if m.Oracle.Address == (common.Address{}) {
		errs = append(errs, "oracle address is required")
	}
	if m.Identifier.IsZero() {
		errs = append(errs, "query identifier is required")
	}
	if len(m.Ancillary) == 0 {
		errs = append(errs, "ancillary data is required")
	}
	if m.Asset.Address == (common.Address{}) {
		errs = append(errs, "settlement asset is required")
	}
	if m.Outcomes.Len() < 2 || m.Outcomes.Len() > MaxOutcomes {
		errs = append(errs, fmt.Sprintf("need 2..%d outcomes", MaxOutcomes))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidMarket, strings.Join(errs, "; "))
	}
	return nil
}
