package domain

import (
	"fmt"
	"math/big"
	"strings"
)

// MaxOutcomes bounds the size of an outcome enumeration.
const MaxOutcomes = 16

// Outcome is an index into a market's OutcomeSet.
type Outcome uint8

// OutcomeSet is the closed, ordered set of mutually exclusive outcomes a
// market was created with. It never changes after creation.
type OutcomeSet struct {
	Labels []string
}

// BinaryOutcomes returns the NO/YES set used by YES_OR_NO_QUERY markets. A
// YES_OR_NO_QUERY settles at 1e18 for YES and 0 for NO, so NO is index 0 and
// YES is index 1.
func BinaryOutcomes() OutcomeSet {
	return OutcomeSet{Labels: []string{"NO", "YES"}}
}

// NewOutcomeSet validates labels and returns the set.
func NewOutcomeSet(labels []string) (OutcomeSet, error) {
	if len(labels) < 2 || len(labels) > MaxOutcomes {
		return OutcomeSet{}, fmt.Errorf("%w: need 2..%d outcomes, got %d", ErrInvalidMarket, MaxOutcomes, len(labels))
	}
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			return OutcomeSet{}, fmt.Errorf("%w: empty outcome label", ErrInvalidMarket)
		}
		key := strings.ToUpper(l)
		if seen[key] {
			return OutcomeSet{}, fmt.Errorf("%w: duplicate outcome %q", ErrInvalidMarket, l)
		}
		seen[key] = true
		out = append(out, l)
	}
	return OutcomeSet{Labels: out}, nil
}

// Len returns the number of outcomes.
func (s OutcomeSet) Len() int { return len(s.Labels) }

// Contains reports whether o is a member of the set.
func (s OutcomeSet) Contains(o Outcome) bool {
	return int(o) < len(s.Labels)
}

// Label returns the label for o, or a placeholder for unknown indices.
func (s OutcomeSet) Label(o Outcome) string {
	if !s.Contains(o) {
		return fmt.Sprintf("outcome#%d", o)
	}
	return s.Labels[o]
}

// Parse resolves a label (case-insensitive) or a decimal index.
func (s OutcomeSet) Parse(v string) (Outcome, error) {
	v = strings.TrimSpace(v)
	for i, l := range s.Labels {
		if strings.EqualFold(l, v) {
			return Outcome(i), nil
		}
	}
	var idx int
	if _, err := fmt.Sscanf(v, "%d", &idx); err == nil && idx >= 0 && idx < len(s.Labels) {
		return Outcome(idx), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrOutcomeUnknown, v)
}

// PriceScale is the oracle's fixed-point unit. A settled price of i*PriceScale
// resolves to outcome i.
var PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// UnresolvablePrice is the price an optimistic oracle reports when the
// question cannot be answered. It maps to Void.
var UnresolvablePrice = new(big.Int).Div(PriceScale, big.NewInt(2))

// OutcomeFromPrice maps a settled oracle price onto the set. voided is true
// for UnresolvablePrice.
func (s OutcomeSet) OutcomeFromPrice(price *big.Int) (o Outcome, voided bool, err error) {
	if price == nil || price.Sign() < 0 {
		return 0, false, fmt.Errorf("%w: negative or missing price", ErrOutcomeUnknown)
	}
	if price.Cmp(UnresolvablePrice) == 0 {
		return 0, true, nil
	}
	q, r := new(big.Int).QuoRem(price, PriceScale, new(big.Int))
	if r.Sign() != 0 || !q.IsInt64() || q.Int64() >= int64(len(s.Labels)) {
		return 0, false, fmt.Errorf("%w: price %s", ErrOutcomeUnknown, price.String())
	}
	return Outcome(q.Int64()), false, nil
}

// PriceFor is the inverse of OutcomeFromPrice.
func PriceFor(o Outcome) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(o)), PriceScale)
}
