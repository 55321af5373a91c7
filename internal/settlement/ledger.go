package settlement

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Ledger records one stake per participant and keeps per-outcome totals
// current on every write, so TotalFor and GrandTotal are O(1).
//
// A second stake from the same participant on the same outcome is added to
// the existing one; a stake on a different outcome is rejected.
type Ledger struct {
	outcomes domain.OutcomeSet
	stakes   map[common.Address]*domain.Stake
	order    []common.Address
	totals   []uint256.Int
	grand    uint256.Int
}

// NewLedger creates an empty ledger over the given outcome set.
func NewLedger(outcomes domain.OutcomeSet) *Ledger {
	return &Ledger{
		outcomes: outcomes,
		stakes:   make(map[common.Address]*domain.Stake),
		totals:   make([]uint256.Int, outcomes.Len()),
	}
}

// Record appends or merges a stake. The ledger is unchanged on error.
func (l *Ledger) Record(participant common.Address, outcome domain.Outcome, amount *uint256.Int, at time.Time) (domain.Stake, error) {
	if amount == nil || amount.IsZero() {
		return domain.Stake{}, fmt.Errorf("%w: amount must be > 0", domain.ErrInvalidAmount)
	}
	if !l.outcomes.Contains(outcome) {
		return domain.Stake{}, fmt.Errorf("%w: %d", domain.ErrOutcomeUnknown, outcome)
	}
	existing, ok := l.stakes[participant]
	if ok && existing.Outcome != outcome {
		return domain.Stake{}, fmt.Errorf("%w: %s already backs %s",
			domain.ErrConflictingBet, participant.Hex(), l.outcomes.Label(existing.Outcome))
	}

	// Compute every new value before mutating anything.
	grand, overflow := new(uint256.Int).AddOverflow(&l.grand, amount)
	if overflow {
		return domain.Stake{}, fmt.Errorf("%w: pool overflow", domain.ErrInvalidAmount)
	}
	total := new(uint256.Int).Add(&l.totals[outcome], amount)
	var stakeAmt uint256.Int
	if ok {
		stakeAmt.Add(&existing.Amount, amount)
	} else {
		stakeAmt.Set(amount)
	}

	if !ok {
		existing = &domain.Stake{Participant: participant, Outcome: outcome, PlacedAt: at}
		l.stakes[participant] = existing
		l.order = append(l.order, participant)
	}
	existing.Amount = stakeAmt
	existing.UpdatedAt = at
	l.totals[outcome] = *total
	l.grand = *grand
	return *existing, nil
}

// TotalFor returns the aggregate stake on outcome.
func (l *Ledger) TotalFor(outcome domain.Outcome) *uint256.Int {
	if !l.outcomes.Contains(outcome) {
		return new(uint256.Int)
	}
	return l.totals[outcome].Clone()
}

// GrandTotal returns the sum of all stakes.
func (l *Ledger) GrandTotal() *uint256.Int {
	return l.grand.Clone()
}

// Totals returns a copy of the per-outcome totals.
func (l *Ledger) Totals() []uint256.Int {
	out := make([]uint256.Int, len(l.totals))
	copy(out, l.totals)
	return out
}

// Stake returns a copy of the participant's stake.
func (l *Ledger) Stake(participant common.Address) (domain.Stake, bool) {
	s, ok := l.stakes[participant]
	if !ok {
		return domain.Stake{}, false
	}
	return *s, true
}

// Stakes returns copies of all stakes in placement order.
func (l *Ledger) Stakes() []domain.Stake {
	out := make([]domain.Stake, 0, len(l.order))
	for _, p := range l.order {
		out = append(out, *l.stakes[p])
	}
	return out
}

// Len returns the number of participants.
func (l *Ledger) Len() int { return len(l.order) }

// Verify recomputes the totals from the stakes and compares them with the
// incrementally maintained values.
func (l *Ledger) Verify() error {
	if len(l.order) != len(l.stakes) {
		return fmt.Errorf("%w: %d participants indexed, %d stakes", domain.ErrInvariantViolated, len(l.order), len(l.stakes))
	}
	totals := make([]uint256.Int, len(l.totals))
	var grand uint256.Int
	for _, p := range l.order {
		s := l.stakes[p]
		if !l.outcomes.Contains(s.Outcome) {
			return fmt.Errorf("%w: stake on unknown outcome %d", domain.ErrInvariantViolated, s.Outcome)
		}
		totals[s.Outcome].Add(&totals[s.Outcome], &s.Amount)
		grand.Add(&grand, &s.Amount)
	}
	for i := range totals {
		if !totals[i].Eq(&l.totals[i]) {
			return fmt.Errorf("%w: total for %s is %s, stakes sum to %s",
				domain.ErrInvariantViolated, l.outcomes.Label(domain.Outcome(i)), l.totals[i].Dec(), totals[i].Dec())
		}
	}
	if !grand.Eq(&l.grand) {
		return fmt.Errorf("%w: grand total is %s, stakes sum to %s", domain.ErrInvariantViolated, l.grand.Dec(), grand.Dec())
	}
	return nil
}

// markClaimed flags the stake as claimed. Callers must have checked that the
// participant exists and has not claimed.
func (l *Ledger) markClaimed(participant common.Address, paid *uint256.Int) {
	s := l.stakes[participant]
	s.Claimed = true
	s.Paid.Set(paid)
}

func (l *Ledger) unmarkClaimed(participant common.Address) {
	s := l.stakes[participant]
	s.Claimed = false
	s.Paid.Clear()
}
