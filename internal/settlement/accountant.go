package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Accountant derives payouts from the ledger once an outcome is final.
//
// Winners receive floor(stake * grandTotal / totalFor(winner)). The division
// remainder stays in custody; it is always smaller than the number of
// winning participants. A void resolution, or one where nobody backed the
// winning outcome, refunds every stake in full.
type Accountant struct {
	ledger *Ledger
}

// NewAccountant creates an Accountant over ledger.
func NewAccountant(ledger *Ledger) *Accountant {
	return &Accountant{ledger: ledger}
}

// Refunding reports whether rec settles by refunding every stake.
func (a *Accountant) Refunding(rec domain.ResolutionRecord) bool {
	if rec.Voided {
		return true
	}
	return rec.Outcome != nil && a.ledger.TotalFor(*rec.Outcome).IsZero()
}

// ComputeShare returns the participant's payout under rec. Losers get a zero
// payout together with ErrNotAWinner.
func (a *Accountant) ComputeShare(participant common.Address, rec domain.ResolutionRecord) (*uint256.Int, error) {
	if !rec.Final() || (!rec.Voided && rec.Outcome == nil) {
		return nil, domain.ErrNotResolved
	}
	stake, ok := a.ledger.Stake(participant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownParticipant, participant.Hex())
	}
	if a.Refunding(rec) {
		return stake.Amount.Clone(), nil
	}
	if stake.Outcome != *rec.Outcome {
		return new(uint256.Int), domain.ErrNotAWinner
	}
	winning := a.ledger.TotalFor(*rec.Outcome)
	payout, overflow := new(uint256.Int).MulDivOverflow(&stake.Amount, a.ledger.GrandTotal(), winning)
	if overflow || payout.Gt(a.ledger.GrandTotal()) {
		return nil, fmt.Errorf("%w: payout exceeds pool", domain.ErrInvariantViolated)
	}
	return payout, nil
}

// Winners returns the number of participants entitled to a non-refund payout.
func (a *Accountant) Winners(rec domain.ResolutionRecord) int {
	if !rec.Final() || a.Refunding(rec) || rec.Outcome == nil {
		return 0
	}
	n := 0
	for _, s := range a.ledger.Stakes() {
		if s.Outcome == *rec.Outcome {
			n++
		}
	}
	return n
}

// Remainder returns grandTotal minus the sum of every payout under rec.
func (a *Accountant) Remainder(rec domain.ResolutionRecord) (*uint256.Int, error) {
	if !rec.Final() {
		return nil, domain.ErrNotResolved
	}
	var paid uint256.Int
	for _, s := range a.ledger.Stakes() {
		share, err := a.ComputeShare(s.Participant, rec)
		if err != nil && !errors.Is(err, domain.ErrNotAWinner) {
			return nil, err
		}
		paid.Add(&paid, share)
	}
	grand := a.ledger.GrandTotal()
	if paid.Gt(grand) {
		return nil, fmt.Errorf("%w: payouts %s exceed pool %s", domain.ErrInvariantViolated, paid.Dec(), grand.Dec())
	}
	return grand.Sub(grand, &paid), nil
}
