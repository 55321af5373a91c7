package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Guard checks caller identity and the deadline, and halts claims once
// custody disagrees with the ledger. A tripped guard never resets.
type Guard struct {
	tripped error
}

// CheckNonZero rejects the zero address. Stakes and payouts are always keyed
// by the authenticated caller, so no operation can name another participant.
func (g *Guard) CheckNonZero(caller common.Address) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: zero address", domain.ErrUnauthorizedCaller)
	}
	return nil
}

// CheckDeadline fails with ErrTooEarly before deadline.
func (g *Guard) CheckDeadline(now, deadline time.Time) error {
	if now.Before(deadline) {
		return fmt.Errorf("%w: deadline is %s", domain.ErrTooEarly, deadline.UTC().Format(time.RFC3339))
	}
	return nil
}

// Preflight verifies ledger totals and that custody holds exactly what has
// not been paid out. A failure trips the breaker.
func (g *Guard) Preflight(l *Ledger, v *vault) error {
	if g.tripped != nil {
		return g.tripped
	}
	if err := l.Verify(); err != nil {
		return g.trip(err)
	}
	expected, underflow := new(uint256.Int).SubOverflow(l.GrandTotal(), &v.paid)
	if underflow {
		return g.trip(fmt.Errorf("%w: paid %s exceeds pool %s", domain.ErrInvariantViolated, v.paid.Dec(), l.GrandTotal().Dec()))
	}
	if !expected.Eq(&v.balance) {
		return g.trip(fmt.Errorf("%w: custody %s, expected %s", domain.ErrInvariantViolated, v.balance.Dec(), expected.Dec()))
	}
	return nil
}

func (g *Guard) trip(err error) error {
	if !errors.Is(err, domain.ErrInvariantViolated) {
		err = fmt.Errorf("%w: %v", domain.ErrInvariantViolated, err)
	}
	g.tripped = err
	return err
}

// Tripped returns the error that halted claims, or nil.
func (g *Guard) Tripped() error { return g.tripped }
