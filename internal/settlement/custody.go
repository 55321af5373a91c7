package settlement

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// vault holds the market's pooled funds. Only Machine.Claim and
// Machine.SweepRemainder debit it.
type vault struct {
	balance uint256.Int
	paid    uint256.Int
}

func (v *vault) credit(amount *uint256.Int) {
	v.balance.Add(&v.balance, amount)
}

func (v *vault) debit(amount *uint256.Int) error {
	if amount.Gt(&v.balance) {
		return fmt.Errorf("%w: debit %s exceeds custody %s", domain.ErrInvariantViolated, amount.Dec(), v.balance.Dec())
	}
	v.balance.Sub(&v.balance, amount)
	v.paid.Add(&v.paid, amount)
	return nil
}
