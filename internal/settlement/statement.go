package settlement

import (
	"errors"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Statement is the payout statement of a market in its JSON form. Amounts
// are base-unit decimal strings.
type Statement struct {
	MarketID   string            `json:"market_id"`
	Status     string            `json:"status"`
	Seq        uint64            `json:"seq"`
	Asset      string            `json:"asset"`
	Decimals   uint8             `json:"decimals"`
	Outcome    string            `json:"outcome,omitempty"`
	Voided     bool              `json:"voided"`
	Refunding  bool              `json:"refunding"`
	GrandTotal string            `json:"grand_total"`
	Totals     map[string]string `json:"totals"`
	Custody    string            `json:"custody"`
	Paid       string            `json:"paid"`
	Swept      bool              `json:"swept"`
	Halted     string            `json:"halted,omitempty"`
	Entries    []StatementEntry  `json:"entries"`
}

// StatementEntry is one participant's line. Entitled is empty until the
// market is resolved.
type StatementEntry struct {
	Participant string `json:"participant"`
	Outcome     string `json:"outcome"`
	Stake       string `json:"stake"`
	Entitled    string `json:"entitled,omitempty"`
	Claimed     bool   `json:"claimed"`
	Paid        string `json:"paid"`
}

// Statement renders the market's current payout statement.
func (m *Machine) Statement() Statement {
	m.mu.Lock()
	defer m.mu.Unlock()

	labels := m.market.Outcomes
	rec := m.bridge.Record()
	st := Statement{
		MarketID:   m.market.ID,
		Status:     m.status.String(),
		Seq:        m.seq,
		Asset:      m.market.Asset.Symbol,
		Decimals:   m.market.Asset.Decimals,
		Voided:     rec.Voided,
		GrandTotal: m.ledger.GrandTotal().Dec(),
		Totals:     make(map[string]string, labels.Len()),
		Custody:    m.vault.balance.Dec(),
		Paid:       m.vault.paid.Dec(),
		Swept:      m.swept,
	}
	if rec.Outcome != nil {
		st.Outcome = labels.Label(*rec.Outcome)
	}
	if rec.Final() {
		st.Refunding = m.accountant.Refunding(rec)
	}
	if err := m.guard.Tripped(); err != nil {
		st.Halted = err.Error()
	}
	for i, total := range m.ledger.Totals() {
		st.Totals[labels.Label(domain.Outcome(i))] = total.Dec()
	}

	for _, s := range m.ledger.Stakes() {
		e := StatementEntry{
			Participant: s.Participant.Hex(),
			Outcome:     labels.Label(s.Outcome),
			Stake:       s.Amount.Dec(),
			Claimed:     s.Claimed,
			Paid:        s.Paid.Dec(),
		}
		if rec.Final() {
			share, err := m.accountant.ComputeShare(s.Participant, rec)
			switch {
			case err == nil:
				e.Entitled = share.Dec()
			case errors.Is(err, domain.ErrNotAWinner):
				e.Entitled = "0"
			}
		}
		st.Entries = append(st.Entries, e)
	}
	return st
}
