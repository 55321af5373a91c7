package handler

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/settlement"
)

// Amounts are rendered twice: "amount" in base units as a decimal string and
// "display" in whole units of the asset.

type amountView struct {
	Amount  string `json:"amount"`
	Display string `json:"display"`
}

func newAmount(a domain.Asset, v *uint256.Int) amountView {
	return amountView{Amount: v.Dec(), Display: a.Format(v)}
}

type oracleView struct {
	Address  string `json:"address"`
	Endpoint string `json:"endpoint,omitempty"`
}

type assetView struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type marketView struct {
	ID             string     `json:"id"`
	Status         string     `json:"status"`
	Seq            uint64     `json:"seq"`
	Deadline       time.Time  `json:"deadline"`
	Oracle         oracleView `json:"oracle"`
	Identifier     string     `json:"identifier"`
	IdentifierText string     `json:"identifier_text"`
	Ancillary      string     `json:"ancillary"`
	Asset          assetView  `json:"asset"`
	Outcomes       []string   `json:"outcomes"`
	RemainderSink  string     `json:"remainder_sink,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func newMarketView(m domain.Market) marketView {
	v := marketView{
		ID:             m.ID,
		Status:         m.Status.String(),
		Seq:            m.Seq,
		Deadline:       m.Deadline.UTC(),
		Oracle:         oracleView{Address: m.Oracle.Address.Hex(), Endpoint: m.Oracle.Endpoint},
		Identifier:     m.Identifier.Hex(),
		IdentifierText: m.Identifier.String(),
		Ancillary:      string(m.Ancillary),
		Asset:          assetView{Address: m.Asset.Address.Hex(), Symbol: m.Asset.Symbol, Decimals: m.Asset.Decimals},
		Outcomes:       m.Outcomes.Labels,
		CreatedAt:      m.CreatedAt.UTC(),
		UpdatedAt:      m.UpdatedAt.UTC(),
	}
	if m.RemainderSink != (common.Address{}) {
		v.RemainderSink = m.RemainderSink.Hex()
	}
	return v
}

type stakeView struct {
	Participant string     `json:"participant"`
	Outcome     string     `json:"outcome"`
	Stake       amountView `json:"stake"`
	Claimed     bool       `json:"claimed"`
	Paid        amountView `json:"paid"`
	PlacedAt    time.Time  `json:"placed_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func newStakeView(m domain.Market, s domain.Stake) stakeView {
	return stakeView{
		Participant: s.Participant.Hex(),
		Outcome:     m.Outcomes.Label(s.Outcome),
		Stake:       newAmount(m.Asset, &s.Amount),
		Claimed:     s.Claimed,
		Paid:        newAmount(m.Asset, &s.Paid),
		PlacedAt:    s.PlacedAt.UTC(),
		UpdatedAt:   s.UpdatedAt.UTC(),
	}
}

type queryView struct {
	Identifier string    `json:"identifier"`
	Ancillary  string    `json:"ancillary"`
	Timestamp  time.Time `json:"timestamp"`
}

func newQueryView(q domain.Query) *queryView {
	return &queryView{
		Identifier: q.Identifier.Hex(),
		Ancillary:  string(q.Ancillary),
		Timestamp:  q.Timestamp.UTC(),
	}
}

type resolutionView struct {
	RequestedAt *time.Time `json:"requested_at,omitempty"`
	Query       *queryView `json:"query,omitempty"`
	Outcome     string     `json:"outcome,omitempty"`
	Voided      bool       `json:"voided"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// snapshotView is the full state of a market as served by GET /markets/{id}.
type snapshotView struct {
	marketView
	Totals     map[string]amountView `json:"totals"`
	GrandTotal amountView            `json:"grand_total"`
	Custody    amountView            `json:"custody"`
	Paid       amountView            `json:"paid"`
	Swept      bool                  `json:"swept"`
	Resolution resolutionView        `json:"resolution"`
	Halted     string                `json:"halted,omitempty"`
	Stakes     int                   `json:"stakes"`
}

func newSnapshotView(s settlement.Snapshot) snapshotView {
	m := s.Market
	v := snapshotView{
		marketView: newMarketView(m),
		Totals:     make(map[string]amountView, len(s.Totals)),
		GrandTotal: newAmount(m.Asset, &s.GrandTotal),
		Custody:    newAmount(m.Asset, &s.Custody),
		Paid:       newAmount(m.Asset, &s.Paid),
		Swept:      s.Swept,
		Stakes:     len(s.Stakes),
		Resolution: resolutionView{
			RequestedAt: s.Resolution.RequestedAt,
			Voided:      s.Resolution.Voided,
			ResolvedAt:  s.Resolution.ResolvedAt,
		},
	}
	for i := range s.Totals {
		v.Totals[m.Outcomes.Label(domain.Outcome(i))] = newAmount(m.Asset, &s.Totals[i])
	}
	if s.Resolution.Query != nil {
		v.Resolution.Query = newQueryView(*s.Resolution.Query)
	}
	if s.Resolution.Outcome != nil {
		v.Resolution.Outcome = m.Outcomes.Label(*s.Resolution.Outcome)
	}
	if s.Halted != nil {
		v.Halted = s.Halted.Error()
	}
	return v
}

type payoutView struct {
	MarketID    string     `json:"market_id"`
	Participant string     `json:"participant"`
	Payout      amountView `json:"payout"`
	Refund      bool       `json:"refund"`
	Remainder   bool       `json:"remainder"`
}

func newPayoutView(m domain.Market, p settlement.Payout) payoutView {
	return payoutView{
		MarketID:    p.MarketID,
		Participant: p.Participant.Hex(),
		Payout:      newAmount(m.Asset, &p.Amount),
		Refund:      p.Refund,
		Remainder:   p.Remainder,
	}
}
