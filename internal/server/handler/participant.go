package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/server/middleware"
)

// Bet and claim bodies are signed by the participant. market_id binds the
// signature to one market so a body cannot be replayed against another.

type betRequest struct {
	RequestID string `json:"request_id"`
	MarketID  string `json:"market_id"`
	// Outcome is a label or an index.
	Outcome string `json:"outcome"`
	// Exactly one of Amount (whole units, e.g. "1.5") or AmountBase
	// (smallest units) is set.
	Amount     string `json:"amount,omitempty"`
	AmountBase string `json:"amount_base,omitempty"`
}

type claimRequest struct {
	RequestID string `json:"request_id"`
	MarketID  string `json:"market_id"`
}

// PlaceBet records a stake for the signing participant.
// POST /api/markets/{id}/bets
func (h *MarketHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unsigned request")
		return
	}
	id := pathParam(r, "id")

	var req betRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.MarketID != id {
		writeError(w, http.StatusBadRequest, "market_id does not match the path")
		return
	}

	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	outcome, err := m.Outcomes.Parse(req.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	amount, err := parseBetAmount(m.Asset, req)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}

	st, err := h.markets.PlaceBet(r.Context(), id, caller, outcome, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bet", err)
		return
	}
	writeJSON(w, http.StatusOK, newStakeView(m, st))
}

func parseBetAmount(asset domain.Asset, req betRequest) (*uint256.Int, error) {
	switch {
	case req.Amount != "" && req.AmountBase != "":
		return nil, fmt.Errorf("%w: set amount or amount_base, not both", domain.ErrInvalidAmount)
	case req.Amount != "":
		return asset.ParseUnits(req.Amount)
	case req.AmountBase != "":
		return domain.ParseAmount(req.AmountBase)
	default:
		return nil, fmt.Errorf("%w: amount is required", domain.ErrInvalidAmount)
	}
}

// Claim pays the signing participant their share.
// POST /api/markets/{id}/claims
func (h *MarketHandler) Claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unsigned request")
		return
	}
	id := pathParam(r, "id")

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.MarketID != id {
		writeError(w, http.StatusBadRequest, "market_id does not match the path")
		return
	}

	// The asset is fixed at creation; read it before the claim commits.
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	p, err := h.markets.Claim(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, newPayoutView(m, p))
}
