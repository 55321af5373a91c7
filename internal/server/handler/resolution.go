package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// RequestResolution records and dispatches the oracle request of a market
// past its deadline.
// POST /api/markets/{id}/resolution/request
func (h *MarketHandler) RequestResolution(w http.ResponseWriter, r *http.Request) {
	q, err := h.markets.RequestResolution(r.Context(), pathParam(r, "id"))
	if err != nil && !errors.Is(err, domain.ErrOracleDispatch) {
		writeServiceError(w, r, h.logger, "request resolution", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"query":      newQueryView(q),
		"dispatched": err == nil,
	})
}

// AcceptResolution applies an oracle answer pushed by the caller. The answer
// must carry the oracle's signature; nothing else about the caller matters.
// POST /api/markets/{id}/resolution/accept
func (h *MarketHandler) AcceptResolution(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	answer, err := domain.DecodeAnswer(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := h.markets.AcceptResolution(r.Context(), pathParam(r, "id"), answer)
	if err != nil {
		writeServiceError(w, r, h.logger, "accept resolution", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// PollResolution asks the oracle for its answer now. A pending oracle
// yields 202.
// POST /api/markets/{id}/resolution/poll
func (h *MarketHandler) PollResolution(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.PollResolution(r.Context(), pathParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrOracleUnresolved) {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
			return
		}
		writeServiceError(w, r, h.logger, "poll resolution", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}
