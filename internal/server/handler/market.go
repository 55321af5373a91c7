package handler

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/service"
	"github.com/alanyoungcy/oraclepool/internal/settlement"
)

// MarketService defines the methods the handlers require from the service
// layer.
type MarketService interface {
	Create(ctx context.Context, p service.CreateMarketParams) (domain.Market, error)
	Get(ctx context.Context, id string) (domain.Market, error)
	List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	Snapshot(ctx context.Context, id string) (settlement.Snapshot, error)
	Statement(ctx context.Context, id string) (settlement.Statement, error)
	Stake(ctx context.Context, id string, participant common.Address) (domain.Stake, error)
	Preview(ctx context.Context, id string, participant common.Address) (*uint256.Int, error)
	PlaceBet(ctx context.Context, id string, caller common.Address, outcome domain.Outcome, amount *uint256.Int) (domain.Stake, error)
	Lock(ctx context.Context, id string) (domain.Market, error)
	RequestResolution(ctx context.Context, id string) (domain.Query, error)
	AcceptResolution(ctx context.Context, id string, answer domain.OracleAnswer) (domain.Market, error)
	PollResolution(ctx context.Context, id string) (domain.Market, error)
	Claim(ctx context.Context, id string, caller common.Address) (settlement.Payout, error)
	Sweep(ctx context.Context, id string) (settlement.Payout, error)
	Audit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// MarketHandler serves market endpoints.
type MarketHandler struct {
	markets MarketService
	oracle  string
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. defaultOracleEndpoint is used for
// markets created without one.
func NewMarketHandler(markets MarketService, defaultOracleEndpoint string, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		oracle:  defaultOracleEndpoint,
		logger:  logger.With(slog.String("handler", "market")),
	}
}

type createMarketRequest struct {
	ID       string    `json:"id"`
	Deadline time.Time `json:"deadline"`
	Oracle   struct {
		Address  string `json:"address"`
		Endpoint string `json:"endpoint"`
	} `json:"oracle"`
	Identifier string `json:"identifier"`
	// Ancillary is UTF-8 text, or 0x-prefixed hex for binary payloads.
	Ancillary string `json:"ancillary"`
	Asset     struct {
		Address  string `json:"address"`
		Symbol   string `json:"symbol"`
		Decimals uint8  `json:"decimals"`
	} `json:"asset"`
	Outcomes      []string `json:"outcomes"`
	RemainderSink string   `json:"remainder_sink"`
}

func (req createMarketRequest) params(defaultEndpoint string) (service.CreateMarketParams, error) {
	var p service.CreateMarketParams
	var errs []string
	addr := func(field, v string, required bool) common.Address {
		if v == "" && !required {
			return common.Address{}
		}
		if !common.IsHexAddress(v) {
			errs = append(errs, field+" must be a hex address")
			return common.Address{}
		}
		return common.HexToAddress(v)
	}

	p.ID = strings.TrimSpace(req.ID)
	p.Deadline = req.Deadline
	p.Oracle.Address = addr("oracle.address", req.Oracle.Address, true)
	p.Oracle.Endpoint = req.Oracle.Endpoint
	if p.Oracle.Endpoint == "" {
		p.Oracle.Endpoint = defaultEndpoint
	}
	p.Asset = domain.Asset{
		Address:  addr("asset.address", req.Asset.Address, true),
		Symbol:   req.Asset.Symbol,
		Decimals: req.Asset.Decimals,
	}
	p.RemainderSink = addr("remainder_sink", req.RemainderSink, false)

	id, err := domain.IdentifierFromString(req.Identifier)
	if err != nil {
		errs = append(errs, err.Error())
	}
	p.Identifier = id

	if strings.HasPrefix(req.Ancillary, "0x") {
		raw, err := hex.DecodeString(req.Ancillary[2:])
		if err != nil {
			errs = append(errs, "ancillary: bad hex")
		}
		p.Ancillary = raw
	} else {
		p.Ancillary = []byte(req.Ancillary)
	}

	if len(req.Outcomes) > 0 {
		set, err := domain.NewOutcomeSet(req.Outcomes)
		if err != nil {
			errs = append(errs, err.Error())
		}
		p.Outcomes = set
	}

	if len(errs) > 0 {
		return p, fmt.Errorf("%w: %s", domain.ErrInvalidMarket, strings.Join(errs, "; "))
	}
	return p, nil
}

// CreateMarket creates a market.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	p, err := req.params(h.oracle)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	m, err := h.markets.Create(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, newMarketView(m))
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []marketView `json:"markets"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
}

// ListMarkets returns markets, newest first.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	markets, err := h.markets.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	views := make([]marketView, 0, len(markets))
	for _, m := range markets {
		views = append(views, newMarketView(m))
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: views,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a market with its pool totals and resolution record.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	snap, err := h.markets.Snapshot(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, newSnapshotView(snap))
}

// GetStatement returns the per-participant payout statement.
// GET /api/markets/{id}/statement
func (h *MarketHandler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.markets.Statement(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get statement", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetStake returns one participant's stake.
// GET /api/markets/{id}/stakes/{participant}
func (h *MarketHandler) GetStake(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	participant, ok := pathAddress(r, "participant")
	if !ok {
		writeError(w, http.StatusBadRequest, "participant must be a hex address")
		return
	}
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get stake", err)
		return
	}
	st, err := h.markets.Stake(r.Context(), id, participant)
	if err != nil {
		writeServiceError(w, r, h.logger, "get stake", err)
		return
	}
	writeJSON(w, http.StatusOK, newStakeView(m, st))
}

// PreviewPayout returns what a participant would receive by claiming now.
// GET /api/markets/{id}/preview/{participant}
func (h *MarketHandler) PreviewPayout(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	participant, ok := pathAddress(r, "participant")
	if !ok {
		writeError(w, http.StatusBadRequest, "participant must be a hex address")
		return
	}
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "preview payout", err)
		return
	}
	amount, err := h.markets.Preview(r.Context(), id, participant)
	if err != nil {
		writeServiceError(w, r, h.logger, "preview payout", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":   id,
		"participant": participant.Hex(),
		"payout":      newAmount(m.Asset, amount),
	})
}

// Lock closes betting on a market past its deadline.
// POST /api/markets/{id}/lock
func (h *MarketHandler) Lock(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.Lock(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "lock market", err)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(m))
}

// Sweep moves the rounding remainder to the market's sink.
// POST /api/markets/{id}/sweep
func (h *MarketHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	p, err := h.markets.Sweep(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "sweep remainder", err)
		return
	}
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "sweep remainder", err)
		return
	}
	writeJSON(w, http.StatusOK, newPayoutView(m, p))
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListAudit returns audit log entries.
// GET /api/audit?since=2026-01-01T00:00:00Z
func (h *MarketHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.markets.Audit(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt.UTC()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
