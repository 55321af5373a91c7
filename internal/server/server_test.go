package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/oraclepool/internal/cache/memory"
	"github.com/alanyoungcy/oraclepool/internal/crypto"
	"github.com/alanyoungcy/oraclepool/internal/domain"
	"github.com/alanyoungcy/oraclepool/internal/server"
	"github.com/alanyoungcy/oraclepool/internal/server/handler"
	"github.com/alanyoungcy/oraclepool/internal/service"
	"github.com/alanyoungcy/oraclepool/internal/settlement"
	"github.com/alanyoungcy/oraclepool/internal/store/sqlite"
)

const apiKey = "test-operator-key"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// pendingOracle never settles. Request fails once failRequests is called.
type pendingOracle struct {
	mu         sync.Mutex
	requestErr error
}

func (o *pendingOracle) Dial(domain.OracleRef) (domain.Oracle, error) { return o, nil }

func (o *pendingOracle) Request(context.Context, domain.Query) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requestErr
}

func (o *pendingOracle) failRequests(err error) {
	o.mu.Lock()
	o.requestErr = err
	o.mu.Unlock()
}

func (*pendingOracle) Answer(_ context.Context, q domain.Query) (domain.OracleAnswer, error) {
	return domain.OracleAnswer{Query: q, State: domain.AnswerPending}, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type testServer struct {
	srv      *httptest.Server
	svc      *service.MarketService
	clock    *testClock
	upstream *pendingOracle
	oracle   *crypto.Signer
	alice    *crypto.Signer
}

func newTestServer(t *testing.T) *testServer {
	return newWrappedServer(t, nil)
}

// newWrappedServer serves the market API through wrap(svc) when wrap is set.
func newWrappedServer(t *testing.T, wrap func(handler.MarketService) handler.MarketService) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{now: t0}
	upstream := &pendingOracle{}
	svc := service.NewMarketService(st, memory.NewLockManager(), memory.NewSignalBus(), upstream,
		service.MarketServiceConfig{
			Verifier: crypto.AnswerVerifier{},
			Clock:    clock.Now,
		}, logger)

	var markets handler.MarketService = svc
	if wrap != nil {
		markets = wrap(svc)
	}

	s := server.NewServer(server.Config{APIKey: apiKey, RequestTTL: time.Hour},
		server.Handlers{
			Health:  handler.NewHealthHandler("server", t0),
			Markets: handler.NewMarketHandler(markets, "https://oracle.example", logger),
		},
		server.Deps{Limiter: memory.NewRateLimiter(), Deduper: memory.NewDeduper()},
		nil, logger)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testServer{
		srv:      ts,
		svc:      svc,
		clock:    clock,
		upstream: upstream,
		oracle:   newSigner(t),
		alice:    newSigner(t),
	}
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewSignerFromKey(pk)
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func (ts *testServer) createMarket(t *testing.T, id string) {
	t.Helper()
	body := fmt.Sprintf(`{
		"id": %q,
		"deadline": %q,
		"oracle": {"address": %q},
		"identifier": "YES_OR_NO_QUERY",
		"ancillary": "q: will the vote pass?",
		"asset": {"address": "0x0000000000000000000000000000000000007070", "symbol": "USDC", "decimals": 6}
	}`, id, t0.Add(time.Hour).Format(time.RFC3339), ts.oracle.Address().Hex())

	status, out := ts.do(t, http.MethodPost, "/api/markets", []byte(body), http.Header{"X-API-Key": {apiKey}})
	require.Equal(t, http.StatusCreated, status, out)
}

func (ts *testServer) signed(t *testing.T, s *crypto.Signer, body string) ([]byte, http.Header) {
	t.Helper()
	sig, err := s.SignRequest([]byte(body))
	require.NoError(t, err)
	return []byte(body), http.Header{"X-Signature": {sig}}
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	status, out := ts.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])

	status, out = ts.do(t, http.MethodGet, "/api/status", nil, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "server", out["mode"])
}

func TestServer_CreateRequiresAPIKey(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, http.MethodPost, "/api/markets", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodPost, "/api/markets", []byte(`{}`), http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := ts.do(t, http.MethodPost, "/api/markets", []byte(`{"identifier":"YES_OR_NO_QUERY"}`), http.Header{"Authorization": {"Bearer " + apiKey}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "input", out["class"])
}

func TestServer_SignedBet(t *testing.T) {
	ts := newTestServer(t)
	ts.createMarket(t, "m-1")

	body, hdr := ts.signed(t, ts.alice, `{"request_id":"r-1","market_id":"m-1","outcome":"YES","amount":"2.5"}`)
	status, out := ts.do(t, http.MethodPost, "/api/markets/m-1/bets", body, hdr)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, ts.alice.Address().Hex(), out["participant"])
	assert.Equal(t, "YES", out["outcome"])
	stake := out["stake"].(map[string]any)
	assert.Equal(t, "2500000", stake["amount"])

	// Same request id again is a replay.
	status, _ = ts.do(t, http.MethodPost, "/api/markets/m-1/bets", body, hdr)
	assert.Equal(t, http.StatusConflict, status)

	status, out = ts.do(t, http.MethodGet, "/api/markets/m-1/stakes/"+ts.alice.Address().Hex(), nil, nil)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "2500000", out["stake"].(map[string]any)["amount"])

	status, out = ts.do(t, http.MethodGet, "/api/markets/m-1", nil, nil)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "2500000", out["grand_total"].(map[string]any)["amount"])
	assert.Equal(t, "2500000", out["custody"].(map[string]any)["amount"])
	assert.EqualValues(t, 1, out["stakes"])

	status, out = ts.do(t, http.MethodGet, "/api/markets", nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["markets"], 1)
}

func TestServer_SignatureChecks(t *testing.T) {
	ts := newTestServer(t)
	ts.createMarket(t, "m-1")

	body := []byte(`{"request_id":"r-1","market_id":"m-1","outcome":"YES","amount":"1"}`)
	status, _ := ts.do(t, http.MethodPost, "/api/markets/m-1/bets", body, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = ts.do(t, http.MethodPost, "/api/markets/m-1/bets", body, http.Header{"X-Signature": {"0xdeadbeef"}})
	assert.Equal(t, http.StatusUnauthorized, status)

	// A signature over another body recovers to some other address.
	_, hdr := ts.signed(t, ts.alice, `{"request_id":"r-2","market_id":"m-1","outcome":"NO","amount":"1"}`)
	status, out := ts.do(t, http.MethodPost, "/api/markets/m-1/bets", body, hdr)
	require.Equal(t, http.StatusOK, status, out)
	assert.NotEqual(t, ts.alice.Address().Hex(), out["participant"])

	noID, hdr := ts.signed(t, ts.alice, `{"market_id":"m-1","outcome":"YES","amount":"1"}`)
	status, _ = ts.do(t, http.MethodPost, "/api/markets/m-1/bets", noID, hdr)
	assert.Equal(t, http.StatusBadRequest, status)

	other, hdr := ts.signed(t, ts.alice, `{"request_id":"r-3","market_id":"m-2","outcome":"YES","amount":"1"}`)
	status, _ = ts.do(t, http.MethodPost, "/api/markets/m-1/bets", other, hdr)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServer_LifecycleErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.createMarket(t, "m-1")

	status, out := ts.do(t, http.MethodPost, "/api/markets/m-1/lock", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "state", out["class"])

	body, hdr := ts.signed(t, ts.alice, `{"request_id":"c-1","market_id":"m-1"}`)
	status, _ = ts.do(t, http.MethodPost, "/api/markets/m-1/claims", body, hdr)
	assert.Equal(t, http.StatusConflict, status)

	status, out = ts.do(t, http.MethodGet, "/api/markets/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", out["class"])

	status, _ = ts.do(t, http.MethodGet, "/api/markets/m-1/stakes/not-an-address", nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

// resolve moves m-1 past its deadline and pushes a signed answer for label.
func (ts *testServer) resolve(t *testing.T, label string) {
	t.Helper()
	ts.clock.Set(t0.Add(time.Hour + time.Minute))
	status, out := ts.do(t, http.MethodPost, "/api/markets/m-1/resolution/request", nil, nil)
	require.Equal(t, http.StatusAccepted, status, out)

	q, ok, err := ts.svc.PendingQuery(context.Background(), "m-1")
	require.NoError(t, err)
	require.True(t, ok)
	winner, err := domain.BinaryOutcomes().Parse(label)
	require.NoError(t, err)
	a := domain.OracleAnswer{Query: q, State: domain.AnswerSettled, Price: domain.PriceFor(winner)}
	a.Signature, err = ts.oracle.SignAnswer(a)
	require.NoError(t, err)
	raw, err := domain.EncodeAnswer(a)
	require.NoError(t, err)

	status, out = ts.do(t, http.MethodPost, "/api/markets/m-1/resolution/accept", raw, nil)
	require.Equal(t, http.StatusOK, status, out)
	require.Equal(t, "resolved", out["status"])
}

func TestServer_RequestResolutionUndelivered(t *testing.T) {
	ts := newTestServer(t)
	ts.createMarket(t, "m-1")
	ts.upstream.failRequests(errors.New("connection refused"))
	ts.clock.Set(t0.Add(time.Hour + time.Minute))

	status, out := ts.do(t, http.MethodPost, "/api/markets/m-1/resolution/request", nil, nil)
	require.Equal(t, http.StatusAccepted, status, out)
	assert.Equal(t, false, out["dispatched"])
	assert.NotNil(t, out["query"])

	status, out = ts.do(t, http.MethodGet, "/api/markets/m-1", nil, nil)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, "awaiting_resolution", out["status"])

	status, out = ts.do(t, http.MethodPost, "/api/markets/m-1/resolution/request", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "state", out["class"])
}

// readAfterClaim fails every Get once a claim has committed.
type readAfterClaim struct {
	handler.MarketService
	claimed atomic.Bool
}

func (r *readAfterClaim) Get(ctx context.Context, id string) (domain.Market, error) {
	if r.claimed.Load() {
		return domain.Market{}, errors.New("store unavailable")
	}
	return r.MarketService.Get(ctx, id)
}

func (r *readAfterClaim) Claim(ctx context.Context, id string, caller common.Address) (settlement.Payout, error) {
	p, err := r.MarketService.Claim(ctx, id, caller)
	if err == nil {
		r.claimed.Store(true)
	}
	return p, err
}

func TestServer_ClaimReportsCommittedPayout(t *testing.T) {
	reads := &readAfterClaim{}
	ts := newWrappedServer(t, func(svc handler.MarketService) handler.MarketService {
		reads.MarketService = svc
		return reads
	})
	ts.createMarket(t, "m-1")

	body, hdr := ts.signed(t, ts.alice, `{"request_id":"r-1","market_id":"m-1","outcome":"YES","amount":"2.5"}`)
	status, out := ts.do(t, http.MethodPost, "/api/markets/m-1/bets", body, hdr)
	require.Equal(t, http.StatusOK, status, out)

	ts.resolve(t, "YES")

	body, hdr = ts.signed(t, ts.alice, `{"request_id":"c-1","market_id":"m-1"}`)
	status, out = ts.do(t, http.MethodPost, "/api/markets/m-1/claims", body, hdr)
	require.Equal(t, http.StatusOK, status, out)
	assert.Equal(t, ts.alice.Address().Hex(), out["participant"])
	assert.Equal(t, "2500000", out["payout"].(map[string]any)["amount"])
	assert.Equal(t, false, out["refund"])
	assert.True(t, reads.claimed.Load())
}
