// Package oracle is the HTTP client for the external resolution oracle.
package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Client talks to one oracle endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates an oracle client.
//
// baseURL is the oracle API root, e.g. "https://oracle.example.com".
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type requestBody struct {
	Identifier string `json:"identifier"`
	Ancillary  string `json:"ancillary"`
	Timestamp  int64  `json:"timestamp"`
}

type answerBody struct {
	State     string `json:"state"`
	Price     string `json:"price"`
	Signature string `json:"signature"`
}

// Request submits q. The oracle treats repeated submissions of the same
// query as one request, so callers may retry freely.
func (c *Client) Request(ctx context.Context, q domain.Query) error {
	body, err := json.Marshal(requestBody{
		Identifier: q.Identifier.Hex(),
		Ancillary:  "0x" + hex.EncodeToString(q.Ancillary),
		Timestamp:  q.Timestamp.Unix(),
	})
	if err != nil {
		return fmt.Errorf("oracle: encode request: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/requests", body); err != nil {
		return fmt.Errorf("oracle: request %s@%d: %w", q.Identifier, q.Timestamp.Unix(), err)
	}
	return nil
}

// Answer fetches the oracle's current view of q.
func (c *Client) Answer(ctx context.Context, q domain.Query) (domain.OracleAnswer, error) {
	params := url.Values{}
	params.Set("ancillary", "0x"+hex.EncodeToString(q.Ancillary))
	params.Set("timestamp", strconv.FormatInt(q.Timestamp.Unix(), 10))
	path := "/v1/requests/" + url.PathEscape(q.Identifier.Hex()) + "?" + params.Encode()

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OracleAnswer{}, fmt.Errorf("oracle: answer %s@%d: %w", q.Identifier, q.Timestamp.Unix(), err)
	}
	var ab answerBody
	if err := json.Unmarshal(body, &ab); err != nil {
		return domain.OracleAnswer{}, fmt.Errorf("oracle: decode answer: %w", err)
	}

	a := domain.OracleAnswer{Query: q, State: domain.AnswerState(ab.State)}
	if ab.Price != "" {
		p, ok := new(big.Int).SetString(ab.Price, 10)
		if !ok {
			return domain.OracleAnswer{}, fmt.Errorf("oracle: invalid price %q", ab.Price)
		}
		a.Price = p
	}
	if ab.Signature != "" {
		sig, err := hex.DecodeString(strings.TrimPrefix(ab.Signature, "0x"))
		if err != nil {
			return domain.OracleAnswer{}, fmt.Errorf("oracle: invalid signature: %w", err)
		}
		a.Signature = sig
	}
	return a, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

// Pool hands out one Client per endpoint. Markets without an endpoint use
// the default.
type Pool struct {
	defaultURL string
	apiKey     string
	timeout    time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a Pool.
func NewPool(defaultURL, apiKey string, timeout time.Duration) *Pool {
	return &Pool{defaultURL: defaultURL, apiKey: apiKey, timeout: timeout, clients: make(map[string]*Client)}
}

// Dial implements domain.OracleDialer.
func (p *Pool) Dial(ref domain.OracleRef) (domain.Oracle, error) {
	endpoint := ref.Endpoint
	if endpoint == "" {
		endpoint = p.defaultURL
	}
	if endpoint == "" {
		return nil, fmt.Errorf("oracle: no endpoint for %s", ref.Address.Hex())
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("oracle: invalid endpoint %q", endpoint)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[endpoint]
	if !ok {
		c = NewClient(endpoint, p.apiKey, p.timeout)
		p.clients[endpoint] = c
	}
	return c, nil
}
