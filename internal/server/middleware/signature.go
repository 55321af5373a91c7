package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/oraclepool/internal/crypto"
	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// SignatureHeader carries the participant's EIP-191 signature over the raw
// request body.
const SignatureHeader = "X-Signature"

type callerKey struct{}

// Caller returns the participant address recovered by Signed.
func Caller(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// WithCaller returns ctx carrying addr as the signing participant.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// SignedConfig configures Signed.
type SignedConfig struct {
	Deduper      domain.Deduper
	RequestTTL   time.Duration
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type signedEnvelope struct {
	RequestID string `json:"request_id"`
}

// Signed authenticates requests that act for a participant. The body must be
// JSON with a non-empty request_id and be signed in the X-Signature header;
// the recovered address becomes the caller. A request id is accepted once
// per signer within RequestTTL.
func Signed(cfg SignedConfig) func(http.Handler) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 24 * time.Hour
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeError(w, http.StatusBadRequest, "unreadable request body")
				return
			}

			sig := r.Header.Get(SignatureHeader)
			if strings.TrimSpace(sig) == "" {
				writeError(w, http.StatusUnauthorized, "missing "+SignatureHeader+" header")
				return
			}
			caller, err := crypto.RecoverRequestSigner(body, sig)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid request signature")
				return
			}

			var env signedEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				writeError(w, http.StatusBadRequest, "body must be a JSON object")
				return
			}
			if strings.TrimSpace(env.RequestID) == "" {
				writeError(w, http.StatusBadRequest, "request_id is required")
				return
			}

			if cfg.Deduper != nil {
				seen, err := cfg.Deduper.Seen(r.Context(), "req:"+caller.Hex()+":"+env.RequestID, cfg.RequestTTL)
				if err != nil {
					if cfg.Logger != nil {
						cfg.Logger.ErrorContext(r.Context(), "request dedup failed",
							slog.String("caller", caller.Hex()),
							slog.String("error", err.Error()),
						)
					}
					writeError(w, http.StatusServiceUnavailable, "request dedup unavailable")
					return
				}
				if seen {
					writeError(w, http.StatusConflict, "duplicate request_id")
					return
				}
			}

			if lw, ok := w.(*responseWriter); ok {
				lw.caller = caller.Hex()
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}
