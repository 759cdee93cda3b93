package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/hungerhunt/storefront/internal/platform/httpx"
	"github.com/hungerhunt/storefront/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 128
	maxBodySize       = 1 << 20
)

type middlewareConfig struct {
	headerName string
	required   bool
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the header name used to extract the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

// WithRequiredKey rejects guarded requests that carry no key.
func WithRequiredKey() MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.required = true
	}
}

// WithLogger injects the event logger.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// Middleware replays the stored response when a POST, PUT or DELETE repeats an idempotency key
// within the same widget session. Server errors are not stored so the client may retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		logger:     func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodDelete:
			default:
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" {
				if cfg.required {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing idempotency key header", http.StatusBadRequest))
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", "idempotency key too long", http.StatusBadRequest))
				return
			}

			body, err := readAndReplayBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}

			scope := requestctx.WidgetSession(ctx)
			storeKey := sha256Hex([]byte(key + "|" + scope))
			fingerprint := requestFingerprint(r, body)

			reservation, err := store.Reserve(ctx, storeKey, fingerprint)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
					return
				}
				cfg.logger(ctx, "idempotency.reserve_failed", map[string]any{"error": err})
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusInternalServerError))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Response)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			}

			recorder := &responseRecorder{header: make(http.Header)}
			next.ServeHTTP(recorder, r)
			resp := Response{Status: recorder.statusCode(), Headers: recorder.header, Body: recorder.body.Bytes()}

			if resp.Status >= http.StatusInternalServerError {
				_ = store.Release(ctx, storeKey, fingerprint)
			} else if err := store.SaveResponse(ctx, storeKey, fingerprint, resp); err != nil {
				cfg.logger(ctx, "idempotency.save_failed", map[string]any{"error": err})
				_ = store.Release(ctx, storeKey, fingerprint)
			}
			writeResponse(w, resp)
		})
	}
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requestFingerprint(r *http.Request, body []byte) string {
	return sha256Hex([]byte(strings.Join([]string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		sha256Hex(body),
	}, "|")))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeStoredResponse(w http.ResponseWriter, resp Response) {
	w.Header().Set(replayHeaderName, "true")
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	dst := w.Header()
	for key, values := range resp.Headers {
		dst[key] = append([]string(nil), values...)
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}

type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) Header() http.Header {
	return r.header
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
