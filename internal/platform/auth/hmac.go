package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hungerhunt/storefront/internal/platform/httpx"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultClockSkew       = 5 * time.Minute
	maxWebhookBody         = 1 << 20
	replayCacheSize        = 4096
)

// ErrSecretRequired is returned when the verifier is built without a shared secret.
var ErrSecretRequired = errors.New("auth: webhook secret is required")

// WebhookVerifier checks HMAC-SHA256 signatures on gateway webhooks. The signed message is
// METHOD\nPATH\nTIMESTAMP\nhex(sha256(body)). A signature is accepted once within the skew window.
type WebhookVerifier struct {
	secret          []byte
	signatureHeader string
	timestampHeader string
	clockSkew       time.Duration
	now             func() time.Time
	logger          func(ctx context.Context, event string, fields map[string]any)
	seen            *expirable.LRU[string, struct{}]
}

// WebhookOption customises the verifier.
type WebhookOption func(*WebhookVerifier)

// WithHeaders overrides the signature and timestamp header names.
func WithHeaders(signature, timestamp string) WebhookOption {
	return func(v *WebhookVerifier) {
		if s := strings.TrimSpace(signature); s != "" {
			v.signatureHeader = s
		}
		if ts := strings.TrimSpace(timestamp); ts != "" {
			v.timestampHeader = ts
		}
	}
}

// WithClockSkew adjusts the accepted timestamp skew.
func WithClockSkew(d time.Duration) WebhookOption {
	return func(v *WebhookVerifier) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithClock injects a custom clock, primarily for tests.
func WithClock(now func() time.Time) WebhookOption {
	return func(v *WebhookVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLogger sets the verifier's event logger.
func WithLogger(logger func(ctx context.Context, event string, fields map[string]any)) WebhookOption {
	return func(v *WebhookVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewWebhookVerifier builds a verifier for the shared secret.
func NewWebhookVerifier(secret string, opts ...WebhookOption) (*WebhookVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrSecretRequired
	}
	v := &WebhookVerifier{
		secret:          []byte(secret),
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		clockSkew:       defaultClockSkew,
		now:             time.Now,
		logger:          func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	v.seen = expirable.NewLRU[string, struct{}](replayCacheSize, nil, 2*v.clockSkew)
	return v, nil
}

// Require rejects requests without a valid, fresh signature. The body is restored for next.
func (v *WebhookVerifier) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reject := func(status int, code, message string) {
			v.logger(ctx, "webhook.signature_rejected", map[string]any{"reason": code, "path": r.URL.Path})
			httpx.WriteError(ctx, w, httpx.NewError(code, message, status))
		}

		signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
		if signatureValue == "" {
			reject(http.StatusUnauthorized, "signature_missing", "signature header missing")
			return
		}
		timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
		timestamp, err := parseSignatureTimestamp(timestampValue)
		if err != nil {
			reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp missing or invalid")
			return
		}
		if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
			reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
			return
		}

		body, err := readAndRestoreBody(r)
		if err != nil {
			reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
			return
		}
		signature, err := decodeSignature(signatureValue)
		if err != nil {
			reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
			return
		}
		expected := Sign(v.secret, r.Method, r.URL.EscapedPath(), timestampValue, body)
		if !hmac.Equal(signature, expected) {
			reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
			return
		}

		replayKey := hex.EncodeToString(signature)
		if v.seen.Contains(replayKey) {
			reject(http.StatusConflict, "signature_replay", "webhook already processed")
			return
		}
		v.seen.Add(replayKey, struct{}{})

		next.ServeHTTP(w, r)
	})
}

// Sign computes the raw HMAC for a request. Senders hex or base64 encode it into the signature header.
func Sign(secret []byte, method, path, timestamp string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	message := strings.Join([]string{strings.ToUpper(method), path, timestamp, hex.EncodeToString(hash[:])}, "\n")
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(message))
	return mac.Sum(nil)
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxWebhookBody {
		return nil, errors.New("auth: webhook body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded sha256")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}
