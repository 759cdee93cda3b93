package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL is how long completed responses are replayable.
const DefaultTTL = 10 * time.Minute

// ReservationState describes the outcome of reserving a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should run the handler.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another request is still processing the key.
	ReservationStatePending
)

// Response is the captured HTTP response replayed for duplicate requests.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Reservation is the result of Reserve. Response is set only for completed keys.
type Reservation struct {
	State    ReservationState
	Response Response
}

// Store keeps reservations and captured responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response) error
	Release(ctx context.Context, key, fingerprint string) error
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

func sanitizeHeaders(header http.Header) http.Header {
	filtered := make(http.Header, len(header))
	for name, values := range header {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "keep-alive", "transfer-encoding", "trailer", "upgrade":
			continue
		}
		filtered[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	return filtered
}
