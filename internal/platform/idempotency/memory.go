package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultMemoryCapacity = 8192

type memoryRecord struct {
	fingerprint string
	completed   bool
	response    Response
}

// MemoryStore keeps records in a bounded LRU. Records expire after the configured TTL.
type MemoryStore struct {
	mu      sync.Mutex
	records *expirable.LRU[string, memoryRecord]
}

// NewMemoryStore constructs a store holding up to capacity keys for ttl.
func NewMemoryStore(capacity int, ttl time.Duration) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{records: expirable.NewLRU[string, memoryRecord](capacity, nil, ttl)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records.Get(key)
	if !ok {
		s.records.Add(key, memoryRecord{fingerprint: fingerprint})
		return Reservation{State: ReservationStateNew}, nil
	}
	if record.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if record.completed {
		return Reservation{State: ReservationStateCompleted, Response: record.response}, nil
	}
	return Reservation{State: ReservationStatePending}, nil
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record, ok := s.records.Peek(key); ok && record.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records.Add(key, memoryRecord{
		fingerprint: fingerprint,
		completed:   true,
		response: Response{
			Status:  resp.Status,
			Headers: sanitizeHeaders(resp.Headers),
			Body:    append([]byte(nil), resp.Body...),
		},
	})
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.records.Peek(key); ok && record.fingerprint == fingerprint {
		s.records.Remove(key)
	}
	return nil
}
