package deliver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	paygate "github.com/agentpay/paygate"
)

// ExecutionStatus is the result of checking the marker store.
type ExecutionStatus int

const (
	// StatusNotExecuted means no marker exists and the caller should
	// proceed (now marked in-flight).
	StatusNotExecuted ExecutionStatus = iota
	// StatusExecuted means the work order already ran; the cached result
	// must be reused instead of repeating the action.
	StatusExecuted
	// StatusInFlight means another invocation is currently executing the
	// same work order.
	StatusInFlight
)

// MarkerStore records which work orders have already been executed so an
// expensive non-idempotent action (a booking, a metered render) is never
// repeated after a crash-and-resume. Implementations must be safe for
// concurrent use. Markers are distinct from the payment idempotency keys
// held in session state.
type MarkerStore interface {
	// CheckAndMark atomically checks the store and marks the key as
	// in-flight when there is neither a cached result nor another
	// invocation running. The done channel must be handed back to
	// Complete or Fail.
	CheckAndMark(key string) (ExecutionStatus, *paygate.DeliveryResult, chan struct{})

	// WaitForResult blocks until the in-flight invocation completes or
	// ctx is cancelled. A nil result means the other invocation failed
	// and the caller may execute.
	WaitForResult(ctx context.Context, key string, done chan struct{}) (*paygate.DeliveryResult, error)

	// Complete caches a successful result and releases waiters.
	Complete(key string, result *paygate.DeliveryResult, done chan struct{})

	// Fail clears the in-flight marker without caching, so the work
	// order may be retried.
	Fail(key string, done chan struct{})
}

// ExecutionKey derives the marker key for one work order in one session.
// The payload is part of the key: a retry with corrected input is a new
// execution, not a replay.
func ExecutionKey(sender, sessionID string, order paygate.WorkOrder) string {
	sum := sha256.Sum256([]byte(sender + "\x00" + sessionID + "\x00" + string(order.Kind) + "\x00" + order.Payload))
	return hex.EncodeToString(sum[:])
}

// MemoryMarkerStore is the in-process MarkerStore.
type MemoryMarkerStore struct {
	mu       sync.Mutex
	results  map[string]*paygate.DeliveryResult
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewMemoryMarkerStore creates a marker store whose cached results expire
// after ttl.
func NewMemoryMarkerStore(ttl time.Duration) *MemoryMarkerStore {
	return &MemoryMarkerStore{
		results:  make(map[string]*paygate.DeliveryResult),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// CheckAndMark implements MarkerStore.
func (s *MemoryMarkerStore) CheckAndMark(key string) (ExecutionStatus, *paygate.DeliveryResult, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, exists := s.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := s.results[key]; ok {
				return StatusExecuted, result, nil
			}
		}
		delete(s.results, key)
		delete(s.expiry, key)
	}

	if done, exists := s.inFlight[key]; exists {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	s.inFlight[key] = done
	return StatusNotExecuted, nil, done
}

// WaitForResult implements MarkerStore.
func (s *MemoryMarkerStore) WaitForResult(ctx context.Context, key string, done chan struct{}) (*paygate.DeliveryResult, error) {
	select {
	case <-done:
		return s.get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *MemoryMarkerStore) get(key string) *paygate.DeliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, exists := s.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(s.results, key)
		delete(s.expiry, key)
		return nil
	}
	return s.results[key]
}

// Complete implements MarkerStore.
func (s *MemoryMarkerStore) Complete(key string, result *paygate.DeliveryResult, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[key] = result
	s.expiry[key] = time.Now().Add(s.ttl)
	delete(s.inFlight, key)
	close(done)

	s.cleanupExpiredLocked()
}

// Fail implements MarkerStore.
func (s *MemoryMarkerStore) Fail(key string, done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, key)
	close(done)
}

func (s *MemoryMarkerStore) cleanupExpiredLocked() {
	now := time.Now()
	for key, expiry := range s.expiry {
		if now.After(expiry) {
			delete(s.results, key)
			delete(s.expiry, key)
		}
	}
}

var _ MarkerStore = (*MemoryMarkerStore)(nil)

// WithMarker wraps an executor so each distinct execution runs at most
// once: repeated invocations return the cached result, and concurrent
// invocations for the same key wait on the first. Failed executions are
// not cached, which leaves retries open to the gate's budget.
func WithMarker(inner Executor, store MarkerStore) Executor {
	return ExecutorFunc(func(ctx context.Context, sender, sessionID string, order paygate.WorkOrder) (paygate.DeliveryResult, error) {
		key := ExecutionKey(sender, sessionID, order)

		status, cached, done := store.CheckAndMark(key)
		switch status {
		case StatusExecuted:
			return *cached, nil
		case StatusInFlight:
			result, err := store.WaitForResult(ctx, key, done)
			if err != nil {
				return paygate.DeliveryResult{Success: false, Err: "delivery interrupted, please retry"}, err
			}
			if result != nil {
				return *result, nil
			}
			// The other invocation failed; fall through and execute.
			return WithMarker(inner, store).Deliver(ctx, sender, sessionID, order)
		}

		result, err := inner.Deliver(ctx, sender, sessionID, order)
		if err != nil || !result.Success {
			store.Fail(key, done)
			return result, err
		}
		store.Complete(key, &result, done)
		return result, nil
	})
}
