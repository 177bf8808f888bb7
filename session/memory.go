package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps session state in process memory. Suitable for
// single-instance agents; use RedisStore when state must be shared across
// processes.
type MemoryStore struct {
	mu     sync.Mutex
	states map[Key]*State
	ttl    time.Duration
}

// NewMemoryStore creates a memory store whose entries expire ttl after
// their last Put.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		states: make(map[Key]*State),
		ttl:    ttl,
	}
}

// Get implements Store. The returned state is a deep copy.
func (m *MemoryStore) Get(_ context.Context, key Key) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[key]
	if !ok {
		return nil, ErrNotFound
	}
	if m.ttl > 0 && time.Since(state.UpdatedAt) > m.ttl {
		delete(m.states, key)
		return nil, ErrNotFound
	}
	return cloneState(state), nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneState(state)
	clone.UpdatedAt = time.Now()
	state.UpdatedAt = clone.UpdatedAt
	m.states[state.Key] = clone
	return nil
}

// Delete implements Store. Deleting a missing key is a no-op.
func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}

// SweepExpired implements Store.
func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	if m.ttl <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for key, state := range m.states {
		if now.Sub(state.UpdatedAt) > m.ttl {
			delete(m.states, key)
			dropped++
		}
	}
	return dropped, nil
}

// StartSweeper runs SweepExpired on the interval until ctx is cancelled.
// onSweep, if non-nil, is called with the number of dropped entries.
func StartSweeper(ctx context.Context, store Store, interval time.Duration, onSweep func(dropped int)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				dropped, err := store.SweepExpired(ctx, now)
				if err == nil && onSweep != nil {
					onSweep(dropped)
				}
			}
		}
	}()
}

// cloneState deep-copies via JSON. State is small and sweeps are rare, so
// the simplicity wins over hand-written copying.
func cloneState(state *State) *State {
	data, err := json.Marshal(state)
	if err != nil {
		// State is plain data; marshal cannot fail on it.
		panic(err)
	}
	var clone State
	if err := json.Unmarshal(data, &clone); err != nil {
		panic(err)
	}
	if clone.IdempotencyKeys == nil {
		clone.IdempotencyKeys = make(map[string]struct{})
	}
	return &clone
}

var _ Store = (*MemoryStore)(nil)
