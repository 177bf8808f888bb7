package session

import (
	"context"
	"time"
)

// Store persists session state keyed by (sender, session id).
// Implementations must be safe for concurrent use. Get returns a copy the
// caller may mutate freely; changes are visible only after Put.
//
// The interface supports both in-memory and distributed backends (Redis)
// for single-instance and clustered deployments.
type Store interface {
	Get(ctx context.Context, key Key) (*State, error)
	Put(ctx context.Context, state *State) error
	Delete(ctx context.Context, key Key) error

	// SweepExpired removes entries not touched within the store's TTL
	// and returns how many were dropped.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}
