package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "paygate:session:"

// RedisStore persists session state in Redis for multi-process
// deployments. Expiry is delegated to Redis key TTLs, refreshed on every
// Put.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. The ttl applies per key.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Get implements Store.
func (r *RedisStore) Get(ctx context.Context, key Key) (*State, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt session state for %s: %w", key, err)
	}
	if state.IdempotencyKeys == nil {
		state.IdempotencyKeys = make(map[string]struct{})
	}
	return &state, nil
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, state *State) error {
	state.UpdatedAt = time.Now()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+state.Key.String(), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKeyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SweepExpired implements Store. Redis expires keys itself, so there is
// nothing to do here.
func (r *RedisStore) SweepExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

var _ Store = (*RedisStore)(nil)
