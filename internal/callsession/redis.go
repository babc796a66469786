package callsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces session keys.
const DefaultKeyPrefix = "callrelay:session:"

// RedisClient is the subset of [redis.UniversalClient] used by [RedisStore].
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore persists sessions as JSON under a key prefix with a TTL equal
// to the retention window. Every Put refreshes the TTL.
type RedisStore struct {
	client    RedisClient
	prefix    string
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore. Empty prefix and non-positive retention
// fall back to the defaults.
func NewRedisStore(client RedisClient, prefix string, retention time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, prefix: prefix, retention: retention}
}

func (r *RedisStore) key(callID string) string { return r.prefix + callID }

// Put implements [Store].
func (r *RedisStore) Put(ctx context.Context, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("callsession: encode %q: %w", s.CallID, err)
	}
	if err := r.client.Set(ctx, r.key(s.CallID), data, r.retention).Err(); err != nil {
		return fmt.Errorf("callsession: redis set %q: %w", s.CallID, err)
	}
	return nil
}

// Get implements [Store].
func (r *RedisStore) Get(ctx context.Context, callID string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("callsession: redis get %q: %w", callID, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("callsession: decode %q: %w", callID, err)
	}
	return &s, nil
}

// Delete implements [Store].
func (r *RedisStore) Delete(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, r.key(callID)).Err(); err != nil {
		return fmt.Errorf("callsession: redis del %q: %w", callID, err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
