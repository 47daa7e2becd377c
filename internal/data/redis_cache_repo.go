package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCacheRepo implements core.CacheRepository on Redis. The status cache
// uses it to share recently observed analysis snapshots across dashboard
// instances, so every value is an opaque payload with a short TTL.
type RedisCacheRepo struct {
	client redis.UniversalClient
}

// NewRedisCacheRepo wraps an already connected Redis client.
func NewRedisCacheRepo(client redis.UniversalClient) *RedisCacheRepo {
	return &RedisCacheRepo{client: client}
}

// Set stores payload under key. A ttl of zero keeps the entry until it is
// deleted or evicted.
func (r *RedisCacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache key is required")
	}

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Get returns the payload stored under key, or nil without an error when
// the entry is absent or expired. Callers treat a miss as "poll upstream".
func (r *RedisCacheRepo) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}

	return []byte(result), nil
}

// Delete drops the entry under key, reporting whether one existed. The
// status cache deletes entries it can no longer decode.
func (r *RedisCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	result, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache delete %q: %w", key, err)
	}

	return result > 0, nil
}

// Health pings Redis so the readiness endpoint can report cache state.
func (r *RedisCacheRepo) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}
