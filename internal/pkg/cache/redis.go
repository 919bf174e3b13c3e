// Package cache stores completed saga results for a bounded time so repeated
// reads and idempotent resubmissions do not re-run the saga.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the result store used by the saga coordinator. Set stores strings
// and byte slices as is and JSON-encodes any other value. Get returns an
// empty string and no error on a miss.
type Cache interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GenerateKey(operation, key string) string
}

var _ Cache = (*redisCache)(nil)

type redisCache struct {
	client      redis.UniversalClient
	serviceName string
}

// NewRedisCache connects to a single redis node at addr. Keys are prefixed
// with serviceName.
func NewRedisCache(addr, serviceName string) Cache {
	return NewRedisCacheFromClient(redis.NewClient(&redis.Options{Addr: addr}), serviceName)
}

// NewRedisCacheFromClient wraps an existing client (cluster, sentinel or plain).
func NewRedisCacheFromClient(client redis.UniversalClient, serviceName string) Cache {
	return &redisCache{client: client, serviceName: serviceName}
}

func (r *redisCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s, err := encode(key, value)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, s, ttl).Err(); err != nil {
		return fmt.Errorf("cache: redis set %q: %w", key, err)
	}
	return nil
}

func (r *redisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cache: redis get %q: %w", key, err)
	}
	return val, nil
}

func (r *redisCache) GenerateKey(operation, key string) string {
	return generateKey(r.serviceName, operation, key)
}

// Ping checks connectivity; used at startup.
func Ping(ctx context.Context, c Cache) error {
	rc, ok := c.(*redisCache)
	if !ok {
		return nil
	}
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache: redis ping: %w", err)
	}
	return nil
}

func generateKey(service, operation, key string) string {
	return fmt.Sprintf("%s:%s:%s", service, operation, key)
}

func encode(key string, value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("cache: encode %q: %w", key, err)
	}
	return string(b), nil
}
