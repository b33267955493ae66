/*Package kv provides the external TTL cache used by the control plane.

The cache holds idempotency records, bootstrap response envelopes and the
shadow read cache. It is a performance optimization only: the postgres
store remains authoritative, and every caller must treat cache errors as
non-fatal.
*/
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// KV is a TTL key/value store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisKV is the redis implementation of KV.
type RedisKV struct {
	c *redis.Client
}

// NewRedisKV returns a redis-backed KV for the given client.
func NewRedisKV(c *redis.Client) *RedisKV { return &RedisKV{c: c} }

// Open connects to redis and verifies the connection with a ping.
func Open(addr, password string, db int) (*RedisKV, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := c.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisKV{c: c}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.c.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrMiss
		}
		return nil, err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// Close closes the underlying redis connection.
func (r *RedisKV) Close() error { return r.c.Close() }
