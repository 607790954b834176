// Package statecache implements the control-state cache (an LRU with
// per-entry TTL) that sits in front of live Core reads, plus an optional
// Redis-backed distributed layer for multi-instance bridge deployments.
package statecache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend lets several bridge instances behind a load balancer share
// one control-state cache, so a write applied through instance A is visible
// to a read served by instance B without waiting for either instance's
// local cache to expire. It is optional — Cache works standalone without
// one configured.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisBackend dials addr and verifies connectivity with a ping.
func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("statecache: redis backend connected", "addr", addr, "db", db)
	return &RedisBackend{rdb: rdb, prefix: "qrc:control:"}, nil
}

// Close shuts down the underlying client.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

func (b *RedisBackend) key(name string) string {
	return b.prefix + name
}

// Set writes an entry with the given TTL. ttl of zero means no expiry.
func (b *RedisBackend) Set(ctx context.Context, name string, entry Entry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry %s: %w", name, err)
	}
	return b.rdb.Set(ctx, b.key(name), payload, ttl).Err()
}

// Get returns the cached entry, or ok=false if absent or expired.
func (b *RedisBackend) Get(ctx context.Context, name string) (Entry, bool, error) {
	val, err := b.rdb.Get(ctx, b.key(name)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", name, err)
	}
	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal cache entry %s: %w", name, err)
	}
	return entry, true, nil
}

// Del removes one or more entries.
func (b *RedisBackend) Del(ctx context.Context, names ...string) error {
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = b.key(n)
	}
	return b.rdb.Del(ctx, keys...).Err()
}

// PublishInvalidation broadcasts an invalidation notice to other bridge
// instances sharing this backend.
func (b *RedisBackend) PublishInvalidation(ctx context.Context, name string) error {
	return b.rdb.Publish(ctx, "qrc:invalidate", name).Err()
}

// SubscribeInvalidations registers handler for invalidation notices
// published by other instances. Returns an unsubscribe function.
func (b *RedisBackend) SubscribeInvalidations(ctx context.Context, handler func(controlName string)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, "qrc:invalidate")

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe invalidations: %w", err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()

	return func() { sub.Close() }, nil
}
