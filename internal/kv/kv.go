// Package kv provides a Redis-backed key-value store used for the queue's
// idempotency reservations and dead letters, and for the API key records
// that request authentication reads (§4.A).
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: not found")

// Store wraps a Redis client with the small surface ChittyBridge needs:
// plain get/put/delete, atomic increment-with-ttl (for rate-adjacent
// counters), and compare-and-swap reservation (for the queue's idempotency
// keys, §4.G).
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// New wraps an existing Redis client.
func New(client *redis.Client, logger *slog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Get reads the value at key, returning ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return val, nil
}

// Put writes value at key with the given TTL (0 means no expiry).
func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Not finding it is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

// Reserve attempts to atomically claim key with value if and only if it does
// not already exist, returning true on success. Used by the queue's
// idempotency check (§4.G: "a reservation blocks duplicate delivery for its
// TTL; a stale in-progress reservation blocks rather than is taken over").
func (s *Store) Reserve(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: reserve %s: %w", key, err)
	}
	return ok, nil
}

// IncrementWithTTL atomically increments key and sets its TTL to ttl,
// refreshing the expiry on every call. Returns the post-increment value.
func (s *Store) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv: increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// ScanKeys returns every key matching pattern (e.g. "deadletter:*"), used by
// the admin deadletter read route. Not for hot paths — SCAN is O(n) over the
// keyspace.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
