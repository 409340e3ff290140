// Package counters keeps named event counters in Redis so they are shared by
// every instance and survive restarts.
package counters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
)

// DefaultPrefix namespaces counter keys
const DefaultPrefix = "subledger:counter:"

// RedisStore implements billing.Counters
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a counter store. An empty prefix uses DefaultPrefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Incr adds one to key and returns the new value
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter %s: %w", key, err)
	}
	return n, nil
}

// Snapshot returns every counter whose key starts with match, keyed without
// the store prefix. An empty match returns all counters.
func (s *RedisStore) Snapshot(ctx context.Context, match string) (map[string]int64, error) {
	out := make(map[string]int64)
	iter := s.client.Scan(ctx, 0, s.prefix+match+"*", 100).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan counters: %w", err)
	}
	if len(keys) == 0 {
		return out, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read counters: %w", err)
	}
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimPrefix(keys[i], s.prefix)] = n
	}
	return out, nil
}

// Memory is an in-process counter store for single-instance deployments and
// tests
type Memory struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemory creates an empty in-process counter store
func NewMemory() *Memory {
	return &Memory{counts: make(map[string]int64)}
}

// Incr adds one to key and returns the new value
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

// Snapshot returns every counter whose key starts with match
func (m *Memory) Snapshot(ctx context.Context, match string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64)
	for k, v := range m.counts {
		if strings.HasPrefix(k, match) {
			out[k] = v
		}
	}
	return out, nil
}
