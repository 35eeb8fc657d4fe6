// Package cache implements the cache port: an in-process L1 on ristretto,
// an L2 on NATS JetStream KV, and a tiered combination of both.
package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/Strob0t/agentwire/internal/port/cache"
)

// Memory is an in-process cache bounded by total value size.
type Memory struct {
	c *ristretto.Cache[string, []byte]
}

// Compile-time interface check.
var _ cache.Cache = (*Memory)(nil)

// NewMemory creates a ristretto-backed cache holding at most maxCostBytes
// of values.
func NewMemory(maxCostBytes int64) (*Memory, error) {
	if maxCostBytes < 1024 {
		maxCostBytes = 1024
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected items
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Memory{c: c}, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := m.c.Get(key)
	return val, found, nil
}

// Set stores value. Writes are applied asynchronously by ristretto, so a
// Get immediately after Set may miss; Wait forces them through.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.SetWithTTL(key, value, int64(len(value)), ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Del(key)
	return nil
}

// Wait blocks until buffered writes are applied.
func (m *Memory) Wait() { m.c.Wait() }

// Close releases the cache's goroutines.
func (m *Memory) Close() { m.c.Close() }
