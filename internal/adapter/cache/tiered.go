package cache

import (
	"context"
	"log/slog"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/port/cache"
)

// Tiered checks L1, then L2, backfilling L1 on an L2 hit. Writes go to
// both. An L2 failure degrades to L1 only: it is logged, not returned.
type Tiered struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	metrics  *awotel.Metrics
}

// Compile-time interface check.
var _ cache.Cache = (*Tiered)(nil)

// NewTiered combines l1 and l2. l1Expire bounds how long entries live in
// L1. l2 may be nil.
func NewTiered(l1, l2 cache.Cache, l1Expire time.Duration, m *awotel.Metrics) *Tiered {
	return &Tiered{l1: l1, l2: l2, l1Expire: l1Expire, metrics: m}
}

func (c *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	c.metrics.RecordCache(ctx, "l1", found)
	if found || c.l2 == nil {
		return val, found, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "l2 cache get failed", "error", err)
		return nil, false, nil
	}
	c.metrics.RecordCache(ctx, "l2", found)
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
	}
	return val, found, nil
}

func (c *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1Expire > 0 && (l1TTL <= 0 || c.l1Expire < l1TTL) {
		l1TTL = c.l1Expire
	}
	if err := c.l1.Set(ctx, key, value, l1TTL); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "error", err)
	}
	return nil
}

func (c *Tiered) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
