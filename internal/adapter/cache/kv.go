package cache

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/agentwire/internal/port/cache"
)

// KV wraps a JetStream KeyValue bucket as a shared L2 cache. Expiry is
// governed by the bucket TTL.
type KV struct {
	kv jetstream.KeyValue
}

// Compile-time interface check.
var _ cache.Cache = (*KV)(nil)

// NewKV creates a KV-backed cache.
func NewKV(kv jetstream.KeyValue) *KV {
	return &KV{kv: kv}
}

func (c *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

func (c *KV) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, key, value)
	return err
}

func (c *KV) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
