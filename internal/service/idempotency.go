package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/domain/checkpoint"
	"github.com/Strob0t/agentwire/internal/port/cache"
	"github.com/Strob0t/agentwire/internal/port/database"
)

// Outcome is the result of an idempotency check. A duplicate is not an
// error: the caller skips the side effect and uses CachedResponse, which
// is empty while the first attempt has not completed yet.
type Outcome struct {
	IsDuplicate    bool
	CachedResponse json.RawMessage
}

// IdempotencyGuard makes side-effecting activities run at most once per
// ActivityKey. The store's unique constraint is authoritative; the cache
// only short-circuits lookups of completed activities.
type IdempotencyGuard struct {
	store   database.ActivityStore
	cache   cache.Cache
	ttl     time.Duration
	metrics *awotel.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewIdempotencyGuard creates a guard over store. c may be nil.
func NewIdempotencyGuard(store database.ActivityStore, c cache.Cache, ttl time.Duration, metrics *awotel.Metrics, logger *slog.Logger) *IdempotencyGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotencyGuard{
		store:   store,
		cache:   c,
		ttl:     ttl,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// NewActivityKey builds the idempotency key of an activity. The request
// hash ignores volatile fields such as timestamps and message ids.
func NewActivityKey(traceID string, stepIndex int, activityType string, request any) (checkpoint.ActivityKey, error) {
	h, err := checkpoint.Hash(request)
	if err != nil {
		return checkpoint.ActivityKey{}, fmt.Errorf("hash %s request: %w", activityType, err)
	}
	key := checkpoint.ActivityKey{
		TraceID:      traceID,
		StepIndex:    stepIndex,
		ActivityType: activityType,
		RequestHash:  h,
	}
	return key, key.Validate()
}

func cacheKey(key checkpoint.ActivityKey) string {
	return cache.Key("activity", key.TraceID, strconv.Itoa(key.StepIndex), key.ActivityType, key.RequestHash)
}

// CheckAndRecord records the first attempt of key. Later attempts get
// Outcome.IsDuplicate and, once available, the stored response.
func (g *IdempotencyGuard) CheckAndRecord(ctx context.Context, key checkpoint.ActivityKey, request any) (Outcome, error) {
	if err := key.Validate(); err != nil {
		return Outcome{}, err
	}

	if g.cache != nil {
		if cached, ok, err := g.cache.Get(ctx, cacheKey(key)); err == nil && ok {
			g.duplicate(ctx, key)
			return Outcome{IsDuplicate: true, CachedResponse: cached}, nil
		}
	}

	data, err := marshalRaw(request)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal %s request: %w", key.ActivityType, err)
	}
	existing, inserted, err := g.store.InsertActivity(ctx, &checkpoint.Activity{
		ActivityKey: key,
		RequestData: data,
		Timestamp:   g.now().UTC(),
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("record activity: %w", err)
	}
	if inserted {
		return Outcome{}, nil
	}

	g.duplicate(ctx, key)
	out := Outcome{IsDuplicate: true}
	if existing != nil && existing.Completed() {
		out.CachedResponse = existing.ResponseData
		g.fill(ctx, key, existing.ResponseData)
	}
	return out, nil
}

// Complete stores the response of a recorded activity.
func (g *IdempotencyGuard) Complete(ctx context.Context, key checkpoint.ActivityKey, response any) error {
	data, err := marshalRaw(response)
	if err != nil {
		return fmt.Errorf("marshal %s response: %w", key.ActivityType, err)
	}
	if err := g.store.CompleteActivity(ctx, key, data); err != nil {
		return fmt.Errorf("complete activity: %w", err)
	}
	g.fill(ctx, key, data)
	return nil
}

// Release forgets an attempt that did not complete so it can be retried.
func (g *IdempotencyGuard) Release(ctx context.Context, key checkpoint.ActivityKey) error {
	if err := g.store.ReleaseActivity(ctx, key); err != nil {
		return fmt.Errorf("release activity: %w", err)
	}
	return nil
}

// Execute runs fn once per key. Duplicates return the stored response
// without calling fn. When fn fails the attempt is released and its
// error returned, so a redelivery may try again.
func (g *IdempotencyGuard) Execute(ctx context.Context, key checkpoint.ActivityKey, request any, fn func(context.Context) (any, error)) (json.RawMessage, Outcome, error) {
	out, err := g.CheckAndRecord(ctx, key, request)
	if err != nil {
		return nil, out, err
	}
	if out.IsDuplicate {
		return out.CachedResponse, out, nil
	}

	res, err := fn(ctx)
	if err != nil {
		if rerr := g.Release(ctx, key); rerr != nil {
			g.logger.ErrorContext(ctx, "release failed activity", "trace_id", key.TraceID, "activity_type", key.ActivityType, "error", rerr)
		}
		return nil, out, err
	}

	data, err := marshalRaw(res)
	if err != nil {
		return nil, out, fmt.Errorf("marshal %s response: %w", key.ActivityType, err)
	}
	if err := g.Complete(ctx, key, data); err != nil {
		return nil, out, err
	}
	return data, out, nil
}

func (g *IdempotencyGuard) duplicate(ctx context.Context, key checkpoint.ActivityKey) {
	g.metrics.RecordDuplicate(ctx, key.ActivityType)
	g.logger.InfoContext(ctx, "duplicate activity skipped",
		"trace_id", key.TraceID,
		"step_index", key.StepIndex,
		"activity_type", key.ActivityType,
	)
}

func (g *IdempotencyGuard) fill(ctx context.Context, key checkpoint.ActivityKey, data json.RawMessage) {
	if g.cache == nil || len(data) == 0 {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(key), data, g.ttl); err != nil {
		g.logger.WarnContext(ctx, "cache activity response", "error", err)
	}
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		return t, nil
	case []byte:
		if json.Valid(t) {
			return t, nil
		}
	}
	return json.Marshal(v)
}
