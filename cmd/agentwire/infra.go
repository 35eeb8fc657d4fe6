package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	awcache "github.com/Strob0t/agentwire/internal/adapter/cache"
	"github.com/Strob0t/agentwire/internal/adapter/memqueue"
	"github.com/Strob0t/agentwire/internal/adapter/memstore"
	cfnats "github.com/Strob0t/agentwire/internal/adapter/nats"
	"github.com/Strob0t/agentwire/internal/adapter/opa"
	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/adapter/policyfile"
	"github.com/Strob0t/agentwire/internal/adapter/postgres"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/port/cache"
	"github.com/Strob0t/agentwire/internal/port/database"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	policyport "github.com/Strob0t/agentwire/internal/port/policy"
	"github.com/Strob0t/agentwire/internal/resilience"
	"github.com/Strob0t/agentwire/internal/security"
)

// transport is the queue plus what the daemon needs to shut it down.
type transport interface {
	messagequeue.Queue
	Close() error
}

// infra holds the connections opened at startup.
type infra struct {
	queue transport
	store database.Store
	cache cache.Cache

	nats    *cfnats.Queue
	pool    *pgxpool.Pool
	l1      *awcache.Memory
	cleanup []func()
}

// openInfra connects the transport, the store and the activity cache.
// With transport.driver "memory" everything stays in process.
func openInfra(ctx context.Context, cfg *config.Config, metrics *awotel.Metrics, logger *slog.Logger) (*infra, error) {
	in := &infra{}
	retry := resilience.RetryPolicy{
		MaxAttempts:     cfg.Transport.PublishRetries + 1,
		InitialInterval: resilience.DefaultRetryPolicy.InitialInterval,
		MaxInterval:     resilience.DefaultRetryPolicy.MaxInterval,
	}

	// Transport and store
	switch cfg.Transport.Driver {
	case "memory":
		q := memqueue.New(memqueue.WithRetryPolicy(retry), memqueue.WithMetrics(metrics), memqueue.WithLogger(logger))
		in.queue = q
		in.store = memstore.New()
		in.addCleanup(func() { _ = q.Close() })
		logger.Warn("in-memory transport and store, nothing survives a restart")
	default:
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		in.pool = pool
		in.addCleanup(pool.Close)
		logger.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			in.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("migrations applied")
		in.store = postgres.NewStore(pool)

		q, err := cfnats.Connect(ctx, cfg.NATS,
			cfnats.WithRetryPolicy(retry),
			cfnats.WithMetrics(metrics),
			cfnats.WithLogger(logger),
		)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		in.queue = q
		in.nats = q
		in.addCleanup(func() {
			if err := q.Drain(); err != nil {
				_ = q.Close()
			}
		})
		logger.Info("nats connected", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	}

	// Activity cache: ristretto L1, JetStream KV L2 when NATS is up.
	l1, err := awcache.NewMemory(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	in.l1 = l1
	in.addCleanup(l1.Close)

	var l2 cache.Cache
	if in.nats != nil {
		kv, err := in.nats.KeyValue(ctx, cfg.Idempotency.Bucket, cfg.Idempotency.TTL)
		if err != nil {
			logger.Warn("activity kv bucket unavailable, using l1 only", "bucket", cfg.Idempotency.Bucket, "error", err)
		} else {
			l2 = awcache.NewKV(kv)
		}
	}
	in.cache = awcache.NewTiered(l1, l2, cfg.Cache.L1TTL, metrics)
	return in, nil
}

func (in *infra) addCleanup(fn func()) {
	in.cleanup = append(in.cleanup, fn)
}

// Close releases resources in reverse order of acquisition.
func (in *infra) Close() {
	for i := len(in.cleanup) - 1; i >= 0; i-- {
		in.cleanup[i]()
	}
	in.cleanup = nil
}

// healthy reports the state of each dependency for /health.
func (in *infra) healthy(ctx context.Context) map[string]string {
	status := map[string]string{"transport": "memory", "store": "memory"}
	if in.nats != nil {
		status["transport"] = "ok"
		if !in.nats.IsConnected() {
			status["transport"] = "disconnected"
		}
	}
	if in.pool != nil {
		status["store"] = "ok"
		if err := in.pool.Ping(ctx); err != nil {
			status["store"] = "unreachable"
		}
	}
	return status
}

// policyEvaluator is an evaluator with an optional file watch.
type policyEvaluator struct {
	policyport.Evaluator
	watch func(context.Context) error
}

// newEvaluator picks the OPA client when policy.opa_url is set and the
// local policy file otherwise.
func newEvaluator(cfg *config.Config, logger *slog.Logger) (*policyEvaluator, error) {
	if cfg.Policy.OPAURL != "" {
		client := opa.NewClient(cfg.Policy.OPAURL, cfg.Policy.Timeout)
		client.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))
		logger.Info("policy evaluator", "kind", "opa", "url", cfg.Policy.OPAURL, "path", cfg.Policy.Path)
		return &policyEvaluator{Evaluator: client}, nil
	}
	if cfg.Policy.File == "" {
		if cfg.Policy.Disabled {
			return &policyEvaluator{}, nil
		}
		return nil, fmt.Errorf("policy: set policy.opa_url or policy.file, or disable the gate explicitly")
	}
	pf, err := policyfile.Load(cfg.Policy.File, logger)
	if err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	logger.Info("policy evaluator", "kind", "file", "path", cfg.Policy.File, "policy", pf.Name())
	return &policyEvaluator{Evaluator: pf, watch: pf.Watch}, nil
}

// newVerifier builds the token verifier. It returns a nil interface when
// security is disabled so the router skips authentication.
func newVerifier(cfg config.Security) (security.TokenVerifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	idKey, err := security.KeyConfigFrom(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}
	capKey, err := security.KeyConfigFrom(cfg.Capability)
	if err != nil {
		return nil, fmt.Errorf("capability key: %w", err)
	}
	idv, err := security.NewIdentityVerifier(idKey, security.WithLeeway(cfg.Leeway))
	if err != nil {
		return nil, fmt.Errorf("identity verifier: %w", err)
	}
	capv, err := security.NewCapabilityVerifier(capKey, security.WithLeeway(cfg.Leeway))
	if err != nil {
		return nil, fmt.Errorf("capability verifier: %w", err)
	}
	return security.NewAuthenticator(idv, capv), nil
}
