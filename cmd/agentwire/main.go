package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	awotel "github.com/Strob0t/agentwire/internal/adapter/otel"
	"github.com/Strob0t/agentwire/internal/config"
	"github.com/Strob0t/agentwire/internal/domain/envelope"
	"github.com/Strob0t/agentwire/internal/domain/registry"
	"github.com/Strob0t/agentwire/internal/logger"
	"github.com/Strob0t/agentwire/internal/middleware"
	"github.com/Strob0t/agentwire/internal/port/a2a"
	"github.com/Strob0t/agentwire/internal/port/messagequeue"
	"github.com/Strob0t/agentwire/internal/secrets"
	"github.com/Strob0t/agentwire/internal/service"
)

const (
	rateLimitPerSecond = 20
	rateLimitBurst     = 40
	shutdownTimeout    = 10 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"agent_id", cfg.Agent.ID,
		"agent_type", cfg.Agent.Type,
		"role", cfg.Agent.Role,
		"transport", cfg.Transport.Driver,
		"security", cfg.Security.Enabled,
		"log_level", cfg.Logging.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---

	shutdownOTel, err := awotel.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := awotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	in, err := openInfra(ctx, cfg, metrics, log)
	if err != nil {
		return err
	}
	defer in.Close()

	evaluator, err := newEvaluator(cfg, log)
	if err != nil {
		return err
	}

	verifier, err := newVerifier(cfg.Security)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.IdentityTokenKey, secrets.CapabilityTokensKey))
	if err != nil {
		return err
	}
	if cfg.Security.Enabled && vault.Credentials().Identity == "" {
		slog.Warn("security enabled but no identity token configured, outbound envelopes will be rejected by peers",
			"env", secrets.IdentityTokenKey)
	}

	// --- Services ---

	self := envelope.AgentID{ID: cfg.Agent.ID, Type: cfg.Agent.Type, Version: cfg.Agent.Version}
	gate := service.NewWireGate(evaluator.Evaluator, cfg.Policy, metrics, log)
	messenger := service.NewMessenger(in.queue, gate, log)
	guard := service.NewIdempotencyGuard(in.store, in.cache, cfg.Idempotency.TTL, metrics, log)
	router := service.NewRouter(service.RouterConfig{
		Self:       self,
		Gate:       gate,
		Verifier:   verifier,
		Guard:      guard,
		Messenger:  messenger,
		Tracker:    envelope.NewTracker(cfg.Transport.SeenWindow),
		ReplyTopic: service.InboxTopic(cfg.Agent.Scope),
		Metrics:    metrics,
		Logger:     log,
	})

	inbox := messagequeue.Topic(cfg.Agent.Tenant, cfg.Agent.Project, cfg.Agent.Scope, cfg.Agent.Type)
	me := selfAgent(cfg.Agent)
	var lister a2a.AgentLister

	hb := &heartbeater{cfg: cfg.Agent, messenger: messenger, vault: vault, logger: log}

	switch cfg.Agent.Role {
	case roleRegistry:
		registrySvc := service.NewRegistryService(in.store, cfg.Registry.LeaseTTL, log)
		registrySvc.RegisterHandlers(router)
		topics := []registry.AgentTopic{
			{Topic: inbox, Role: registry.RoleSubscriber},
		}
		if err := registrySvc.Register(ctx, &me, topics); err != nil {
			return fmt.Errorf("self-register: %w", err)
		}
		sweeper, err := service.NewRegistrySweeper(registrySvc, cfg.Registry.SweepSchedule, log)
		if err != nil {
			return fmt.Errorf("registry sweeper: %w", err)
		}
		sweeper.Start()
		defer sweeper.Stop()
		hb.registry = registrySvc
		lister = registrySvc
	case roleCMO:
		decisionTopic := cfg.Agent.DecisionTopic
		if decisionTopic == "" {
			decisionTopic = messagequeue.Topic(cfg.Agent.Tenant, cfg.Agent.Project, cfg.Agent.Scope, roleCMO, messagequeue.SubjectDecisions)
		}
		decisions := service.NewDecisionPublisher(messenger, service.DecisionConfig{
			From:    self,
			Tenant:  cfg.Agent.Tenant,
			Project: cfg.Agent.Project,
			Topic:   decisionTopic,
		})
		cmo := &cmoHandlers{
			store:     in.store,
			recorder:  service.NewCheckpointRecorder(in.store, metrics, log),
			guard:     guard,
			decisions: decisions,
			vault:     vault,
			logger:    log,
		}
		cmo.register(router)
	case roleAgent:
	default:
		return fmt.Errorf("agent.role %q is not supported", cfg.Agent.Role)
	}

	consumer := service.NewConsumer(in.queue, router, cfg.Transport.Workers, messagequeue.SubscribeOptions{
		ConsumerGroup: cfg.Transport.ConsumerGroup,
		ConsumerName:  cfg.Transport.ConsumerName,
		MaxPending:    cfg.Transport.MaxPending,
		MaxDeliver:    cfg.Transport.MaxDeliver,
		AckWait:       cfg.Transport.AckWait,
		StartFrom:     cfg.Transport.StartFrom,
	}, log)

	// --- HTTP ---

	limiter := middleware.NewRateLimiter(rateLimitPerSecond, rateLimitBurst)

	r := chi.NewRouter()
	r.Use(awotel.HTTPMiddleware(cfg.OTel.ServiceName))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.TraceID)
	r.Use(middleware.Identity(verifier, cfg.Security.Enabled))
	r.Use(limiter.Handler)
	r.Use(middleware.TenantScope)

	r.Get("/health", healthHandler(in))
	a2a.NewHandler(cfg.Server.BaseURL, me, lister).MountRoutes(r)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(gctx, inbox)
	})
	g.Go(func() error {
		return hb.run(gctx, cfg.Registry.LeaseTTL/3)
	})
	g.Go(func() error {
		limiter.Run(gctx, time.Minute, 10*time.Minute)
		return nil
	})
	if evaluator.watch != nil {
		if err := evaluator.watch(gctx); err != nil {
			slog.Warn("policy file watch disabled", "error", err)
		}
	}
	g.Go(func() error {
		reloadOnHangup(gctx, vault)
		return nil
	})
	g.Go(func() error {
		slog.Info("starting discovery server", "addr", addr, "inbox", inbox)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

// reloadOnHangup reloads the outbound credentials on SIGHUP.
func reloadOnHangup(ctx context.Context, vault *secrets.Vault) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := vault.Reload(); err != nil {
				slog.Error("credential reload failed, keeping previous tokens", "error", err)
				continue
			}
			slog.Info("credentials reloaded", "identity", vault.Redacted(secrets.IdentityTokenKey))
		}
	}
}

// healthHandler reports the state of the transport and the store.
func healthHandler(in *infra) http.HandlerFunc {
	type healthStatus struct {
		Status    string `json:"status"`
		Transport string `json:"transport"`
		Store     string `json:"store"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		deps := in.healthy(r.Context())
		status := healthStatus{Status: "ok", Transport: deps["transport"], Store: deps["store"]}
		code := http.StatusOK
		if status.Transport == "disconnected" || status.Store == "unreachable" {
			status.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
