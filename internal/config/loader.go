package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentwire.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("AGENTWIRE_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTWIRE_PORT")
	setString(&cfg.Server.BaseURL, "AGENTWIRE_BASE_URL")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTWIRE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTWIRE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTWIRE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTWIRE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTWIRE_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "AGENTWIRE_NATS_STREAM")
	setString(&cfg.NATS.SubjectPrefix, "AGENTWIRE_NATS_SUBJECT_PREFIX")
	setDuration(&cfg.NATS.MaxAge, "AGENTWIRE_NATS_MAX_AGE")
	setDuration(&cfg.NATS.DupeWindow, "AGENTWIRE_NATS_DUPE_WINDOW")

	setString(&cfg.Logging.Level, "AGENTWIRE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTWIRE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTWIRE_LOG_ASYNC")

	setBool(&cfg.OTel.Enabled, "AGENTWIRE_OTEL_ENABLED")
	setString(&cfg.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTel.Insecure, "AGENTWIRE_OTEL_INSECURE")
	setFloat64(&cfg.OTel.SampleRate, "AGENTWIRE_OTEL_SAMPLE_RATE")

	setInt(&cfg.Breaker.MaxFailures, "AGENTWIRE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTWIRE_BREAKER_TIMEOUT")

	// Policy
	setBool(&cfg.Policy.Disabled, "AGENTWIRE_POLICY_DISABLED")
	setString(&cfg.Policy.OPAURL, "AGENTWIRE_OPA_URL")
	setString(&cfg.Policy.Path, "AGENTWIRE_POLICY_PATH")
	setString(&cfg.Policy.File, "AGENTWIRE_POLICY_FILE")
	setDuration(&cfg.Policy.Timeout, "AGENTWIRE_POLICY_TIMEOUT")

	// Security
	setBool(&cfg.Security.Enabled, "AGENTWIRE_SECURITY_ENABLED")
	setDuration(&cfg.Security.Leeway, "AGENTWIRE_SECURITY_LEEWAY")
	setString(&cfg.Security.Identity.Algorithm, "AGENTWIRE_IDENTITY_ALG")
	setString(&cfg.Security.Identity.Secret, "AGENTWIRE_IDENTITY_SECRET")
	setString(&cfg.Security.Identity.PublicKeyFile, "AGENTWIRE_IDENTITY_PUBLIC_KEY")
	setString(&cfg.Security.Identity.Issuer, "AGENTWIRE_IDENTITY_ISSUER")
	setString(&cfg.Security.Identity.Audience, "AGENTWIRE_IDENTITY_AUDIENCE")
	setString(&cfg.Security.Capability.Algorithm, "AGENTWIRE_CAPABILITY_ALG")
	setString(&cfg.Security.Capability.Secret, "AGENTWIRE_CAPABILITY_SECRET")
	setString(&cfg.Security.Capability.PublicKeyFile, "AGENTWIRE_CAPABILITY_PUBLIC_KEY")
	setString(&cfg.Security.Capability.Issuer, "AGENTWIRE_CAPABILITY_ISSUER")
	setString(&cfg.Security.Capability.Audience, "AGENTWIRE_CAPABILITY_AUDIENCE")

	// Transport
	setString(&cfg.Transport.Driver, "AGENTWIRE_TRANSPORT")
	setString(&cfg.Transport.ConsumerGroup, "AGENTWIRE_CONSUMER_GROUP")
	setString(&cfg.Transport.ConsumerName, "AGENTWIRE_CONSUMER_NAME")
	setInt(&cfg.Transport.MaxPending, "AGENTWIRE_MAX_PENDING")
	setInt(&cfg.Transport.MaxDeliver, "AGENTWIRE_MAX_DELIVER")
	setDuration(&cfg.Transport.AckWait, "AGENTWIRE_ACK_WAIT")
	setString(&cfg.Transport.StartFrom, "AGENTWIRE_START_FROM")
	setInt(&cfg.Transport.Workers, "AGENTWIRE_WORKERS")
	setInt(&cfg.Transport.PublishRetries, "AGENTWIRE_PUBLISH_RETRIES")
	setInt(&cfg.Transport.SeenWindow, "AGENTWIRE_SEEN_WINDOW")

	// Registry
	setDuration(&cfg.Registry.LeaseTTL, "AGENTWIRE_LEASE_TTL")
	setString(&cfg.Registry.SweepSchedule, "AGENTWIRE_SWEEP_SCHEDULE")

	// Idempotency
	setString(&cfg.Idempotency.Bucket, "AGENTWIRE_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Idempotency.TTL, "AGENTWIRE_IDEMPOTENCY_TTL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTWIRE_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "AGENTWIRE_CACHE_L1_TTL")

	// Agent
	setString(&cfg.Agent.ID, "AGENTWIRE_AGENT_ID")
	setString(&cfg.Agent.Type, "AGENTWIRE_AGENT_TYPE")
	setString(&cfg.Agent.Version, "AGENTWIRE_AGENT_VERSION")
	setString(&cfg.Agent.Role, "AGENTWIRE_AGENT_ROLE")
	setString(&cfg.Agent.Tenant, "AGENTWIRE_TENANT")
	setString(&cfg.Agent.Project, "AGENTWIRE_PROJECT")
	setString(&cfg.Agent.Scope, "AGENTWIRE_SCOPE")
	setString(&cfg.Agent.DecisionTopic, "AGENTWIRE_DECISION_TOPIC")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	switch cfg.Transport.Driver {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
		if cfg.NATS.Stream == "" {
			return errors.New("nats.stream is required")
		}
	case "memory":
	default:
		return fmt.Errorf("transport.driver %q is not supported", cfg.Transport.Driver)
	}
	if cfg.Transport.MaxPending < 1 {
		return errors.New("transport.max_pending must be >= 1")
	}
	if cfg.Transport.MaxDeliver < 1 {
		return errors.New("transport.max_deliver must be >= 1")
	}
	if cfg.Transport.StartFrom != "new" && cfg.Transport.StartFrom != "all" {
		return fmt.Errorf("transport.start_from %q must be \"new\" or \"all\"", cfg.Transport.StartFrom)
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Registry.LeaseTTL <= 0 {
		return errors.New("registry.lease_ttl must be > 0")
	}
	if cfg.Agent.Tenant == "" || cfg.Agent.Project == "" {
		return errors.New("agent.tenant and agent.project are required")
	}
	if cfg.Security.Enabled {
		if err := validateKey("security.identity", cfg.Security.Identity); err != nil {
			return err
		}
		if err := validateKey("security.capability", cfg.Security.Capability); err != nil {
			return err
		}
		id, capKey := cfg.Security.Identity, cfg.Security.Capability
		if id.Issuer == "" || id.Audience == "" {
			return errors.New("security.identity.issuer and security.identity.audience are required")
		}
		if id.Algorithm == "HS256" && capKey.Algorithm == "HS256" && id.Secret == capKey.Secret {
			return errors.New("security.identity and security.capability must not share a secret")
		}
		if id.Algorithm == "RS256" && capKey.Algorithm == "RS256" && id.PublicKeyFile == capKey.PublicKeyFile {
			return errors.New("security.identity and security.capability must not share a public key")
		}
	}
	return nil
}

func validateKey(name string, k TokenKey) error {
	switch k.Algorithm {
	case "HS256":
		if k.Secret == "" {
			return fmt.Errorf("%s.secret is required for HS256", name)
		}
	case "RS256":
		if k.PublicKeyFile == "" {
			return fmt.Errorf("%s.public_key_file is required for RS256", name)
		}
	default:
		return fmt.Errorf("%s.algorithm %q is not supported", name, k.Algorithm)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
