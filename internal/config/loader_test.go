package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	if cfg.Server.Port != "8080" {
		t.Errorf("expected port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Transport.MaxPending != 1000 {
		t.Errorf("expected max_pending 1000, got %d", cfg.Transport.MaxPending)
	}
	if cfg.Registry.LeaseTTL != time.Minute {
		t.Errorf("expected lease ttl 1m, got %v", cfg.Registry.LeaseTTL)
	}
	if cfg.Policy.Disabled {
		t.Error("policy gate should be enabled by default")
	}
}

func TestLoadYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "test.yaml")

	content := `
transport:
  driver: memory
  max_pending: 50
  consumer_group: qa-specialists
registry:
  lease_ttl: 30s
logging:
  level: "debug"
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err != nil {
		t.Fatal(err)
	}

	if cfg.Transport.Driver != "memory" {
		t.Errorf("expected memory driver, got %s", cfg.Transport.Driver)
	}
	if cfg.Transport.MaxPending != 50 {
		t.Errorf("expected max_pending 50, got %d", cfg.Transport.MaxPending)
	}
	if cfg.Transport.ConsumerGroup != "qa-specialists" {
		t.Errorf("expected consumer group qa-specialists, got %s", cfg.Transport.ConsumerGroup)
	}
	if cfg.Registry.LeaseTTL != 30*time.Second {
		t.Errorf("expected lease ttl 30s, got %v", cfg.Registry.LeaseTTL)
	}
	// Unchanged fields keep defaults
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL, got %s", cfg.NATS.URL)
	}
}

func TestLoadYAMLMissing(t *testing.T) {
	cfg := Defaults()
	if err := loadYAML(&cfg, "/nonexistent/path.yaml"); err != nil {
		t.Errorf("missing YAML should not error, got %v", err)
	}
}

func TestLoadYAMLInvalid(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(yamlPath, []byte("transport: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Defaults()
	if err := loadYAML(&cfg, yamlPath); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverride(t *testing.T) {
	cfg := Defaults()

	t.Setenv("AGENTWIRE_PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://test:test@db:5432/test")
	t.Setenv("AGENTWIRE_MAX_PENDING", "25")
	t.Setenv("AGENTWIRE_LOG_LEVEL", "warn")
	t.Setenv("AGENTWIRE_LEASE_TTL", "2m")
	t.Setenv("AGENTWIRE_SECURITY_ENABLED", "true")
	t.Setenv("AGENTWIRE_IDENTITY_ISSUER", "https://idp.example")

	loadEnv(&cfg)

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port 7070, got %s", cfg.Server.Port)
	}
	if cfg.Postgres.DSN != "postgres://test:test@db:5432/test" {
		t.Errorf("expected test DSN, got %s", cfg.Postgres.DSN)
	}
	if cfg.Transport.MaxPending != 25 {
		t.Errorf("expected max_pending 25, got %d", cfg.Transport.MaxPending)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Logging.Level)
	}
	if cfg.Registry.LeaseTTL != 2*time.Minute {
		t.Errorf("expected lease ttl 2m, got %v", cfg.Registry.LeaseTTL)
	}
	if !cfg.Security.Enabled {
		t.Error("expected security enabled")
	}
	if cfg.Security.Identity.Issuer != "https://idp.example" {
		t.Errorf("expected issuer override, got %q", cfg.Security.Identity.Issuer)
	}
}

func TestEnvOverrideIgnoresMalformed(t *testing.T) {
	cfg := Defaults()
	t.Setenv("AGENTWIRE_MAX_PENDING", "lots")
	t.Setenv("AGENTWIRE_ACK_WAIT", "soon")
	loadEnv(&cfg)

	if cfg.Transport.MaxPending != 1000 {
		t.Errorf("malformed int should keep default, got %d", cfg.Transport.MaxPending)
	}
	if cfg.Transport.AckWait != 30*time.Second {
		t.Errorf("malformed duration should keep default, got %v", cfg.Transport.AckWait)
	}
}

func TestValidateRequired(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{
			name:   "empty port",
			modify: func(c *Config) { c.Server.Port = "" },
			errMsg: "server.port is required",
		},
		{
			name:   "empty DSN",
			modify: func(c *Config) { c.Postgres.DSN = "" },
			errMsg: "postgres.dsn is required",
		},
		{
			name:   "empty NATS URL",
			modify: func(c *Config) { c.NATS.URL = "" },
			errMsg: "nats.url is required",
		},
		{
			name:   "unknown driver",
			modify: func(c *Config) { c.Transport.Driver = "kafka" },
			errMsg: `transport.driver "kafka" is not supported`,
		},
		{
			name:   "zero max_pending",
			modify: func(c *Config) { c.Transport.MaxPending = 0 },
			errMsg: "transport.max_pending must be >= 1",
		},
		{
			name:   "bad start_from",
			modify: func(c *Config) { c.Transport.StartFrom = "latest" },
			errMsg: `transport.start_from "latest" must be "new" or "all"`,
		},
		{
			name:   "zero breaker failures",
			modify: func(c *Config) { c.Breaker.MaxFailures = 0 },
			errMsg: "breaker.max_failures must be >= 1",
		},
		{
			name:   "missing tenant",
			modify: func(c *Config) { c.Agent.Tenant = "" },
			errMsg: "agent.tenant and agent.project are required",
		},
		{
			name: "hs256 without secret",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Identity = TokenKey{Algorithm: "HS256"}
			},
			errMsg: "security.identity.secret is required for HS256",
		},
		{
			name: "unsupported algorithm",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Identity = TokenKey{Algorithm: "HS256", Secret: "s"}
				c.Security.Capability = TokenKey{Algorithm: "none"}
			},
			errMsg: `security.capability.algorithm "none" is not supported`,
		},
		{
			name: "identity issuer not pinned",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Identity = TokenKey{Algorithm: "HS256", Secret: "id", Audience: "a2a"}
				c.Security.Capability = TokenKey{Algorithm: "HS256", Secret: "cap"}
			},
			errMsg: "security.identity.issuer and security.identity.audience are required",
		},
		{
			name: "identity audience not pinned",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Identity = TokenKey{Algorithm: "HS256", Secret: "id", Issuer: "agentwire"}
				c.Security.Capability = TokenKey{Algorithm: "HS256", Secret: "cap"}
			},
			errMsg: "security.identity.issuer and security.identity.audience are required",
		},
		{
			name: "shared hs256 secret",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Identity = TokenKey{Algorithm: "HS256", Secret: "same", Issuer: "agentwire", Audience: "a2a"}
				c.Security.Capability = TokenKey{Algorithm: "HS256", Secret: "same"}
			},
			errMsg: "security.identity and security.capability must not share a secret",
		},
		{
			name: "shared rs256 key",
			modify: func(c *Config) {
				c.Security.Enabled = true
				c.Security.Identity = TokenKey{Algorithm: "RS256", PublicKeyFile: "keys/a2a.pem", Issuer: "agentwire", Audience: "a2a"}
				c.Security.Capability = TokenKey{Algorithm: "RS256", PublicKeyFile: "keys/a2a.pem"}
			},
			errMsg: "security.identity and security.capability must not share a public key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.modify(&cfg)
			err := validate(&cfg)
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.errMsg)
			}
			if err.Error() != tt.errMsg {
				t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Defaults()
	if err := validate(&cfg); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidateSecurityEnabled(t *testing.T) {
	cfg := Defaults()
	cfg.Security.Enabled = true
	cfg.Security.Identity = TokenKey{Algorithm: "HS256", Secret: "identity-secret", Issuer: "agentwire", Audience: "a2a"}
	cfg.Security.Capability = TokenKey{Algorithm: "HS256", Secret: "capability-secret"}
	if err := validate(&cfg); err != nil {
		t.Errorf("pinned security config should validate, got %v", err)
	}
}

func TestValidateMemoryDriverSkipsNATS(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.Driver = "memory"
	cfg.NATS.URL = ""
	if err := validate(&cfg); err != nil {
		t.Errorf("memory driver should not require NATS, got %v", err)
	}
}
