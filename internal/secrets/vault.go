// Package secrets holds the tokens this node presents on outbound
// envelopes and reloads them without a restart.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Strob0t/agentwire/internal/security"
)

// Keys read by the credential vault.
const (
	IdentityTokenKey     = "AGENTWIRE_IDENTITY_TOKEN"
	CapabilityTokensKey  = "AGENTWIRE_CAPABILITY_TOKENS" // comma separated
	TokenIssuerSecretKey = "AGENTWIRE_TOKEN_SECRET"      // HS256 secret for the admin mint-token command
)

// Loader retrieves secrets from a source (env vars, mounted files, ...).
type Loader func() (map[string]string, error)

// Vault holds secret values in memory. Reload swaps them atomically so
// in-flight sends keep the tokens they started with.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Reload calls the loader and swaps in the new values.
// On error the existing values are kept.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// Credentials returns the node's outbound identity and capability tokens.
func (v *Vault) Credentials() security.Credentials {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c := security.Credentials{Identity: v.values[IdentityTokenKey]}
	for _, tok := range strings.Split(v.values[CapabilityTokensKey], ",") {
		if tok = strings.TrimSpace(tok); tok != "" {
			c.Capabilities = append(c.Capabilities, tok)
		}
	}
	return c
}

// WithCredentials attaches the node's current tokens to ctx. Without an
// identity token ctx is returned unchanged.
func (v *Vault) WithCredentials(ctx context.Context) context.Context {
	c := v.Credentials()
	if c.Identity == "" {
		return ctx
	}
	return security.WithCredentials(ctx, c)
}

// Redacted returns a masked form of the secret for logs: its first two
// characters followed by ****, or **** for values of four characters or
// fewer.
func (v *Vault) Redacted(key string) string {
	val := v.Get(key)
	switch {
	case val == "":
		return ""
	case len(val) <= 4:
		return "****"
	default:
		return val[:2] + "****"
	}
}
