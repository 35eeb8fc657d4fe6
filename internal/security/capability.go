package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CapabilityClaims are the claims of a capability token.
type CapabilityClaims struct {
	Grant       string         `json:"grant"`
	Resource    string         `json:"resource,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
	jwt.RegisteredClaims
}

// Capability is a verified grant.
type Capability struct {
	Grant       string
	Resource    string
	Constraints map[string]any
	Subject     string
	ExpiresAt   time.Time
}

// Allows reports whether the capability covers the requested operation.
func (c *Capability) Allows(required string) bool {
	return MatchGrant(c.Grant, required)
}

// MatchGrant reports whether grant pattern covers required. A pattern
// matches exactly, or with a trailing "*" as a prefix wildcard; "*"
// alone matches everything.
func MatchGrant(pattern, required string) bool {
	if pattern == "*" || pattern == required {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(required, prefix)
	}
	return false
}

// CapabilityVerifier verifies capability tokens.
type CapabilityVerifier struct {
	key  any
	opts []jwt.ParserOption
}

// NewCapabilityVerifier creates a verifier for the given key.
func NewCapabilityVerifier(kc KeyConfig, opts ...Option) (*CapabilityVerifier, error) {
	key, alg, err := kc.verificationKey()
	if err != nil {
		return nil, fmt.Errorf("capability verifier: %w", err)
	}
	o := buildOptions(opts)
	return &CapabilityVerifier{key: key, opts: kc.parserOptions(alg, o.now, o.leeway)}, nil
}

// Verify checks one capability token and returns its grant.
func (v *CapabilityVerifier) Verify(token string) (*Capability, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, &AuthError{Code: CodeMissingToken, Token: KindCapability}
	}

	var claims CapabilityClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return v.key, nil }, v.opts...)
	if err != nil {
		return nil, &AuthError{Code: classify(err), Token: KindCapability, Err: err}
	}
	if claims.Grant == "" {
		return nil, missingClaim(KindCapability, "grant")
	}

	return &Capability{
		Grant:       claims.Grant,
		Resource:    claims.Resource,
		Constraints: claims.Constraints,
		Subject:     claims.Subject,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

// Authorize returns the first valid token whose grant covers required.
// Invalid tokens are skipped; if none covers the requirement the error
// is grant_missing, or the last token failure when every token was
// invalid.
func (v *CapabilityVerifier) Authorize(tokens []string, required string) (*Capability, error) {
	if len(tokens) == 0 {
		return nil, &AuthError{Code: CodeMissingToken, Token: KindCapability}
	}
	var lastErr error
	valid := 0
	for _, tok := range tokens {
		c, err := v.Verify(tok)
		if err != nil {
			lastErr = err
			continue
		}
		valid++
		if c.Allows(required) {
			return c, nil
		}
	}
	if valid == 0 && lastErr != nil {
		return nil, lastErr
	}
	return nil, &AuthError{
		Code:  CodeGrantMissing,
		Token: KindCapability,
		Err:   errors.New("no capability grants " + required),
	}
}
