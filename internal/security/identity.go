// Package security verifies the two credentials an agent presents on the
// fabric: an identity token naming who it is, and capability tokens
// naming what it may do. The two are signed with independent keys.
package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityClaims are the claims of an identity token.
type IdentityClaims struct {
	Tenant  string   `json:"tenant"`
	Project string   `json:"project"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Identity is a verified caller.
type Identity struct {
	Subject   string
	Tenant    string
	Project   string
	Scopes    []string
	Issuer    string
	ExpiresAt time.Time
}

// HasScope reports whether the identity carries scope s.
func (id *Identity) HasScope(s string) bool {
	for _, sc := range id.Scopes {
		if sc == s {
			return true
		}
	}
	return false
}

// IdentityVerifier verifies identity tokens.
type IdentityVerifier struct {
	key  any
	opts []jwt.ParserOption
}

// Option customizes a verifier.
type Option func(*verifierOptions)

type verifierOptions struct {
	now    func() time.Time
	leeway time.Duration
}

// WithClock overrides the time source used for exp checks.
func WithClock(now func() time.Time) Option {
	return func(o *verifierOptions) { o.now = now }
}

// WithLeeway tolerates clock skew when checking exp.
func WithLeeway(d time.Duration) Option {
	return func(o *verifierOptions) { o.leeway = d }
}

func buildOptions(opts []Option) verifierOptions {
	var o verifierOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewIdentityVerifier creates a verifier for the given key.
func NewIdentityVerifier(kc KeyConfig, opts ...Option) (*IdentityVerifier, error) {
	key, alg, err := kc.verificationKey()
	if err != nil {
		return nil, fmt.Errorf("identity verifier: %w", err)
	}
	o := buildOptions(opts)
	return &IdentityVerifier{key: key, opts: kc.parserOptions(alg, o.now, o.leeway)}, nil
}

// Verify checks the token's signature, exp, issuer and audience and
// returns the identity it asserts.
func (v *IdentityVerifier) Verify(token string) (*Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, &AuthError{Code: CodeMissingToken, Token: KindIdentity}
	}

	var claims IdentityClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return v.key, nil }, v.opts...)
	if err != nil {
		return nil, &AuthError{Code: classify(err), Token: KindIdentity, Err: err}
	}

	switch {
	case claims.Subject == "":
		return nil, missingClaim(KindIdentity, "sub")
	case claims.Tenant == "":
		return nil, missingClaim(KindIdentity, "tenant")
	case claims.Project == "":
		return nil, missingClaim(KindIdentity, "project")
	}

	return &Identity{
		Subject:   claims.Subject,
		Tenant:    claims.Tenant,
		Project:   claims.Project,
		Scopes:    claims.Scopes,
		Issuer:    claims.Issuer,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func missingClaim(kind TokenKind, name string) *AuthError {
	return &AuthError{Code: CodeMissingClaim, Token: kind, Err: errors.New(name + " claim is required")}
}
