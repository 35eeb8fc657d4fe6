package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer mints identity and capability tokens. Production tokens come
// from the identity provider; Issuer serves dev tooling and tests.
type Issuer struct {
	method   jwt.SigningMethod
	key      any
	issuer   string
	audience string
	now      func() time.Time
}

// NewHS256Issuer creates an issuer signing with a shared secret.
func NewHS256Issuer(secret []byte, issuer, audience string) *Issuer {
	return &Issuer{method: jwt.SigningMethodHS256, key: secret, issuer: issuer, audience: audience, now: time.Now}
}

// NewRS256Issuer creates an issuer signing with an RSA private key in PEM form.
func NewRS256Issuer(privateKeyPEM []byte, issuer, audience string) (*Issuer, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse RS256 private key: %w", err)
	}
	return &Issuer{method: jwt.SigningMethodRS256, key: key, issuer: issuer, audience: audience, now: time.Now}, nil
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.now()
	rc := jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.NewString(),
	}
	if i.audience != "" {
		rc.Audience = jwt.ClaimStrings{i.audience}
	}
	return rc
}

// Identity mints an identity token for subject. A negative ttl yields an
// already expired token.
func (i *Issuer) Identity(subject, tenant, project string, scopes []string, ttl time.Duration) (string, error) {
	claims := IdentityClaims{
		Tenant:           tenant,
		Project:          project,
		Scopes:           scopes,
		RegisteredClaims: i.registered(subject, ttl),
	}
	return jwt.NewWithClaims(i.method, claims).SignedString(i.key)
}

// Capability mints a capability token for grant.
func (i *Issuer) Capability(subject, grant, resource string, ttl time.Duration) (string, error) {
	claims := CapabilityClaims{
		Grant:            grant,
		Resource:         resource,
		RegisteredClaims: i.registered(subject, ttl),
	}
	return jwt.NewWithClaims(i.method, claims).SignedString(i.key)
}
