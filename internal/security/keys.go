package security

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Strob0t/agentwire/internal/config"
)

// KeyConfig selects the verification key for one class of token.
type KeyConfig struct {
	Algorithm    string // "RS256" or "HS256"
	Secret       []byte // HS256
	PublicKeyPEM []byte // RS256
	Issuer       string // pinned when non-empty
	Audience     string // pinned when non-empty
}

// KeyConfigFrom reads a config.TokenKey, loading the public key file for RS256.
func KeyConfigFrom(k config.TokenKey) (KeyConfig, error) {
	kc := KeyConfig{Algorithm: k.Algorithm, Issuer: k.Issuer, Audience: k.Audience}
	switch k.Algorithm {
	case "HS256":
		kc.Secret = []byte(k.Secret)
	case "RS256":
		pem, err := os.ReadFile(k.PublicKeyFile) //nolint:gosec // G304: operator-supplied key path
		if err != nil {
			return KeyConfig{}, fmt.Errorf("read public key %s: %w", k.PublicKeyFile, err)
		}
		kc.PublicKeyPEM = pem
	default:
		return KeyConfig{}, fmt.Errorf("unsupported algorithm %q", k.Algorithm)
	}
	return kc, nil
}

// verificationKey resolves the key and the accepted signing method.
func (kc KeyConfig) verificationKey() (any, string, error) {
	switch kc.Algorithm {
	case "HS256":
		if len(kc.Secret) == 0 {
			return nil, "", errors.New("HS256 requires a secret")
		}
		return kc.Secret, jwt.SigningMethodHS256.Alg(), nil
	case "RS256":
		pub, err := jwt.ParseRSAPublicKeyFromPEM(kc.PublicKeyPEM)
		if err != nil {
			return nil, "", fmt.Errorf("parse RS256 public key: %w", err)
		}
		return pub, jwt.SigningMethodRS256.Alg(), nil
	}
	return nil, "", fmt.Errorf("unsupported algorithm %q", kc.Algorithm)
}

// parserOptions pins the method, issuer and audience and requires exp.
func (kc KeyConfig) parserOptions(alg string, now func() time.Time, leeway time.Duration) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if now != nil {
		opts = append(opts, jwt.WithTimeFunc(now))
	}
	if kc.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(kc.Issuer))
	}
	if kc.Audience != "" {
		opts = append(opts, jwt.WithAudience(kc.Audience))
	}
	return opts
}
