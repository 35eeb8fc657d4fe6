package security

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AuthCode classifies an authentication or authorization failure.
type AuthCode string

const (
	CodeMissingToken     AuthCode = "missing_token"
	CodeExpired          AuthCode = "expired"
	CodeMalformed        AuthCode = "malformed"
	CodeInvalidSignature AuthCode = "invalid_signature"
	CodeMissingClaim     AuthCode = "missing_claim"
	CodeIssuerMismatch   AuthCode = "issuer_mismatch"
	CodeAudienceMismatch AuthCode = "audience_mismatch"
	CodeGrantMissing     AuthCode = "grant_missing"
	CodeScopeMismatch    AuthCode = "scope_mismatch"
	CodeSubjectMismatch  AuthCode = "subject_mismatch"
)

// TokenKind tells which token failed.
type TokenKind string

const (
	KindIdentity   TokenKind = "identity"
	KindCapability TokenKind = "capability"
)

// AuthError reports a rejected token. There is no partially valid token:
// any failure yields an AuthError and no claims.
type AuthError struct {
	Code  AuthCode
	Token TokenKind
	Err   error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s token %s: %v", e.Token, e.Code, e.Err)
	}
	return fmt.Sprintf("%s token %s", e.Token, e.Code)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// classify maps a jwt parse error to an AuthCode.
func classify(err error) AuthCode {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return CodeExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return CodeInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return CodeIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return CodeAudienceMismatch
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return CodeMissingClaim
	default:
		return CodeMalformed
	}
}
