package security

import (
	"context"
	"fmt"
)

// TokenVerifier is what the inbound path needs from the security layer.
type TokenVerifier interface {
	VerifyIdentity(token string) (*Identity, error)
	AuthorizeCapability(tokens []string, required string) (*Capability, error)
}

// Principal is an authenticated caller and, when a grant was required,
// the capability that authorized it.
type Principal struct {
	Identity   *Identity
	Capability *Capability
}

// Authenticator combines identity and capability verification.
type Authenticator struct {
	identity   *IdentityVerifier
	capability *CapabilityVerifier
}

// Compile-time interface check.
var _ TokenVerifier = (*Authenticator)(nil)

// NewAuthenticator creates an Authenticator from two independently keyed verifiers.
func NewAuthenticator(identity *IdentityVerifier, capability *CapabilityVerifier) *Authenticator {
	return &Authenticator{identity: identity, capability: capability}
}

// VerifyIdentity verifies an identity token.
func (a *Authenticator) VerifyIdentity(token string) (*Identity, error) {
	return a.identity.Verify(token)
}

// AuthorizeCapability checks that one of tokens grants required.
func (a *Authenticator) AuthorizeCapability(tokens []string, required string) (*Capability, error) {
	return a.capability.Authorize(tokens, required)
}

// Authenticate verifies the credentials in ctx: identity first, then the
// capability for required when it is non-empty. The identity must belong
// to tenant and project.
func Authenticate(ctx context.Context, v TokenVerifier, tenant, project, required string) (*Principal, error) {
	creds, ok := CredentialsFrom(ctx)
	if !ok || creds.Identity == "" {
		return nil, &AuthError{Code: CodeMissingToken, Token: KindIdentity}
	}

	id, err := v.VerifyIdentity(creds.Identity)
	if err != nil {
		return nil, err
	}
	if id.Tenant != tenant || id.Project != project {
		return nil, &AuthError{
			Code:  CodeScopeMismatch,
			Token: KindIdentity,
			Err:   fmt.Errorf("identity is scoped to %s/%s, message to %s/%s", id.Tenant, id.Project, tenant, project),
		}
	}

	p := &Principal{Identity: id}
	if required == "" {
		return p, nil
	}
	capability, err := v.AuthorizeCapability(creds.Capabilities, required)
	if err != nil {
		return nil, err
	}
	p.Capability = capability
	return p, nil
}
