package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Strob0t/agentwire/internal/security"
)

type identityCtxKey struct{}

// publicPaths are served without an identity token.
var publicPaths = map[string]bool{
	"/health":                 true,
	"/.well-known/agent.json": true,
}

// Identity returns middleware that requires a valid identity token in the
// Authorization header. When enabled is false every request passes
// without an identity.
func Identity(verifier security.TokenVerifier, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, string(security.CodeMissingToken))
				return
			}

			id, err := verifier.VerifyIdentity(token)
			if err != nil {
				code := "invalid_token"
				var ae *security.AuthError
				if errors.As(err, &ae) {
					code = string(ae.Code)
				}
				writeError(w, http.StatusUnauthorized, code)
				return
			}

			ctx := context.WithValue(r.Context(), identityCtxKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFromContext returns the identity verified for the request, or
// nil when none was required.
func IdentityFromContext(ctx context.Context) *security.Identity {
	id, _ := ctx.Value(identityCtxKey{}).(*security.Identity)
	return id
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
