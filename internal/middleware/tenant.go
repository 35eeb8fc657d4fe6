package middleware

import "net/http"

// TenantScope confines discovery queries to the caller's tenant and
// project. A query naming another tenant or project is refused; missing
// values are filled in from the identity. Requests without an identity
// are left unchanged.
func TenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := IdentityFromContext(r.Context())
		if id == nil {
			next.ServeHTTP(w, r)
			return
		}

		q := r.URL.Query()
		for param, own := range map[string]string{"tenant": id.Tenant, "project": id.Project} {
			switch v := q.Get(param); {
			case v == "":
				q.Set(param, own)
			case v != own:
				writeError(w, http.StatusForbidden, param+"_mismatch")
				return
			}
		}
		r2 := r.Clone(r.Context())
		r2.URL.RawQuery = q.Encode()
		next.ServeHTTP(w, r2)
	})
}
