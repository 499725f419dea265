package middleware

import (
	"net/http"

	gwerrors "github.com/gridguard/gridguard/pkg/gateway/errors"
	"github.com/gridguard/gridguard/pkg/identity"
)

// ResolveIdentity attaches the caller's Identity to the request context
// without running the rest of SafetyGate's sequence. It's step 4 of §4.1
// factored out for the endpoints that need an identity (for authorization
// or session-keyed CSRF) but don't run inference and so don't need the
// governor/pre-check/body-cap steps around it.
func ResolveIdentity(resolver *identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := resolver.Resolve(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"), r.RemoteAddr)
			ctx := WithIdentity(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePrivileged rejects any caller whose resolved identity is below
// TierPrivileged. Used on /review, which spec.md §6 restricts to privileged
// reviewers.
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok || !id.TrustTier.AtLeast(identity.TierPrivileged) {
			gwerrors.Write(w, gwerrors.Refusal("FORBIDDEN", "this endpoint requires a privileged identity", GetRequestID(r.Context())))
			return
		}
		next.ServeHTTP(w, r)
	})
}
