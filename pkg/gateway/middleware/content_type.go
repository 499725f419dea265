package middleware

import (
	"mime"
	"net/http"

	gwerrors "github.com/gridguard/gridguard/pkg/gateway/errors"
)

// ValidateContentType rejects any request declaring a non-JSON
// Content-Type. A missing header is allowed through, matching the
// teacher's migration grace period for callers that don't set one. See
// spec.md §4.1; this supplements it per SPEC_FULL.md §5.
func ValidateContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Content-Type")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		mediaType, _, err := mime.ParseMediaType(raw)
		if err != nil {
			gwerrors.Write(w, gwerrors.Validation("malformed Content-Type header", GetRequestID(r.Context())))
			return
		}
		if mediaType != "application/json" {
			gwerrors.Write(w, gwerrors.UnsupportedMediaType("only application/json is accepted", GetRequestID(r.Context())))
			return
		}

		next.ServeHTTP(w, r)
	})
}
