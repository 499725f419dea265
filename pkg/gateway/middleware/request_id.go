package middleware

import (
	"context"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/gridguard/gridguard/pkg/identity"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	loggerKey
	identityKey
)

// RequestIDMiddleware assigns a UUID request_id to every request, attaches
// it and a request-scoped logger to the context, and returns it in the
// X-Request-ID response header so a caller can correlate their logs with
// ours. See spec.md §4.1 step 4.
func RequestIDMiddleware(base logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := uuid.NewString()
			w.Header().Set("X-Request-ID", requestID)

			scoped := base.WithValues("requestID", requestID)
			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			ctx = context.WithValue(ctx, loggerKey, scoped)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID returns ctx's request_id, or "unknown" when the middleware
// was never applied.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return "unknown"
}

// GetLogger returns ctx's request-scoped logger, or a discard logger when
// the middleware was never applied — never nil, so callers never need a
// nil check before logging.
func GetLogger(ctx context.Context) logr.Logger {
	if v, ok := ctx.Value(loggerKey).(logr.Logger); ok {
		return v
	}
	return logr.Discard()
}

// WithIdentity attaches id to ctx for downstream handlers; used by the
// identity-resolution step (§4.1 step 4).
func WithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the identity attached by WithIdentity, if any.
func GetIdentity(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(identityKey).(identity.Identity)
	return id, ok
}
