package middleware

import (
	"context"
	"net/http"

	"github.com/gridguard/gridguard/pkg/telemetry"
)

// Tracing starts the top-level span for every request and binds its
// request_id/trace_id onto the request-scoped logger RequestIDMiddleware
// already attached, so every log line in the request path carries both. A
// nil provider makes this a no-op, so a server built without tracing
// configured never panics. Must run after RequestIDMiddleware.
func Tracing(provider *telemetry.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provider == nil {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := provider.StartRequestSpan(r.Context(), GetRequestID(r.Context()), r.URL.Path)
			defer span.End()

			traceID := telemetry.TraceIDFromContext(ctx)
			log := telemetry.WithRequestContext(GetLogger(ctx), GetRequestID(ctx), traceID)
			ctx = context.WithValue(ctx, loggerKey, log)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
