package server

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/cors"
)

// corsFromEnvironment builds a cors.Options from GRIDGUARD_CORS_* variables,
// the same env-var-driven shape the teacher's own (absent from this tree)
// pkg/http/cors.FromEnvironment exposes. Written fresh against go-chi/cors
// rather than adapted from a source file, since no production CORS package
// survived the pruning — only its integration test's usage contract did.
func corsFromEnvironment() cors.Options {
	origins := splitCSV(getEnv("GRIDGUARD_CORS_ALLOWED_ORIGINS", "*"))
	methods := splitCSV(getEnv("GRIDGUARD_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"))
	credentials := getEnv("GRIDGUARD_CORS_ALLOW_CREDENTIALS", "false") == "true"

	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   methods,
		AllowedHeaders:   []string{"Authorization", "X-API-Key", "Content-Type", "X-CSRF-Token", "X-Timestamp", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: credentials,
		MaxAge:           300,
	}
}

func corsMiddleware() func(http.Handler) http.Handler {
	return cors.Handler(corsFromEnvironment())
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
