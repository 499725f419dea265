package middleware

import (
	"net/http"
	"strings"
)

// ExtractClientIP resolves the caller's address for per-IP rate limiting
// and risk scoring: X-Forwarded-For (first hop) takes precedence, then
// X-Real-IP, then RemoteAddr with its port stripped. Trusting these
// headers assumes the gateway sits behind a reverse proxy/ingress that
// sets them; there is no deployment mode in spec.md where it doesn't.
func ExtractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); strings.TrimSpace(xff) != "" {
		first := strings.SplitN(xff, ",", 2)[0]
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return stripPort(r.RemoteAddr)
}

// stripPort removes a trailing ":port" from addr, preserving IPv6 bracket
// notation ("[::1]:54321" -> "[::1]").
func stripPort(addr string) string {
	if addr == "" {
		return addr
	}
	if addr[0] == '[' {
		if idx := strings.LastIndex(addr, "]"); idx >= 0 {
			return addr[:idx+1]
		}
		return addr
	}
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		return addr[:idx]
	}
	return addr
}
