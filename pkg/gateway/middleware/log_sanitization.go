package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveFieldNames are JSON keys whose values are always redacted
// before a request is logged, regardless of nesting.
var sensitiveFieldNames = map[string]bool{
	"password":     true,
	"token":        true,
	"api_key":      true,
	"apikey":       true,
	"secret":       true,
	"authorization": true,
	"annotations":  true,
	"generatorurl": true,
}

var bearerTokenPattern = regexp.MustCompile(`(?i)bearer\s+\S+`)
var urlQueryTokenPattern = regexp.MustCompile(`(?i)([?&](?:token|secret|key)=)[^&\s]+`)

// NewSanitizingLogger returns middleware that writes one redacted summary
// line per request to out. Sensitive JSON fields (password, token,
// api_key, secret, annotations, generatorURL) and bearer tokens in headers
// are replaced with a fixed marker before anything reaches the log sink.
func NewSanitizingLogger(out io.Writer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var bodyCopy []byte
			if r.Body != nil {
				bodyCopy, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewReader(bodyCopy))
			}

			authHeader := bearerTokenPattern.ReplaceAllString(r.Header.Get("Authorization"), "Bearer "+redacted)
			sanitizedBody := sanitizeBody(bodyCopy)

			fmt.Fprintf(out, "request method=%s path=%s authorization=%s body=%s\n",
				r.Method, r.URL.Path, authHeader, sanitizedBody)

			next.ServeHTTP(w, r)
		})
	}
}

// sanitizeBody redacts known-sensitive fields in a JSON body. Non-JSON
// bodies fall back to a regex pass over raw bytes, since a log line still
// needs to avoid leaking an embedded token even when the payload doesn't
// parse.
func sanitizeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return urlQueryTokenPattern.ReplaceAllString(string(body), "${1}"+redacted)
	}

	redactValue(parsed)
	out, err := json.Marshal(parsed)
	if err != nil {
		return redacted
	}
	return urlQueryTokenPattern.ReplaceAllString(string(out), "${1}"+redacted)
}

// redactValue walks a decoded JSON value in place, replacing the value of
// any sensitive field name at any nesting depth.
func redactValue(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for key, val := range node {
			if sensitiveFieldNames[strings.ToLower(key)] {
				node[key] = redacted
				continue
			}
			redactValue(val)
		}
	case []interface{}:
		for _, item := range node {
			redactValue(item)
		}
	}
}
