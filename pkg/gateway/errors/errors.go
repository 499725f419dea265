// Package errors is the gateway's refusal response shape. Every middleware
// layer and endpoint handler that rejects a request writes one of these
// instead of a bare status code. The body is framed as an RFC 7807
// problem-detail document (https://www.rfc-editor.org/rfc/rfc9457) for the
// ambient type/title/status/detail fields, with spec.md §6/§7's named
// refusal fields (refused, reason_code, explanation, support_ticket_id,
// rate_limited, window_seconds) carried verbatim alongside them — an
// integrator matching on the literal field names spec.md specifies gets
// them, while the rest of the envelope stays consistent across every
// refusal kind.
package errors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Error type URIs. These are opaque identifiers, not dereferenced; RFC 7807
// only requires they be stable and unique per error category.
const (
	ErrorTypeUnsupportedMediaType = "https://gridguard.dev/errors/unsupported-media-type"
	ErrorTypeValidationError      = "https://gridguard.dev/errors/validation-error"
	ErrorTypeSafetyRefusal        = "https://gridguard.dev/errors/safety-refusal"
	ErrorTypeRateLimited          = "https://gridguard.dev/errors/rate-limited"
	ErrorTypeSuspended            = "https://gridguard.dev/errors/suspended"
	ErrorTypeUnavailable          = "https://gridguard.dev/errors/unavailable"
)

// RFC7807Error is the wire shape written for every gateway-level rejection.
type RFC7807Error struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`

	// Refused true and ReasonCode/Explanation/SupportTicketID: spec.md §6's
	// refusal envelope, returned by every deterministic refusal (403, 503).
	Refused         bool   `json:"refused,omitempty"`
	ReasonCode      string `json:"reason_code,omitempty"`
	Explanation     string `json:"explanation,omitempty"`
	SupportTicketID string `json:"support_ticket_id,omitempty"`

	// RateLimited/WindowSeconds: spec.md §8 scenario 4's literal 429 body.
	RateLimited   bool    `json:"rate_limited,omitempty"`
	WindowSeconds float64 `json:"window_seconds,omitempty"`

	RequestID  string  `json:"request_id,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// Write sets the RFC 7807 content type and headers, then encodes e as the
// body. It never returns an error to the caller — a failure to marshal a
// fixed, known-good struct would indicate a programming bug, not a request
// to handle gracefully.
func Write(w http.ResponseWriter, e RFC7807Error) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Accept", "application/json")
	if e.RetryAfter > 0 {
		seconds := int64(e.RetryAfter)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// supportTicketID builds spec.md §6's "audit-<trace_id>" ticket id; the
// gateway uses the request id as its trace id throughout (see safety_gate.go).
func supportTicketID(requestID string) string {
	return "audit-" + requestID
}

// SafetyUnavailable builds the fail-closed 503 refusal used whenever an
// internal dependency (coordination store, detector) is unreachable.
func SafetyUnavailable(requestID string) RFC7807Error {
	return RFC7807Error{
		Type:            ErrorTypeUnavailable,
		Title:           "Safety subsystem unavailable",
		Status:          http.StatusServiceUnavailable,
		Detail:          "the safety coordination store could not be reached; failing closed rather than allowing an unchecked request",
		Refused:         true,
		ReasonCode:      "SAFETY_UNAVAILABLE",
		Explanation:     "request denied",
		SupportTicketID: supportTicketID(requestID),
		RequestID:       requestID,
	}
}

// Refusal builds a 403 refusal carrying a detector's reason code.
func Refusal(reasonCode, detail, requestID string) RFC7807Error {
	return RFC7807Error{
		Type:            ErrorTypeSafetyRefusal,
		Title:           "Request refused",
		Status:          http.StatusForbidden,
		Detail:          detail,
		Refused:         true,
		ReasonCode:      reasonCode,
		Explanation:     "request denied",
		SupportTicketID: supportTicketID(requestID),
		RequestID:       requestID,
	}
}

// Suspended builds the 403 returned for a suspended identity.
func Suspended(reason, requestID string) RFC7807Error {
	return RFC7807Error{
		Type:            ErrorTypeSuspended,
		Title:           "Account suspended",
		Status:          http.StatusForbidden,
		Detail:          "this account is currently suspended: " + reason,
		Refused:         true,
		ReasonCode:      "USER_SUSPENDED",
		Explanation:     "request denied",
		SupportTicketID: supportTicketID(requestID),
		RequestID:       requestID,
	}
}

// RateLimited builds the 429 returned when the governor denies a request.
func RateLimited(reason, requestID string, retryAfterSeconds float64) RFC7807Error {
	return RFC7807Error{
		Type:          ErrorTypeRateLimited,
		Title:         "Rate limit exceeded",
		Status:        http.StatusTooManyRequests,
		Detail:        "request denied by the rate/stamina/heat governor: " + reason,
		RateLimited:   true,
		WindowSeconds: retryAfterSeconds,
		ReasonCode:    reason,
		RequestID:     requestID,
		RetryAfter:    retryAfterSeconds,
	}
}

// Validation builds a 400 for malformed input (bad content-type, timestamp,
// oversize body). This isn't one of spec.md's named refusal kinds, so it
// carries only the RFC 7807 fields.
func Validation(detail, requestID string) RFC7807Error {
	return RFC7807Error{
		Type:      ErrorTypeValidationError,
		Title:     "Validation failed",
		Status:    http.StatusBadRequest,
		Detail:    detail,
		RequestID: requestID,
	}
}

// UnsupportedMediaType builds the 415 for a non-JSON Content-Type.
func UnsupportedMediaType(detail, requestID string) RFC7807Error {
	return RFC7807Error{
		Type:      ErrorTypeUnsupportedMediaType,
		Title:     "Unsupported media type",
		Status:    http.StatusUnsupportedMediaType,
		Detail:    detail,
		RequestID: requestID,
	}
}
