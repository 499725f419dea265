// Package errors defines the typed application error used at every request
// boundary: a safety refusal, an HTTP handler failure, a detector crash all
// resolve to one AppError carrying the HTTP status the gateway must return.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies an AppError and determines its default HTTP status.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"

	// Safety-specific types, extending the ambient taxonomy per the
	// gateway's refusal contract.
	ErrorTypeSafetyUnavailable ErrorType = "safety_unavailable"
	ErrorTypeUserSuspended     ErrorType = "user_suspended"
	ErrorTypeInputTooLong      ErrorType = "input_too_long"
	ErrorTypeStaminaExhausted  ErrorType = "stamina_exhausted"
	ErrorTypeCooldownActive    ErrorType = "cooldown_active"
	ErrorTypeDynamicBlocklist  ErrorType = "dynamic_blocklist"
	ErrorTypeHighEntropy       ErrorType = "high_entropy_payload"
	ErrorTypeCanaryDetected    ErrorType = "safety_canary_detected"
	ErrorTypeRuleRefusal       ErrorType = "rule_refusal"
	ErrorTypeDetectorError     ErrorType = "detector_error"
	ErrorTypePostCheckTimeout  ErrorType = "post_check_timeout"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,

	ErrorTypeSafetyUnavailable: http.StatusServiceUnavailable,
	ErrorTypeUserSuspended:     http.StatusForbidden,
	ErrorTypeInputTooLong:      http.StatusForbidden,
	ErrorTypeStaminaExhausted:  http.StatusTooManyRequests,
	ErrorTypeCooldownActive:    http.StatusTooManyRequests,
	ErrorTypeDynamicBlocklist:  http.StatusForbidden,
	ErrorTypeHighEntropy:       http.StatusForbidden,
	ErrorTypeCanaryDetected:    http.StatusForbidden,
	ErrorTypeRuleRefusal:       http.StatusForbidden,
	ErrorTypeDetectorError:     http.StatusInternalServerError,
	ErrorTypePostCheckTimeout:  http.StatusInternalServerError,
}

// AppError is the typed error carried from detection logic out to the HTTP
// response writer.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

func New(t ErrorType, message string) *AppError {
	status, ok := statusByType[t]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{Type: t, Message: message, StatusCode: status}
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Details)
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// NewValidationError is a predefined constructor for ErrorTypeValidation.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

// GetType returns err's ErrorType, or ErrorTypeInternal for non-AppErrors.
func GetType(err error) ErrorType {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status for err.
func GetStatusCode(err error) int {
	if appErr, ok := err.(*AppError); ok {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds the fixed, user-safe strings for error types whose
// internal message must never reach the client.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Rate limit exceeded",
	ConcurrentModification: "The resource was modified concurrently",
}

// SafeErrorMessage returns a message safe to show a caller: validation
// messages pass through (they describe the caller's own input), everything
// else maps to a generic or fixed string so internals never leak.
func SafeErrorMessage(err error) string {
	appErr, ok := err.(*AppError)
	if !ok {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}

// LogFields returns the structured fields to attach to a log line for err.
func LogFields(err error) map[string]interface{} {
	fields := map[string]interface{}{"error": err.Error()}
	appErr, ok := err.(*AppError)
	if !ok {
		return fields
	}
	fields["error_type"] = string(appErr.Type)
	fields["status_code"] = appErr.StatusCode
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain concatenates non-nil errors with " -> ", preserving their order. A
// single remaining error is returned as-is; zero remaining errors is nil.
func Chain(errs ...error) error {
	var kept []string
	var first error
	n := 0
	for _, e := range errs {
		if e == nil {
			continue
		}
		if n == 0 {
			first = e
		}
		n++
		kept = append(kept, e.Error())
	}
	switch n {
	case 0:
		return nil
	case 1:
		return first
	default:
		return fmt.Errorf("%s", strings.Join(kept, " -> "))
	}
}
