// Package errors provides the typed error taxonomy surfaced by the proxy.
// Internal errors carry full detail; the API boundary maps them to an
// Anthropic-style error payload with a sanitized message.
package errors

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ProxyError is the base error type for proxy errors
type ProxyError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func (e *ProxyError) Error() string {
	return e.Message
}

// ToJSON converts the error to JSON for API responses
func (e *ProxyError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":      e.Code,
		"message":   e.Message,
		"retryable": e.Retryable,
	}
	for k, v := range e.Metadata {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler
func (e *ProxyError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// NewProxyError creates a new ProxyError
func NewProxyError(message, code string, retryable bool, metadata map[string]interface{}) *ProxyError {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &ProxyError{
		Message:   message,
		Code:      code,
		Retryable: retryable,
		Metadata:  metadata,
	}
}

// InvalidRequestError represents a request the proxy rejects before dispatch
type InvalidRequestError struct {
	*ProxyError
}

// NewInvalidRequestError creates a new InvalidRequestError
func NewInvalidRequestError(message string) *InvalidRequestError {
	return &InvalidRequestError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "INVALID_REQUEST",
			Retryable: false,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// RateLimitError represents a rate limit error (429 / RESOURCE_EXHAUSTED)
type RateLimitError struct {
	*ProxyError
	ResetMs      *int64 `json:"resetMs,omitempty"`
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewRateLimitError creates a new RateLimitError
func NewRateLimitError(message string, resetMs *int64, accountEmail string) *RateLimitError {
	metadata := map[string]interface{}{}
	if resetMs != nil {
		metadata["resetMs"] = *resetMs
	}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &RateLimitError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "RATE_LIMITED",
			Retryable: true,
			Metadata:  metadata,
		},
		ResetMs:      resetMs,
		AccountEmail: accountEmail,
	}
}

// AuthError represents an authentication error
type AuthError struct {
	*ProxyError
	AccountEmail string `json:"accountEmail,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// NewAuthError creates a new AuthError
func NewAuthError(message, accountEmail, reason string) *AuthError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	if reason != "" {
		metadata["reason"] = reason
	}
	return &AuthError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "AUTH_INVALID",
			Retryable: false,
			Metadata:  metadata,
		},
		AccountEmail: accountEmail,
		Reason:       reason,
	}
}

// PermissionError represents an upstream 403 / PERMISSION_DENIED
type PermissionError struct {
	*ProxyError
	AccountEmail string `json:"accountEmail,omitempty"`
}

// NewPermissionError creates a new PermissionError
func NewPermissionError(message, accountEmail string) *PermissionError {
	metadata := map[string]interface{}{}
	if accountEmail != "" {
		metadata["accountEmail"] = accountEmail
	}
	return &PermissionError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "PERMISSION_DENIED",
			Retryable: false,
			Metadata:  metadata,
		},
		AccountEmail: accountEmail,
	}
}

// TimeoutError represents an upstream request that exceeded its deadline
type TimeoutError struct {
	*ProxyError
}

// NewTimeoutError creates a new TimeoutError
func NewTimeoutError(message string) *TimeoutError {
	if message == "" {
		message = "Upstream request timed out"
	}
	return &TimeoutError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "TIMEOUT",
			Retryable: true,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// NoAccountsError represents no accounts available error
type NoAccountsError struct {
	*ProxyError
	AllRateLimited bool `json:"allRateLimited"`
}

// NewNoAccountsError creates a new NoAccountsError
func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	if message == "" {
		message = "No accounts available"
	}
	return &NoAccountsError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "NO_ACCOUNTS",
			Retryable: allRateLimited,
			Metadata: map[string]interface{}{
				"allRateLimited": allRateLimited,
			},
		},
		AllRateLimited: allRateLimited,
	}
}

// MaxRetriesError represents max retries exceeded error
type MaxRetriesError struct {
	*ProxyError
	Attempts int `json:"attempts"`
}

// NewMaxRetriesError creates a new MaxRetriesError
func NewMaxRetriesError(message string, attempts int) *MaxRetriesError {
	if message == "" {
		message = "Max retries exceeded"
	}
	return &MaxRetriesError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "MAX_RETRIES",
			Retryable: false,
			Metadata: map[string]interface{}{
				"attempts": attempts,
			},
		},
		Attempts: attempts,
	}
}

// ApiError represents an API error from the upstream service
type ApiError struct {
	*ProxyError
	StatusCode int    `json:"statusCode"`
	ErrorType  string `json:"errorType"`
}

// NewApiError creates a new ApiError
func NewApiError(message string, statusCode int, errorType string) *ApiError {
	if errorType == "" {
		errorType = "api_error"
	}
	return &ApiError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      strings.ToUpper(errorType),
			Retryable: statusCode >= 500,
			Metadata: map[string]interface{}{
				"statusCode": statusCode,
				"errorType":  errorType,
			},
		},
		StatusCode: statusCode,
		ErrorType:  errorType,
	}
}

// EmptyResponseError represents an empty response from the upstream
type EmptyResponseError struct {
	*ProxyError
}

// NewEmptyResponseError creates a new EmptyResponseError
func NewEmptyResponseError(message string) *EmptyResponseError {
	if message == "" {
		message = "No content received from API"
	}
	return &EmptyResponseError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "EMPTY_RESPONSE",
			Retryable: true,
			Metadata:  make(map[string]interface{}),
		},
	}
}

// CapacityExhaustedError represents a capacity exhausted error
type CapacityExhaustedError struct {
	*ProxyError
	RetryAfterMs *int64 `json:"retryAfterMs,omitempty"`
}

// NewCapacityExhaustedError creates a new CapacityExhaustedError
func NewCapacityExhaustedError(message string, retryAfterMs *int64) *CapacityExhaustedError {
	if message == "" {
		message = "Model capacity exhausted"
	}
	metadata := map[string]interface{}{}
	if retryAfterMs != nil {
		metadata["retryAfterMs"] = *retryAfterMs
	}
	return &CapacityExhaustedError{
		ProxyError: &ProxyError{
			Message:   message,
			Code:      "CAPACITY_EXHAUSTED",
			Retryable: true,
			Metadata:  metadata,
		},
		RetryAfterMs: retryAfterMs,
	}
}

// Error checking functions

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	if _, ok := err.(*RateLimitError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "quota_exhausted") ||
		strings.Contains(msg, "rate limit")
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool {
	if _, ok := err.(*AuthError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "AUTH_INVALID") ||
		strings.Contains(msg, "INVALID_GRANT") ||
		strings.Contains(msg, "TOKEN REFRESH FAILED")
}

// IsPermissionError checks if an error is a permission error
func IsPermissionError(err error) bool {
	if _, ok := err.(*PermissionError); ok {
		return true
	}
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToUpper(err.Error()), "PERMISSION_DENIED")
}

// IsEmptyResponseError checks if an error is an empty response error
func IsEmptyResponseError(err error) bool {
	if _, ok := err.(*EmptyResponseError); ok {
		return true
	}
	if pe, ok := err.(*ProxyError); ok {
		return pe.Code == "EMPTY_RESPONSE"
	}
	return false
}

// IsCapacityExhaustedError checks if an error is a capacity exhausted error
func IsCapacityExhaustedError(err error) bool {
	if _, ok := err.(*CapacityExhaustedError); ok {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "model_capacity_exhausted") ||
		strings.Contains(msg, "capacity_exhausted") ||
		strings.Contains(msg, "model is currently overloaded") ||
		strings.Contains(msg, "service temporarily unavailable")
}

// WrapError wraps a standard error as a ProxyError
func WrapError(err error, code string, retryable bool) *ProxyError {
	if err == nil {
		return nil
	}
	return NewProxyError(err.Error(), code, retryable, nil)
}

// HTTPStatusFromError returns the appropriate HTTP status code for an error
func HTTPStatusFromError(err error) int {
	switch e := err.(type) {
	case *InvalidRequestError:
		return 400
	case *RateLimitError:
		return 429
	case *AuthError:
		return 401
	case *PermissionError:
		return 403
	case *TimeoutError:
		return 504
	case *NoAccountsError:
		if e.AllRateLimited {
			return 429
		}
		return 503
	case *MaxRetriesError:
		return 503
	case *ApiError:
		return e.StatusCode
	case *EmptyResponseError:
		return 502
	case *CapacityExhaustedError:
		return 503
	default:
		return 500
	}
}

// AnthropicErrorType returns the Anthropic wire error type for an error
func AnthropicErrorType(err error) string {
	switch HTTPStatusFromError(err) {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 429:
		return "rate_limit_error"
	case 504:
		return "timeout_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

var (
	emailPattern   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	bearerPattern  = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)
	tokenPattern   = regexp.MustCompile(`ya29\.[A-Za-z0-9._-]+`)
	pathPattern    = regexp.MustCompile(`(?:/[A-Za-z0-9._-]+){3,}`)
	projectPattern = regexp.MustCompile(`projects/[A-Za-z0-9-]+`)
)

// SanitizeMessage strips account emails, tokens, file paths, and project IDs
// from a message before it crosses the API boundary.
func SanitizeMessage(message string) string {
	message = bearerPattern.ReplaceAllString(message, "[redacted]")
	message = tokenPattern.ReplaceAllString(message, "[redacted]")
	message = emailPattern.ReplaceAllString(message, "[redacted]")
	message = projectPattern.ReplaceAllString(message, "[redacted]")
	message = pathPattern.ReplaceAllString(message, "[redacted]")
	return message
}

// FormatAPIError formats an error as an Anthropic-style API response body.
// The message is sanitized; the caller logs the original separately.
func FormatAPIError(err error) map[string]interface{} {
	return map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    AnthropicErrorType(err),
			"message": SanitizeMessage(err.Error()),
		},
	}
}

// ErrorWithContext adds context to an error
func ErrorWithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}
