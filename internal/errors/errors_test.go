package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestHTTPStatusFromError(t *testing.T) {
	resetMs := int64(30_000)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", NewInvalidRequestError("bad"), 400},
		{"rate limit", NewRateLimitError("slow down", &resetMs, "a@example.com"), 429},
		{"auth", NewAuthError("bad token", "a@example.com", "invalid_grant"), 401},
		{"permission", NewPermissionError("denied", "a@example.com"), 403},
		{"timeout", NewTimeoutError(""), 504},
		{"no accounts all limited", NewNoAccountsError("", true), 429},
		{"no accounts", NewNoAccountsError("", false), 503},
		{"max retries", NewMaxRetriesError("", 3), 503},
		{"api error passes status", NewApiError("boom", 418, "api_error"), 418},
		{"empty response", NewEmptyResponseError(""), 502},
		{"capacity", NewCapacityExhaustedError("", nil), 503},
		{"plain error", errors.New("what"), 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusFromError(tt.err); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAnthropicErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NewInvalidRequestError("bad"), "invalid_request_error"},
		{NewAuthError("x", "", ""), "authentication_error"},
		{NewPermissionError("x", ""), "permission_error"},
		{NewRateLimitError("x", nil, ""), "rate_limit_error"},
		{NewTimeoutError(""), "timeout_error"},
		{NewApiError("x", 529, "overloaded_error"), "overloaded_error"},
		{errors.New("x"), "api_error"},
	}

	for _, tt := range tests {
		if got := AnthropicErrorType(tt.err); got != tt.want {
			t.Errorf("AnthropicErrorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSanitizeMessage(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		leaked []string
	}{
		{
			"email",
			"refresh failed for alice.dev@example.com today",
			[]string{"alice.dev@example.com"},
		},
		{
			"access token",
			"upstream rejected ya29.a0AfH6SMBxyz_123-abc",
			[]string{"ya29."},
		},
		{
			"bearer header",
			"sent Bearer abc.def-ghi to upstream",
			[]string{"abc.def-ghi"},
		},
		{
			"file path",
			"open /home/user/.config/accounts.json: permission denied",
			[]string{"/home/user/.config"},
		},
		{
			"project id",
			"caller lacks access on projects/my-internal-project",
			[]string{"my-internal-project"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeMessage(tt.in)
			for _, leak := range tt.leaked {
				if strings.Contains(got, leak) {
					t.Errorf("sanitized message still contains %q: %q", leak, got)
				}
			}
			if !strings.Contains(got, "[redacted]") {
				t.Errorf("expected redaction marker in %q", got)
			}
		})
	}

	if got := SanitizeMessage("nothing sensitive here"); got != "nothing sensitive here" {
		t.Errorf("clean message altered: %q", got)
	}
}

func TestFormatAPIError(t *testing.T) {
	body := FormatAPIError(NewRateLimitError("limit hit for bob@example.com", nil, "bob@example.com"))

	if body["type"] != "error" {
		t.Errorf("type = %v", body["type"])
	}
	inner, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("error field = %#v", body["error"])
	}
	if inner["type"] != "rate_limit_error" {
		t.Errorf("error type = %v", inner["type"])
	}
	msg, _ := inner["message"].(string)
	if strings.Contains(msg, "bob@example.com") {
		t.Errorf("email leaked: %q", msg)
	}
}

func TestErrorClassifiers(t *testing.T) {
	if !IsRateLimitError(NewRateLimitError("x", nil, "")) {
		t.Error("typed rate limit not recognized")
	}
	if !IsRateLimitError(errors.New("got 429 from upstream")) {
		t.Error("429 text not recognized")
	}
	if IsRateLimitError(errors.New("all fine")) {
		t.Error("false positive rate limit")
	}

	if !IsAuthError(NewAuthError("x", "", "")) {
		t.Error("typed auth error not recognized")
	}
	if !IsAuthError(errors.New("oauth: invalid_grant")) {
		t.Error("invalid_grant text not recognized")
	}

	if !IsPermissionError(NewPermissionError("x", "")) {
		t.Error("typed permission error not recognized")
	}
	if !IsPermissionError(errors.New("upstream: PERMISSION_DENIED on project")) {
		t.Error("PERMISSION_DENIED text not recognized")
	}
	if IsPermissionError(errors.New("permission slip")) {
		t.Error("false positive permission error")
	}

	if !IsCapacityExhaustedError(errors.New("MODEL_CAPACITY_EXHAUSTED")) {
		t.Error("capacity text not recognized")
	}
	if !IsEmptyResponseError(NewEmptyResponseError("")) {
		t.Error("typed empty response not recognized")
	}
}

func TestApiErrorRetryable(t *testing.T) {
	if NewApiError("x", 400, "").Retryable {
		t.Error("4xx should not be retryable")
	}
	if !NewApiError("x", 502, "").Retryable {
		t.Error("5xx should be retryable")
	}
}
