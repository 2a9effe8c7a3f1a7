package cloudcode

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
)

func TestClampResetMs(t *testing.T) {
	tests := []struct {
		in   int64
		want int64
	}{
		{0, config.RateLimitResetMinMs},
		{500, config.RateLimitResetMinMs},
		{config.RateLimitResetMinMs, config.RateLimitResetMinMs},
		{30_000, 30_000},
		{config.RateLimitResetMaxMs, config.RateLimitResetMaxMs},
		{config.RateLimitResetMaxMs + 1, config.RateLimitResetMaxMs},
	}

	for _, tt := range tests {
		if got := ClampResetMs(tt.in); got != tt.want {
			t.Errorf("ClampResetMs(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseResetTimeRetryAfterSeconds(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "30")

	if got := ParseResetTime(headers, ""); got != 30_000 {
		t.Errorf("got %d, want 30000", got)
	}
}

func TestParseResetTimeRetryAfterHTTPDate(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", time.Now().Add(2*time.Minute).UTC().Format(time.RFC1123))

	got := ParseResetTime(headers, "")
	if got < 110_000 || got > 120_000 {
		t.Errorf("got %d, want ~120000", got)
	}
}

func TestParseResetTimeRetryAfterDateInPast(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", time.Now().Add(-time.Minute).UTC().Format(time.RFC1123))

	// A reset already in the past means the limit has lapsed; nothing to wait for
	if got := ParseResetTime(headers, ""); got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

func TestParseResetTimeStructuredRetryDelay(t *testing.T) {
	body := `{"error":{"message":"Resource exhausted","status":"RESOURCE_EXHAUSTED","details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}]}}`

	if got := ParseResetTime(http.Header{}, body); got != 30_000 {
		t.Errorf("got %d, want 30000", got)
	}
}

func TestParseResetTimeStructuredQuotaResetTime(t *testing.T) {
	resetAt := time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"error":{"message":"Quota exceeded","metadata":{"quotaResetTime":"%s"}}}`, resetAt)

	got := ParseResetTime(http.Header{}, body)
	if got < 290_000 || got > 300_000 {
		t.Errorf("got %d, want ~300000", got)
	}
}

func TestParseResetTimeFreeTextPatterns(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int64
	}{
		{"retry after seconds", "please retry after 60 seconds", 60_000},
		{"quotaResetDelay ms", `quotaResetDelay: 754ms`, config.RateLimitResetMinMs},
		{"quotaResetDelay s", `quotaResetDelay: 1.5s`, 1_500},
		{"duration", "rate limited, resets in 23m45s", (23*60 + 45) * 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseResetTime(http.Header{}, tt.body); got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestParseResetTimeHeaderWinsOverBody(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "10")
	body := `{"error":{"details":[{"retryDelay":"99s"}]}}`

	if got := ParseResetTime(headers, body); got != 10_000 {
		t.Errorf("got %d, want 10000 (header priority)", got)
	}
}

func TestParseResetTimeClampsHugeValues(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "90000") // 25 hours

	if got := ParseResetTime(headers, ""); got != config.RateLimitResetMaxMs {
		t.Errorf("got %d, want clamped %d", got, config.RateLimitResetMaxMs)
	}
}

func TestParseResetTimeNothingUsable(t *testing.T) {
	if got := ParseResetTime(http.Header{}, "something went wrong"); got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

func TestParseResetTimeOrDefaultFallback(t *testing.T) {
	if got := ParseResetTimeOrDefault(http.Header{}, ""); got != config.RateLimitResetFallbackMs {
		t.Errorf("got %d, want fallback %d", got, int64(config.RateLimitResetFallbackMs))
	}

	headers := http.Header{}
	headers.Set("Retry-After", "5")
	if got := ParseResetTimeOrDefault(headers, ""); got != 5_000 {
		t.Errorf("got %d, want 5000", got)
	}
}

func TestParseRateLimitReason(t *testing.T) {
	tests := []struct {
		text   string
		status int
		want   RateLimitReason
	}{
		{"", 529, RateLimitReasonModelCapacityExhausted},
		{"", 503, RateLimitReasonModelCapacityExhausted},
		{"", 500, RateLimitReasonServerError},
		{"Quota exceeded for quota metric", 429, RateLimitReasonQuotaExhausted},
		{"RESOURCE_EXHAUSTED", 429, RateLimitReasonQuotaExhausted},
		{"The model is currently overloaded", 429, RateLimitReasonModelCapacityExhausted},
		{"Too many requests", 429, RateLimitReasonRateLimitExceeded},
		{"request was throttled", 429, RateLimitReasonRateLimitExceeded},
		{"mystery", 429, RateLimitReasonUnknown},
	}

	for _, tt := range tests {
		if got := ParseRateLimitReason(tt.text, tt.status); got != tt.want {
			t.Errorf("ParseRateLimitReason(%q, %d) = %v, want %v", tt.text, tt.status, got, tt.want)
		}
	}
}
