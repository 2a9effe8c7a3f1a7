package cloudcode

import (
	"testing"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
)

func TestGetRateLimitBackoffEscalates(t *testing.T) {
	email := "backoff-escalate@example.com"
	model := "claude-sonnet-4-5"
	ClearRateLimitState(email, model)

	first := GetRateLimitBackoff(email, model, 0)
	if first.Attempt != 1 || first.IsDuplicate {
		t.Fatalf("first = %#v", first)
	}
	if first.DelayMs != config.FirstRetryDelayMs {
		t.Errorf("first delay = %d, want %d", first.DelayMs, int64(config.FirstRetryDelayMs))
	}

	// Move past the dedup window so the counter advances
	key := GetDedupKey(email, model)
	rateLimitStates.Lock()
	rateLimitStates.m[key].LastAt = time.Now().Add(-3 * time.Second)
	rateLimitStates.Unlock()

	second := GetRateLimitBackoff(email, model, 0)
	if second.Attempt != 2 || second.IsDuplicate {
		t.Fatalf("second = %#v", second)
	}
	if second.DelayMs <= first.DelayMs {
		t.Errorf("backoff did not grow: %d then %d", first.DelayMs, second.DelayMs)
	}

	ClearRateLimitState(email, model)
}

func TestGetRateLimitBackoffDedupsBursts(t *testing.T) {
	email := "backoff-dedup@example.com"
	model := "claude-sonnet-4-5"
	ClearRateLimitState(email, model)

	GetRateLimitBackoff(email, model, 0)
	burst := GetRateLimitBackoff(email, model, 0)

	if !burst.IsDuplicate {
		t.Error("concurrent 429 inside dedup window should be flagged duplicate")
	}
	if burst.Attempt != 1 {
		t.Errorf("duplicate should not advance attempt, got %d", burst.Attempt)
	}

	ClearRateLimitState(email, model)
}

func TestGetRateLimitBackoffHonorsServerDelay(t *testing.T) {
	email := "backoff-server@example.com"
	model := "claude-sonnet-4-5"
	ClearRateLimitState(email, model)

	result := GetRateLimitBackoff(email, model, 30_000)
	if result.DelayMs < 30_000 {
		t.Errorf("delay = %d, server retry-after should be the floor", result.DelayMs)
	}

	ClearRateLimitState(email, model)
}

func TestCalculateSmartBackoff(t *testing.T) {
	// Server-provided reset wins, floored to the minimum
	if got := CalculateSmartBackoff("whatever", 45_000, 0); got != 45_000 {
		t.Errorf("server reset: got %d, want 45000", got)
	}
	if got := CalculateSmartBackoff("whatever", 1, 0); got != config.MinBackoffMs {
		t.Errorf("floored reset: got %d, want %d", got, int64(config.MinBackoffMs))
	}

	if got := CalculateSmartBackoff("QUOTA_EXHAUSTED: daily limit", 0, 0); got != config.QuotaExhaustedBackoffTiersMs[0] {
		t.Errorf("quota tier 0: got %d, want %d", got, config.QuotaExhaustedBackoffTiersMs[0])
	}
	last := len(config.QuotaExhaustedBackoffTiersMs) - 1
	if got := CalculateSmartBackoff("QUOTA_EXHAUSTED", 0, last+5); got != config.QuotaExhaustedBackoffTiersMs[last] {
		t.Errorf("quota tier cap: got %d, want %d", got, config.QuotaExhaustedBackoffTiersMs[last])
	}

	if got := CalculateSmartBackoff("too many requests", 0, 0); got != config.BackoffByErrorType["RATE_LIMIT_EXCEEDED"] {
		t.Errorf("rate limit class: got %d", got)
	}

	// Capacity backoff carries jitter
	base := config.BackoffByErrorType["MODEL_CAPACITY_EXHAUSTED"]
	got := CalculateSmartBackoff("model is currently overloaded", 0, 0)
	if got < base-config.CapacityJitterMaxMs || got > base+config.CapacityJitterMaxMs {
		t.Errorf("capacity backoff %d outside jitter range around %d", got, base)
	}
}

func TestIsPermanentAuthFailure(t *testing.T) {
	permanent := []string{
		"oauth error: invalid_grant",
		"Token has been expired or revoked",
		"invalid_client: unauthorized",
	}
	for _, text := range permanent {
		if !IsPermanentAuthFailure(text) {
			t.Errorf("%q should be permanent", text)
		}
	}

	transient := []string{"connection reset by peer", "429 too many requests", ""}
	for _, text := range transient {
		if IsPermanentAuthFailure(text) {
			t.Errorf("%q should not be permanent", text)
		}
	}
}

func TestIsModelCapacityExhausted(t *testing.T) {
	if !IsModelCapacityExhausted("MODEL_CAPACITY_EXHAUSTED for gemini-3-pro") {
		t.Error("capacity marker not detected")
	}
	if IsModelCapacityExhausted("quota exceeded") {
		t.Error("quota error misclassified as capacity")
	}
}
