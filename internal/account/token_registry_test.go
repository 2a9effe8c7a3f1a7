package account

import (
	"testing"
	"time"
)

func TestTokenRegistryNoteIssued(t *testing.T) {
	r := NewTokenRegistry()
	r.NoteIssued("a@example.com", time.Now().Add(time.Hour))

	if got := r.Status("a@example.com"); got != TokenValid {
		t.Errorf("status = %v, want valid", got)
	}
	if r.ShouldRefresh("a@example.com") {
		t.Error("fresh token should not need refresh")
	}
}

func TestTokenRegistryIgnoresShortLivedTokens(t *testing.T) {
	r := NewTokenRegistry()
	// Below the minimum tracked lifetime, a broken upstream handing out
	// near-expired tokens must not drive a refresh loop
	r.NoteIssued("a@example.com", time.Now().Add(time.Minute))

	if got := r.Status("a@example.com"); got != TokenUnknown {
		t.Errorf("status = %v, want unknown", got)
	}
	if r.ShouldRefresh("a@example.com") {
		t.Error("untracked token should not be refreshed proactively")
	}
}

func TestTokenRegistryUnknownAccount(t *testing.T) {
	r := NewTokenRegistry()

	if got := r.Status("nobody@example.com"); got != TokenUnknown {
		t.Errorf("status = %v, want unknown", got)
	}
	if r.ShouldRefresh("nobody@example.com") {
		t.Error("unknown account should not be refreshed")
	}
	if !r.ExpiresAt("nobody@example.com").IsZero() {
		t.Error("unknown account expiry should be zero")
	}
}

func TestTokenRegistryExpiryStates(t *testing.T) {
	r := NewTokenRegistry()

	r.records["soon@example.com"] = &tokenRecord{
		issuedAt:  time.Now().Add(-50 * time.Minute),
		expiresAt: time.Now().Add(2 * time.Minute),
	}
	r.records["dead@example.com"] = &tokenRecord{
		issuedAt:  time.Now().Add(-2 * time.Hour),
		expiresAt: time.Now().Add(-time.Minute),
	}

	if got := r.Status("soon@example.com"); got != TokenExpiringSoon {
		t.Errorf("status = %v, want expiring_soon", got)
	}
	if got := r.Status("dead@example.com"); got != TokenExpired {
		t.Errorf("status = %v, want expired", got)
	}

	if !r.ShouldRefresh("soon@example.com") {
		t.Error("token inside expiry buffer should be refreshed")
	}
	if !r.ShouldRefresh("dead@example.com") {
		t.Error("expired token should be refreshed")
	}
}

func TestTokenRegistryFailureBackoff(t *testing.T) {
	r := NewTokenRegistry()

	r.records["flaky@example.com"] = &tokenRecord{
		issuedAt:  time.Now().Add(-50 * time.Minute),
		expiresAt: time.Now().Add(time.Minute),
	}

	r.NoteFailure("flaky@example.com")
	if r.ShouldRefresh("flaky@example.com") {
		t.Error("refresh should back off right after a failure")
	}

	// Pretend the backoff window has elapsed
	r.records["flaky@example.com"].lastFailureAt = time.Now().Add(-2 * time.Minute)
	if !r.ShouldRefresh("flaky@example.com") {
		t.Error("refresh should resume after the backoff window")
	}

	// Repeated failures widen the window past the 2 minute mark
	r.NoteFailure("flaky@example.com")
	r.NoteFailure("flaky@example.com")
	r.records["flaky@example.com"].lastFailureAt = time.Now().Add(-2 * time.Minute)
	if r.ShouldRefresh("flaky@example.com") {
		t.Error("third failure should push backoff past 2 minutes")
	}
}

func TestTokenRegistryForget(t *testing.T) {
	r := NewTokenRegistry()
	r.NoteIssued("gone@example.com", time.Now().Add(time.Hour))
	r.Forget("gone@example.com")

	if got := r.Status("gone@example.com"); got != TokenUnknown {
		t.Errorf("status after forget = %v, want unknown", got)
	}
}
