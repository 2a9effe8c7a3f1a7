package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

func testAccounts() []*redis.Account {
	return []*redis.Account{
		{Email: "a@example.com", Enabled: true},
		{Email: "b@example.com", Enabled: true},
	}
}

func TestStickySelectsAndPins(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()

	first := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	if first.Account == nil || first.Account.Email != "a@example.com" {
		t.Fatalf("first selection = %#v", first)
	}

	// Pin survives a moved cursor
	second := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 1})
	if second.Account == nil || second.Account.Email != "a@example.com" {
		t.Errorf("pin not honored, got %#v", second.Account)
	}
}

func TestStickyPinIsPerModel(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()

	s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	other := s.SelectAccount(ctx, accounts, "gemini-3-pro", SelectOptions{CurrentIndex: 1})

	if other.Account == nil || other.Account.Email != "b@example.com" {
		t.Errorf("second model should follow its own cursor, got %#v", other.Account)
	}
}

func TestStickyFailsOverWhenPinnedUnusable(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()

	s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})

	accounts[0].Enabled = false
	result := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})

	if result.Account == nil || result.Account.Email != "b@example.com" {
		t.Fatalf("expected failover to b, got %#v", result.Account)
	}

	// Failover re-pins, so the next call stays on b even after a recovers
	accounts[0].Enabled = true
	again := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	if again.Account == nil || again.Account.Email != "b@example.com" {
		t.Errorf("pin should follow the failover target, got %#v", again.Account)
	}
}

func TestStickyOnFailureClearsPin(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()

	first := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	s.OnFailure(first.Account, "claude-sonnet-4-5")

	// With the pin gone the cursor decides again
	result := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 1})
	if result.Account == nil || result.Account.Email != "b@example.com" {
		t.Errorf("cleared pin should fall back to cursor, got %#v", result.Account)
	}
}

func TestStickyPinIdleExpiry(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()

	s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})

	s.mu.Lock()
	s.pins["claude-sonnet-4-5"].lastUsed = time.Now().Add(-PinIdleExpiry - time.Minute)
	s.mu.Unlock()

	result := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 1})
	if result.Account == nil || result.Account.Email != "b@example.com" {
		t.Errorf("idle-expired pin should be dropped, got %#v", result.Account)
	}
}

func TestStickyPinDroppedWhenAccountRemoved(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()

	s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})

	remaining := accounts[1:]
	result := s.SelectAccount(ctx, remaining, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	if result.Account == nil || result.Account.Email != "b@example.com" {
		t.Errorf("pin to removed account should be dropped, got %#v", result.Account)
	}
}

func TestStickySkipsCoolingDownAccounts(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()
	accounts[0].CoolingDownUntil = time.Now().Add(time.Minute).UnixMilli()

	result := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	if result.Account == nil || result.Account.Email != "b@example.com" {
		t.Errorf("cooling-down account should be skipped, got %#v", result.Account)
	}
}

func TestStickyExpiredCooldownClears(t *testing.T) {
	s := NewStickyStrategy(nil)
	accounts := testAccounts()
	accounts[0].CoolingDownUntil = time.Now().Add(-time.Second).UnixMilli()

	if s.IsAccountCoolingDown(accounts[0]) {
		t.Error("lapsed cooldown should report not cooling down")
	}
	if accounts[0].CoolingDownUntil != 0 {
		t.Error("lapsed cooldown timestamp should be reset")
	}
}

func TestStickyNoAccounts(t *testing.T) {
	s := NewStickyStrategy(nil)

	result := s.SelectAccount(context.Background(), nil, "claude-sonnet-4-5", SelectOptions{})
	if result.Account != nil || result.WaitMs != 0 {
		t.Errorf("empty pool should yield nil account, got %#v", result)
	}
}

func TestStickyAllUnusable(t *testing.T) {
	s := NewStickyStrategy(nil)
	accounts := []*redis.Account{
		{Email: "a@example.com", Enabled: false},
		{Email: "b@example.com", IsInvalid: true, Enabled: true},
	}

	result := s.SelectAccount(context.Background(), accounts, "claude-sonnet-4-5", SelectOptions{})
	if result.Account != nil {
		t.Errorf("no usable accounts should yield nil, got %#v", result.Account)
	}
}

func TestStickyAvoidsInMemoryRateLimitedAccount(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := testAccounts()
	accounts[0].ModelRateLimits = map[string]*redis.RateLimitInfo{
		"claude-sonnet-4-5": {
			IsRateLimited: true,
			ResetTime:     time.Now().Add(5 * time.Minute).UnixMilli(),
		},
	}

	if s.IsAccountUsable(ctx, accounts[0], "claude-sonnet-4-5") {
		t.Error("account with a live in-memory rate limit should not be usable")
	}

	result := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	if result.Account == nil || result.Account.Email != "b@example.com" {
		t.Fatalf("expected the free account, got %#v", result.Account)
	}

	// The limit is per model, other models still use a
	other := s.SelectAccount(ctx, accounts, "gemini-3-pro", SelectOptions{CurrentIndex: 0})
	if other.Account == nil || other.Account.Email != "a@example.com" {
		t.Errorf("unrelated model should still use a, got %#v", other.Account)
	}
}

func TestStickyExpiredInMemoryLimitClears(t *testing.T) {
	s := NewStickyStrategy(nil)
	accounts := testAccounts()
	accounts[0].ModelRateLimits = map[string]*redis.RateLimitInfo{
		"claude-sonnet-4-5": {
			IsRateLimited: true,
			ResetTime:     time.Now().Add(-time.Second).UnixMilli(),
		},
	}

	if !s.IsAccountUsable(context.Background(), accounts[0], "claude-sonnet-4-5") {
		t.Error("lapsed rate limit should not block the account")
	}
}

func TestStickyWaitsOnShortInMemoryLimit(t *testing.T) {
	s := NewStickyStrategy(nil)
	ctx := context.Background()
	accounts := []*redis.Account{{Email: "a@example.com", Enabled: true}}
	accounts[0].ModelRateLimits = map[string]*redis.RateLimitInfo{
		"claude-sonnet-4-5": {
			IsRateLimited: true,
			ResetTime:     time.Now().Add(30 * time.Second).UnixMilli(),
		},
	}

	result := s.SelectAccount(ctx, accounts, "claude-sonnet-4-5", SelectOptions{CurrentIndex: 0})
	if result.Account != nil {
		t.Fatalf("rate-limited sole account should not be returned, got %#v", result.Account)
	}
	if result.WaitMs <= 0 || result.WaitMs > 30_000 {
		t.Errorf("expected a short wait, got %d", result.WaitMs)
	}
}

func TestIsValidStrategy(t *testing.T) {
	for _, name := range []string{StrategySticky, StrategyRoundRobin, "roundrobin"} {
		if !IsValidStrategy(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	for _, name := range []string{"", "hybrid", "random"} {
		if IsValidStrategy(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}
