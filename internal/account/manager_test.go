package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account/strategies"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

func newTestManager(t *testing.T, accounts ...*redis.Account) *Manager {
	t.Helper()

	orig := config.AccountConfigPath
	config.AccountConfigPath = filepath.Join(t.TempDir(), "accounts.json")
	t.Cleanup(func() { config.AccountConfigPath = orig })

	m := NewManager(nil, config.DefaultConfig())
	m.accounts = accounts
	m.initialized = true
	m.strategy = strategies.NewStrategy(config.DefaultSelectionStrategy, nil)
	return m
}

func TestAllRateLimitedStateSurvivesUntilReset(t *testing.T) {
	m := newTestManager(t,
		&redis.Account{Email: "a@example.com", Enabled: true},
		&redis.Account{Email: "b@example.com", Enabled: true},
	)
	ctx := context.Background()
	model := "claude-sonnet-4-5"

	if err := m.MarkRateLimited(ctx, "a@example.com", 300_000, model); err != nil {
		t.Fatal(err)
	}
	if err := m.MarkRateLimited(ctx, "b@example.com", 300_000, model); err != nil {
		t.Fatal(err)
	}

	if got := m.GetAvailableAccounts(model); len(got) != 0 {
		t.Fatalf("rate-limited accounts reported available: %d", len(got))
	}
	if !m.IsAllRateLimited(model) {
		t.Error("pool should report all rate-limited")
	}

	minWait := m.GetMinWaitTimeMs(ctx, model)
	if minWait <= config.MaxWaitBeforeErrorMs || minWait > 300_000 {
		t.Errorf("min wait = %d, want within (%d, 300000]", minWait, int64(config.MaxWaitBeforeErrorMs))
	}

	// Nothing has expired, so nothing may be cleared early
	if cleared := m.ClearExpiredLimits(ctx); cleared != 0 {
		t.Errorf("cleared %d live limits", cleared)
	}
	if len(m.GetAvailableAccounts(model)) != 0 {
		t.Error("rate limit state must survive until the reset time")
	}
}

func TestRateLimitLapsesOnItsOwn(t *testing.T) {
	m := newTestManager(t, &redis.Account{Email: "a@example.com", Enabled: true})
	ctx := context.Background()
	model := "claude-sonnet-4-5"

	if err := m.MarkRateLimited(ctx, "a@example.com", -time.Second.Milliseconds(), model); err != nil {
		t.Fatal(err)
	}

	if m.IsAllRateLimited(model) {
		t.Error("lapsed limit should not count as rate-limited")
	}
	if cleared := m.ClearExpiredLimits(ctx); cleared != 1 {
		t.Errorf("cleared = %d, want 1", cleared)
	}
	if len(m.GetAvailableAccounts(model)) != 1 {
		t.Error("account should be available after its limit lapsed")
	}
}

func TestMarkInvalidIsTerminal(t *testing.T) {
	m := newTestManager(t,
		&redis.Account{Email: "a@example.com", Enabled: true},
		&redis.Account{Email: "b@example.com", Enabled: true},
	)
	ctx := context.Background()

	if err := m.MarkInvalid(ctx, "a@example.com", "Permission denied by upstream"); err != nil {
		t.Fatal(err)
	}

	invalid := m.GetInvalidAccounts()
	if len(invalid) != 1 || invalid[0].Email != "a@example.com" {
		t.Fatalf("invalid accounts = %#v", invalid)
	}
	if invalid[0].InvalidReason != "Permission denied by upstream" || invalid[0].InvalidAt == 0 {
		t.Errorf("invalid metadata not recorded: %#v", invalid[0])
	}

	available := m.GetAvailableAccounts("claude-sonnet-4-5")
	if len(available) != 1 || available[0].Email != "b@example.com" {
		t.Errorf("available = %#v", available)
	}
}

func TestAllInvalidPoolIsNotRateLimited(t *testing.T) {
	m := newTestManager(t,
		&redis.Account{Email: "a@example.com", Enabled: true, IsInvalid: true},
		&redis.Account{Email: "b@example.com", Enabled: false},
	)

	if m.IsAllRateLimited("claude-sonnet-4-5") {
		t.Error("pool without candidates must not report all rate-limited")
	}
}
