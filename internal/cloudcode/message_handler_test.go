package cloudcode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

func newTestAccountManager(t *testing.T, accounts ...*redis.Account) *account.Manager {
	t.Helper()

	orig := config.AccountConfigPath
	config.AccountConfigPath = filepath.Join(t.TempDir(), "accounts.json")
	t.Cleanup(func() { config.AccountConfigPath = orig })

	m := account.NewManager(nil, config.DefaultConfig())
	if err := m.Initialize(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	for _, acc := range accounts {
		if err := m.AddOrUpdateAccount(context.Background(), acc); err != nil {
			t.Fatal(err)
		}
	}
	return m
}

func simpleRequest(model string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     model,
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}
}

func TestSendMessageFailsFastWhenAllAccountsRateLimited(t *testing.T) {
	model := "claude-sonnet-4-5"
	mgr := newTestAccountManager(t,
		&redis.Account{Email: "a@example.com", Enabled: true},
		&redis.Account{Email: "b@example.com", Enabled: true},
	)
	ctx := context.Background()

	if err := mgr.MarkRateLimited(ctx, "a@example.com", 300_000, model); err != nil {
		t.Fatal(err)
	}
	if err := mgr.MarkRateLimited(ctx, "b@example.com", 300_000, model); err != nil {
		t.Fatal(err)
	}

	h := NewMessageHandler(mgr, config.DefaultConfig())
	resp, err := h.SendMessage(ctx, simpleRequest(model), false)

	if resp != nil {
		t.Fatalf("expected no response, got %#v", resp)
	}
	rle, ok := err.(*proxyerrors.RateLimitError)
	if !ok {
		t.Fatalf("expected RateLimitError, got %T: %v", err, err)
	}
	if rle.ResetMs == nil || *rle.ResetMs <= config.MaxWaitBeforeErrorMs || *rle.ResetMs > 300_000 {
		t.Errorf("resetMs = %v, want within (%d, 300000]", rle.ResetMs, int64(config.MaxWaitBeforeErrorMs))
	}

	// The limits must still be in place afterwards
	if !mgr.IsAllRateLimited(model) {
		t.Error("failing fast must not wipe the rate limit state")
	}
}

func TestSendMessageStreamFailsFastWhenAllAccountsRateLimited(t *testing.T) {
	model := "claude-sonnet-4-5"
	mgr := newTestAccountManager(t, &redis.Account{Email: "a@example.com", Enabled: true})
	ctx := context.Background()

	if err := mgr.MarkRateLimited(ctx, "a@example.com", 300_000, model); err != nil {
		t.Fatal(err)
	}

	h := NewStreamingHandler(mgr, config.DefaultConfig())
	events, errs := h.SendMessageStream(ctx, simpleRequest(model), false)

	for range events {
		t.Error("no events expected when every account is rate-limited")
	}
	err := <-errs
	if !proxyerrors.IsRateLimitError(err) {
		t.Fatalf("expected rate limit error, got %T: %v", err, err)
	}
}

func TestSendMessageInvalidatesAccountsOnPermissionDenied(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"test-access-token","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"status":"PERMISSION_DENIED","message":"caller lacks access"}}`))
	}))
	defer upstream.Close()

	origToken := config.OAuthTokenURL
	origEndpoints := config.EndpointFallbacks
	config.OAuthTokenURL = tokenServer.URL
	config.EndpointFallbacks = []string{upstream.URL}
	defer func() {
		config.OAuthTokenURL = origToken
		config.EndpointFallbacks = origEndpoints
	}()

	mgr := newTestAccountManager(t,
		&redis.Account{Email: "a@example.com", Enabled: true, Source: "oauth", RefreshToken: "rt-a"},
		&redis.Account{Email: "b@example.com", Enabled: true, Source: "oauth", RefreshToken: "rt-b"},
	)

	h := NewMessageHandler(mgr, config.DefaultConfig())
	resp, err := h.SendMessage(context.Background(), simpleRequest("claude-sonnet-4-5"), false)

	if resp != nil {
		t.Fatalf("expected no response, got %#v", resp)
	}
	if _, ok := err.(*proxyerrors.NoAccountsError); !ok {
		t.Fatalf("expected NoAccountsError once the pool is dead, got %T: %v", err, err)
	}

	invalid := mgr.GetInvalidAccounts()
	if len(invalid) != 2 {
		t.Fatalf("both accounts should be invalid after 403, got %d", len(invalid))
	}
	for _, acc := range invalid {
		if acc.InvalidReason == "" {
			t.Errorf("invalid reason missing for %s", acc.Email)
		}
	}
}
