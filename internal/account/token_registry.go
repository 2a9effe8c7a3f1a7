package account

import (
	"context"
	"sync"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/format"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
)

// Token registry timing. Tokens are refreshed proactively inside the expiry
// buffer; failed refreshes back off exponentially per account.
const (
	registryTickInterval = 30 * time.Second
	tokenExpiryBuffer    = 5 * time.Minute
	refreshBackoffBase   = 60 * time.Second
	refreshBackoffCap    = 15 * time.Minute
	minTrackedTokenLife  = 5 * time.Minute
)

// TokenState is the lifecycle status of an account's access token
type TokenState string

const (
	TokenValid        TokenState = "valid"
	TokenExpiringSoon TokenState = "expiring_soon"
	TokenExpired      TokenState = "expired"
	TokenUnknown      TokenState = "unknown"
)

type tokenRecord struct {
	issuedAt            time.Time
	expiresAt           time.Time
	consecutiveFailures int
	lastFailureAt       time.Time
}

// TokenRegistry tracks token issuance and expiry per account so refreshes can
// happen before requests hit an expired token.
type TokenRegistry struct {
	mu      sync.Mutex
	records map[string]*tokenRecord
}

// NewTokenRegistry creates an empty TokenRegistry
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{
		records: make(map[string]*tokenRecord),
	}
}

// NoteIssued records a freshly issued token. Tokens with implausibly short
// lifetimes are ignored so a broken upstream cannot put the registry into a
// refresh loop.
func (r *TokenRegistry) NoteIssued(email string, expiresAt time.Time) {
	if time.Until(expiresAt) < minTrackedTokenLife {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[email] = &tokenRecord{
		issuedAt:  time.Now(),
		expiresAt: expiresAt,
	}
}

// NoteFailure records a failed refresh attempt
func (r *TokenRegistry) NoteFailure(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[email]
	if !ok {
		rec = &tokenRecord{}
		r.records[email] = rec
	}
	rec.consecutiveFailures++
	rec.lastFailureAt = time.Now()
}

// Forget drops the record for an account, used when the account is removed
func (r *TokenRegistry) Forget(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, email)
}

// ShouldRefresh reports whether an account's token is inside the expiry
// buffer and past its failure backoff
func (r *TokenRegistry) ShouldRefresh(email string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[email]
	if !ok {
		// Nothing known about this account yet, refresh on demand only
		return false
	}

	if time.Until(rec.expiresAt) > tokenExpiryBuffer {
		return false
	}

	if rec.consecutiveFailures > 0 {
		backoff := refreshBackoffBase << (rec.consecutiveFailures - 1)
		if backoff > refreshBackoffCap || backoff <= 0 {
			backoff = refreshBackoffCap
		}
		if time.Since(rec.lastFailureAt) < backoff {
			return false
		}
	}

	return true
}

// Status returns the lifecycle state of an account's token
func (r *TokenRegistry) Status(email string) TokenState {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[email]
	if !ok || rec.expiresAt.IsZero() {
		return TokenUnknown
	}

	remaining := time.Until(rec.expiresAt)
	switch {
	case remaining <= 0:
		return TokenExpired
	case remaining <= tokenExpiryBuffer:
		return TokenExpiringSoon
	default:
		return TokenValid
	}
}

// ExpiresAt returns the recorded expiry for an account, zero if unknown
func (r *TokenRegistry) ExpiresAt(email string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[email]; ok {
		return rec.expiresAt
	}
	return time.Time{}
}

// StartBackgroundRefresh runs the proactive refresh loop until ctx is done.
// Each tick walks the tracked accounts and refreshes the ones inside the
// expiry buffer. Refreshes share the credentials manager's singleflight, so
// a tick never races a request-path refresh.
func (m *Manager) StartBackgroundRefresh(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(registryTickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiringTokens(ctx)
			}
		}
	}()
}

func (m *Manager) refreshExpiringTokens(ctx context.Context) {
	// The signature cache has no timer of its own, it gets swept here
	format.GetGlobalSignatureCache().Sweep()

	registry := m.credentials.Registry()
	for _, acc := range m.GetAllAccounts() {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !registry.ShouldRefresh(acc.Email) {
			continue
		}
		utils.Debug("[TokenRegistry] Proactively refreshing token for %s", utils.MaskEmail(acc.Email))
		if _, err := m.credentials.RefreshNow(ctx, acc); err != nil {
			utils.Warn("[TokenRegistry] Proactive refresh failed for %s: %v", utils.MaskEmail(acc.Email), err)
		}
	}
}
