package strategies

import (
	"context"
	"sync"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// PinIdleExpiry is how long a sticky pin survives without traffic. An idle
// conversation has a cold upstream cache anyway, so there is nothing to
// preserve past this window.
const PinIdleExpiry = 10 * time.Minute

type stickyPin struct {
	email    string
	lastUsed time.Time
}

// StickyStrategy keeps using the same account per model until it becomes
// unavailable. Best for prompt caching as it maintains cache continuity
// across requests.
type StickyStrategy struct {
	*BaseStrategy
	mu   sync.Mutex
	pins map[string]*stickyPin // modelID -> pinned account
}

// NewStickyStrategy creates a new StickyStrategy
func NewStickyStrategy(redisClient *redis.Client) *StickyStrategy {
	return &StickyStrategy{
		BaseStrategy: NewBaseStrategy(redisClient),
		pins:         make(map[string]*stickyPin),
	}
}

// SelectAccount selects an account with sticky preference. The pinned account
// is reused for cache continuity; the strategy only switches when the pin is
// idle-expired, the pinned account is unusable, or the pin was cleared after
// a failure.
func (s *StickyStrategy) SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: options.CurrentIndex, WaitMs: 0}
	}

	pinnedAccount, pinnedIndex := s.lookupPin(accounts, modelID)
	if pinnedAccount == nil {
		// No live pin, fall back to the manager's cursor
		index := options.CurrentIndex
		if index >= len(accounts) {
			index = 0
		}
		pinnedAccount = accounts[index]
		pinnedIndex = index
	}

	if s.IsAccountUsable(ctx, pinnedAccount, modelID) {
		s.recordPin(modelID, pinnedAccount)
		pinnedAccount.LastUsed = time.Now().UnixMilli()
		if options.OnSave != nil {
			options.OnSave()
		}
		return &SelectionResult{Account: pinnedAccount, Index: pinnedIndex, WaitMs: 0}
	}

	// Pinned account is not usable, switch if anything else is free
	usableAccounts := s.GetUsableAccounts(ctx, accounts, modelID)
	if len(usableAccounts) > 0 {
		nextAccount, nextIndex := s.pickNext(ctx, accounts, pinnedIndex, modelID, options.OnSave)
		if nextAccount != nil {
			s.recordPin(modelID, nextAccount)
			utils.Info("[StickyStrategy] Switched to new account (failover): %s", utils.MaskEmail(nextAccount.Email))
			return &SelectionResult{Account: nextAccount, Index: nextIndex, WaitMs: 0}
		}
	}

	// Nothing else available, worth waiting for a short rate limit on the pin
	shouldWait, waitMs := s.shouldWaitForAccount(ctx, pinnedAccount, modelID)
	if shouldWait {
		utils.Info("[StickyStrategy] Waiting %s for sticky account: %s",
			utils.FormatDuration(waitMs), utils.MaskEmail(pinnedAccount.Email))
		return &SelectionResult{Account: nil, Index: pinnedIndex, WaitMs: waitMs}
	}

	nextAccount, nextIndex := s.pickNext(ctx, accounts, pinnedIndex, modelID, options.OnSave)
	if nextAccount != nil {
		s.recordPin(modelID, nextAccount)
	}
	return &SelectionResult{Account: nextAccount, Index: nextIndex, WaitMs: 0}
}

// lookupPin resolves the pinned account for a model, dropping expired pins
func (s *StickyStrategy) lookupPin(accounts []*redis.Account, modelID string) (*redis.Account, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pin, ok := s.pins[modelID]
	if !ok {
		return nil, 0
	}
	if time.Since(pin.lastUsed) > PinIdleExpiry {
		delete(s.pins, modelID)
		return nil, 0
	}
	for i, acc := range accounts {
		if acc.Email == pin.email {
			return acc, i
		}
	}
	// Pinned account was removed from the pool
	delete(s.pins, modelID)
	return nil, 0
}

func (s *StickyStrategy) recordPin(modelID string, account *redis.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[modelID] = &stickyPin{email: account.Email, lastUsed: time.Now()}
}

func (s *StickyStrategy) clearPin(modelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pins, modelID)
}

// pickNext picks the next available account starting from after the current index
func (s *StickyStrategy) pickNext(ctx context.Context, accounts []*redis.Account, currentIndex int, modelID string, onSave func()) (*redis.Account, int) {
	for i := 1; i <= len(accounts); i++ {
		idx := (currentIndex + i) % len(accounts)
		account := accounts[idx]

		if s.IsAccountUsable(ctx, account, modelID) {
			account.LastUsed = time.Now().UnixMilli()
			if onSave != nil {
				onSave()
			}

			utils.Info("[StickyStrategy] Using account: %s (%d/%d)",
				utils.MaskEmail(account.Email), idx+1, len(accounts))

			return account, idx
		}
	}

	return nil, currentIndex
}

// shouldWaitForAccount checks if the account's rate limit is short enough to wait out
func (s *StickyStrategy) shouldWaitForAccount(ctx context.Context, account *redis.Account, modelID string) (bool, int64) {
	if account == nil || account.IsInvalid || !account.Enabled {
		return false, 0
	}

	var waitMs int64

	if modelID != "" {
		if s.accountStore != nil {
			info, err := s.accountStore.GetRateLimit(ctx, account.Email, modelID)
			if err == nil && info != nil && info.IsRateLimited && info.ResetTime > 0 {
				waitMs = info.ResetTime - time.Now().UnixMilli()
			}
		}
		// Without Redis the limit lives on the account itself
		if waitMs <= 0 {
			if info := account.ModelRateLimits[modelID]; info != nil && info.IsRateLimited && info.ResetTime > 0 {
				waitMs = info.ResetTime - time.Now().UnixMilli()
			}
		}
	}

	if waitMs > 0 && waitMs <= config.MaxWaitBeforeErrorMs {
		return true, waitMs
	}

	return false, 0
}

// OnSuccess refreshes the pin so it survives long conversations
func (s *StickyStrategy) OnSuccess(account *redis.Account, modelID string) {
	if account != nil {
		s.recordPin(modelID, account)
	}
}

// OnRateLimit keeps the pin; the scheduler decides whether to wait or rotate
func (s *StickyStrategy) OnRateLimit(account *redis.Account, modelID string) {}

// OnFailure clears the pin so the next request starts fresh on another account
func (s *StickyStrategy) OnFailure(account *redis.Account, modelID string) {
	s.clearPin(modelID)
}
