package strategies

import (
	"context"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// BaseStrategy provides common availability checks for all strategies
type BaseStrategy struct {
	redisClient  *redis.Client
	accountStore *redis.AccountStore
}

// NewBaseStrategy creates a new BaseStrategy
func NewBaseStrategy(redisClient *redis.Client) *BaseStrategy {
	var accountStore *redis.AccountStore
	if redisClient != nil {
		accountStore = redis.NewAccountStore(redisClient)
	}
	return &BaseStrategy{
		redisClient:  redisClient,
		accountStore: accountStore,
	}
}

// IsAccountUsable checks if an account is usable for a specific model
func (s *BaseStrategy) IsAccountUsable(ctx context.Context, account *redis.Account, modelID string) bool {
	if account == nil || account.IsInvalid {
		return false
	}

	if !account.Enabled {
		return false
	}

	if s.IsAccountCoolingDown(account) {
		return false
	}

	// Model-specific rate limit: Redis when present, plus the account's own
	// in-memory mirror, which is where limits live when Redis is down
	if modelID != "" {
		if s.accountStore != nil {
			info, err := s.accountStore.GetRateLimit(ctx, account.Email, modelID)
			if err == nil && isActiveRateLimit(info) {
				return false
			}
		}
		if isActiveRateLimit(account.ModelRateLimits[modelID]) {
			return false
		}
	}

	return true
}

// isActiveRateLimit reports whether a rate limit entry is still in force
func isActiveRateLimit(info *redis.RateLimitInfo) bool {
	return info != nil && info.IsRateLimited &&
		info.ResetTime > 0 && time.Now().Before(time.UnixMilli(info.ResetTime))
}

// IsAccountCoolingDown checks if an account is currently cooling down
func (s *BaseStrategy) IsAccountCoolingDown(account *redis.Account) bool {
	if account == nil || account.CoolingDownUntil == 0 {
		return false
	}

	if time.Now().After(time.UnixMilli(account.CoolingDownUntil)) {
		account.CoolingDownUntil = 0
		account.CooldownReason = ""
		return false
	}

	return true
}

// GetUsableAccounts returns all usable accounts for a model with their original indices
func (s *BaseStrategy) GetUsableAccounts(ctx context.Context, accounts []*redis.Account, modelID string) []AccountWithIndex {
	result := make([]AccountWithIndex, 0)
	for i, account := range accounts {
		if s.IsAccountUsable(ctx, account, modelID) {
			result = append(result, AccountWithIndex{Account: account, Index: i})
		}
	}
	return result
}

// AccountWithIndex represents an account with its original index
type AccountWithIndex struct {
	Account *redis.Account
	Index   int
}

// OnSuccess is called after a successful request (default: no-op)
func (s *BaseStrategy) OnSuccess(account *redis.Account, modelID string) {}

// OnRateLimit is called when a request is rate-limited (default: no-op)
func (s *BaseStrategy) OnRateLimit(account *redis.Account, modelID string) {}

// OnFailure is called when a request fails (default: no-op)
func (s *BaseStrategy) OnFailure(account *redis.Account, modelID string) {}
