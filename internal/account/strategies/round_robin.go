package strategies

import (
	"context"
	"sync"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// RoundRobinStrategy rotates to the next account on every request for maximum
// throughput. Does not maintain cache continuity but spreads quota usage.
type RoundRobinStrategy struct {
	*BaseStrategy
	mu     sync.Mutex
	cursor int
}

// NewRoundRobinStrategy creates a new RoundRobinStrategy
func NewRoundRobinStrategy(redisClient *redis.Client) *RoundRobinStrategy {
	return &RoundRobinStrategy{
		BaseStrategy: NewBaseStrategy(redisClient),
	}
}

// SelectAccount selects the next available account in rotation
func (s *RoundRobinStrategy) SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(accounts) == 0 {
		return &SelectionResult{Account: nil, Index: 0, WaitMs: 0}
	}

	if s.cursor >= len(accounts) {
		s.cursor = 0
	}

	startIndex := (s.cursor + 1) % len(accounts)

	for i := 0; i < len(accounts); i++ {
		idx := (startIndex + i) % len(accounts)
		account := accounts[idx]

		if s.IsAccountUsable(ctx, account, modelID) {
			account.LastUsed = time.Now().UnixMilli()
			s.cursor = idx

			if options.OnSave != nil {
				options.OnSave()
			}

			utils.Info("[RoundRobinStrategy] Using account: %s (%d/%d)",
				utils.MaskEmail(account.Email), idx+1, len(accounts))

			return &SelectionResult{Account: account, Index: idx, WaitMs: 0}
		}
	}

	return &SelectionResult{Account: nil, Index: s.cursor, WaitMs: 0}
}

// ResetCursor resets the cursor position
func (s *RoundRobinStrategy) ResetCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}
