// Package strategies provides account selection strategies for the proxy.
//
// Sticky keeps one account pinned per model for prompt-cache continuity,
// round-robin rotates on every request for throughput.
package strategies

import (
	"context"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// Strategy names
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
)

// Strategy labels for display
var StrategyLabels = map[string]string{
	StrategySticky:     "Sticky (Cache-Optimized)",
	StrategyRoundRobin: "Round-Robin (Load-Balanced)",
}

// SelectOptions contains options for account selection
type SelectOptions struct {
	CurrentIndex int
	SessionID    string
	OnSave       func()
}

// SelectionResult represents the result of account selection. A nil Account
// with WaitMs > 0 means the caller should wait and retry.
type SelectionResult struct {
	Account *redis.Account
	Index   int
	WaitMs  int64
}

// Strategy defines the interface for account selection strategies
type Strategy interface {
	SelectAccount(ctx context.Context, accounts []*redis.Account, modelID string, options SelectOptions) *SelectionResult

	// OnSuccess is called after a successful request
	OnSuccess(account *redis.Account, modelID string)

	// OnRateLimit is called when a request is rate-limited
	OnRateLimit(account *redis.Account, modelID string)

	// OnFailure is called when a request fails (non-rate-limit error)
	OnFailure(account *redis.Account, modelID string)
}

// NewStrategy creates a strategy instance based on the strategy name
func NewStrategy(strategyName string, redisClient *redis.Client) Strategy {
	name := strategyName
	if name == "" {
		name = config.DefaultSelectionStrategy
	}

	switch name {
	case StrategySticky:
		utils.Debug("[Strategy] Creating StickyStrategy")
		return NewStickyStrategy(redisClient)

	case StrategyRoundRobin, "roundrobin":
		utils.Debug("[Strategy] Creating RoundRobinStrategy")
		return NewRoundRobinStrategy(redisClient)

	default:
		utils.Warn("[Strategy] Unknown strategy \"%s\", falling back to %s", strategyName, config.DefaultSelectionStrategy)
		return NewStickyStrategy(redisClient)
	}
}

// IsValidStrategy checks if a strategy name is valid
func IsValidStrategy(name string) bool {
	switch name {
	case StrategySticky, StrategyRoundRobin, "roundrobin":
		return true
	default:
		return false
	}
}

// GetStrategyLabel returns the display label for a strategy
func GetStrategyLabel(name string) string {
	if name == "" {
		name = config.DefaultSelectionStrategy
	}
	if name == "roundrobin" {
		return StrategyLabels[StrategyRoundRobin]
	}
	if label, ok := StrategyLabels[name]; ok {
		return label
	}
	return StrategyLabels[config.DefaultSelectionStrategy]
}
