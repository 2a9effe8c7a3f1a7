package account

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account/strategies"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// Manager manages the account pool: selection, rate-limit state, token
// access, and persistence (Redis plus a JSON snapshot on disk).
type Manager struct {
	mu sync.RWMutex

	redisClient  *redis.Client
	accountStore *redis.AccountStore

	accounts     []*redis.Account
	currentIndex int
	initialized  bool

	credentials *Credentials

	strategy     strategies.Strategy
	strategyName string

	config *config.Config
}

// NewManager creates a new account manager
func NewManager(redisClient *redis.Client, cfg *config.Config) *Manager {
	var accountStore *redis.AccountStore
	if redisClient != nil {
		accountStore = redis.NewAccountStore(redisClient)
	}
	return &Manager{
		redisClient:  redisClient,
		accountStore: accountStore,
		accounts:     make([]*redis.Account, 0),
		credentials:  NewCredentials(redisClient, NewTokenRegistry()),
		strategyName: config.DefaultSelectionStrategy,
		config:       cfg,
	}
}

// Initialize loads accounts and builds the selection strategy. Accounts come
// from Redis when available; the accounts.json snapshot fills in anything
// Redis does not have (first run, or Redis wiped).
func (m *Manager) Initialize(ctx context.Context, strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	var accounts []*redis.Account
	if m.accountStore.IsAvailable() {
		var err error
		accounts, err = m.accountStore.ListAccounts(ctx)
		if err != nil {
			utils.Warn("[AccountManager] Failed to load accounts from Redis: %v", err)
			accounts = nil
		}
	}

	if len(accounts) == 0 {
		snapshot, err := loadSnapshot()
		if err != nil {
			utils.Warn("[AccountManager] Failed to load account snapshot: %v", err)
		} else if len(snapshot) > 0 {
			utils.Info("[AccountManager] Loaded %d account(s) from snapshot", len(snapshot))
			accounts = snapshot
			if m.accountStore.IsAvailable() {
				for _, acc := range accounts {
					if err := m.accountStore.SetAccount(ctx, acc); err != nil {
						utils.Warn("[AccountManager] Failed to seed Redis with %s: %v", utils.MaskEmail(acc.Email), err)
					}
				}
			}
		}
	}

	m.accounts = accounts
	if m.accounts == nil {
		m.accounts = make([]*redis.Account, 0)
	}

	// Strategy precedence: CLI override > config
	configStrategy := m.config.GetStrategy()
	if strategyOverride != "" {
		m.strategyName = strategyOverride
	} else if configStrategy != "" {
		m.strategyName = configStrategy
	}

	m.strategy = strategies.NewStrategy(m.strategyName, m.redisClient)
	utils.Info("[AccountManager] Using %s selection strategy", strategies.GetStrategyLabel(m.strategyName))

	m.initialized = true
	return nil
}

// Reload reloads accounts from storage
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	err := m.Initialize(ctx, "")
	if err == nil {
		utils.Info("[AccountManager] Accounts reloaded from storage")
	}
	return err
}

// GetAccountCount returns the number of accounts
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns a copy of the account slice
func (m *Manager) GetAllAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// SelectAccount selects an account based on the current strategy
func (m *Manager) SelectAccount(ctx context.Context, modelID string, options SelectOptions) (*SelectionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, proxyerrors.NewProxyError("account manager not initialized", "NOT_INITIALIZED", false, nil)
	}

	if len(m.accounts) == 0 {
		return nil, proxyerrors.NewNoAccountsError("No accounts configured", false)
	}

	result := m.strategy.SelectAccount(ctx, m.accounts, modelID, strategies.SelectOptions{
		CurrentIndex: m.currentIndex,
		SessionID:    options.SessionID,
		OnSave:       func() { m.saveToDiskLocked(ctx) },
	})

	if result.Account == nil && result.WaitMs <= 0 {
		allRateLimited := m.isAllRateLimitedLocked(ctx, modelID)
		return nil, proxyerrors.NewNoAccountsError("No available accounts", allRateLimited)
	}

	m.currentIndex = result.Index

	return &SelectionResult{
		Account: result.Account,
		Index:   result.Index,
		WaitMs:  result.WaitMs,
	}, nil
}

// IsAllRateLimited checks if every enabled account is rate-limited for a model
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isAllRateLimitedLocked(context.Background(), modelID)
}

func (m *Manager) isAllRateLimitedLocked(ctx context.Context, modelID string) bool {
	candidates := 0
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		candidates++
		if !m.isRateLimitedForModel(ctx, acc, modelID) {
			return false
		}
	}
	// A pool with nothing but disabled or invalid accounts is empty, not
	// rate-limited
	return candidates > 0
}

// GetAvailableAccounts returns accounts that are not rate-limited or invalid
func (m *Manager) GetAvailableAccounts(modelID string) []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	result := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !m.isRateLimitedForModel(ctx, acc, modelID) {
			result = append(result, acc)
		}
	}
	return result
}

// GetInvalidAccounts returns accounts that are marked as invalid
func (m *Manager) GetInvalidAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if acc.IsInvalid {
			result = append(result, acc)
		}
	}
	return result
}

// MarkRateLimited marks an account as rate-limited for a model
func (m *Manager) MarkRateLimited(ctx context.Context, email string, resetMs int64, modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	info := &redis.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     now.Add(time.Duration(resetMs) * time.Millisecond).UnixMilli(),
		ObservedAt:    now.UnixMilli(),
		ActualResetMs: resetMs,
	}

	for _, acc := range m.accounts {
		if acc.Email == email {
			if acc.ModelRateLimits == nil {
				acc.ModelRateLimits = make(map[string]*redis.RateLimitInfo)
			}
			acc.ModelRateLimits[modelID] = info
			break
		}
	}

	if !m.accountStore.IsAvailable() {
		return nil
	}
	return m.accountStore.SetRateLimit(ctx, email, modelID, info)
}

// MarkInvalid marks an account as invalid. Invalid is terminal until the
// account re-authenticates.
func (m *Manager) MarkInvalid(ctx context.Context, email, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.IsInvalid = true
			acc.InvalidReason = reason
			acc.InvalidAt = time.Now().UnixMilli()
			return m.persistAccount(ctx, acc)
		}
	}

	return nil
}

// ResetAllRateLimits clears all rate limits
func (m *Manager) ResetAllRateLimits(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		acc.ModelRateLimits = nil
		if m.accountStore.IsAvailable() {
			_ = m.accountStore.ClearRateLimits(ctx, acc.Email)
		}
	}
}

// ClearExpiredLimits removes expired rate limits from the in-memory mirror.
// Redis entries expire on their own TTL.
func (m *Manager) ClearExpiredLimits(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	cleared := 0
	for _, acc := range m.accounts {
		for modelID, info := range acc.ModelRateLimits {
			if info != nil && info.ResetTime > 0 && info.ResetTime <= now {
				delete(acc.ModelRateLimits, modelID)
				cleared++
			}
		}
	}
	return cleared
}

// GetMinWaitTimeMs returns the shortest wait until some account's rate limit
// clears, or 0 if an account is already available
func (m *Manager) GetMinWaitTimeMs(ctx context.Context, modelID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var minWait int64 = -1
	now := time.Now().UnixMilli()

	for _, acc := range m.accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}

		info := m.rateLimitInfo(ctx, acc, modelID)
		if info == nil || !info.IsRateLimited {
			return 0
		}

		if info.ResetTime > 0 {
			wait := info.ResetTime - now
			if wait > 0 {
				if minWait < 0 || wait < minWait {
					minWait = wait
				}
			}
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// GetRateLimitInfo returns rate limit info for an account and model
func (m *Manager) GetRateLimitInfo(ctx context.Context, email, modelID string) *redis.RateLimitInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			return m.rateLimitInfo(ctx, acc, modelID)
		}
	}
	return nil
}

// NotifySuccess notifies the strategy of a successful request
func (m *Manager) NotifySuccess(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnSuccess(account, modelID)
	}
}

// NotifyRateLimit notifies the strategy of a rate limit
func (m *Manager) NotifyRateLimit(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnRateLimit(account, modelID)
	}
}

// NotifyFailure notifies the strategy of a failure
func (m *Manager) NotifyFailure(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnFailure(account, modelID)
	}
}

// GetStrategyName returns the current strategy name
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// GetStrategyLabel returns the display label for the current strategy
func (m *Manager) GetStrategyLabel() string {
	return strategies.GetStrategyLabel(m.GetStrategyName())
}

// SaveToDisk persists account state to Redis and the JSON snapshot
func (m *Manager) SaveToDisk(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveToDiskLocked(ctx)
}

func (m *Manager) saveToDiskLocked(ctx context.Context) error {
	if m.accountStore.IsAvailable() {
		for _, acc := range m.accounts {
			if err := m.accountStore.SetAccount(ctx, acc); err != nil {
				utils.Warn("[AccountManager] Failed to save account %s: %v", utils.MaskEmail(acc.Email), err)
			}
		}
	}
	if err := saveSnapshot(m.accounts); err != nil {
		utils.Warn("[AccountManager] Failed to write account snapshot: %v", err)
	}
	return nil
}

func (m *Manager) persistAccount(ctx context.Context, acc *redis.Account) error {
	var err error
	if m.accountStore.IsAvailable() {
		err = m.accountStore.SetAccount(ctx, acc)
	}
	if snapErr := saveSnapshot(m.accounts); snapErr != nil {
		utils.Warn("[AccountManager] Failed to write account snapshot: %v", snapErr)
	}
	return err
}

// GetTokenForAccount returns an access token for the account, marking it
// invalid on permanent credential failures
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if isCredentialError(err) {
			_ = m.MarkInvalid(ctx, acc.Email, err.Error())
		}
		return "", err
	}

	return token, nil
}

// RefreshTokenForAccount forces a fresh token for the account
func (m *Manager) RefreshTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return m.credentials.RefreshNow(ctx, acc)
}

// TokenStatus returns the registry's lifecycle state for an account's token
func (m *Manager) TokenStatus(email string) TokenState {
	return m.credentials.Registry().Status(email)
}

// isCredentialError reports whether a token error means the stored refresh
// grant itself is dead
func isCredentialError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "token refresh failed") ||
		strings.Contains(msg, "invalid_grant") ||
		strings.Contains(msg, "Token has been expired or revoked")
}

// ClearTokenCache clears all cached tokens
func (m *Manager) ClearTokenCache() {
	m.credentials.ClearCache()
}

// ClearTokenCacheFor clears the cached token for a specific account
func (m *Manager) ClearTokenCacheFor(email string) {
	m.credentials.ClearCacheForAccount(context.Background(), email)
}

// UpdateAccountSubscription updates the subscription info for an account
func (m *Manager) UpdateAccountSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			if acc.Subscription == nil {
				acc.Subscription = &redis.SubscriptionInfo{}
			}
			acc.Subscription.Tier = tier
			acc.Subscription.ProjectID = projectID
			acc.Subscription.DetectedAt = time.Now().UnixMilli()

			go func(saved *redis.Account) {
				if m.accountStore.IsAvailable() {
					if err := m.accountStore.SetAccount(context.Background(), saved); err != nil {
						utils.Error("[AccountManager] Failed to save account subscription: %v", err)
					}
				}
			}(acc)
			return
		}
	}
}

// UpdateAccountQuota updates the quota snapshot for an account.
// quotas maps modelID to remainingFraction / resetTime pairs.
func (m *Manager) UpdateAccountQuota(email string, quotas map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			if acc.Quota == nil {
				acc.Quota = &redis.QuotaInfo{
					Models: make(map[string]*redis.ModelQuotaInfo),
				}
			}
			acc.Quota.LastChecked = time.Now().UnixMilli()

			for modelID, quota := range quotas {
				if quotaMap, ok := quota.(map[string]interface{}); ok {
					info := &redis.ModelQuotaInfo{}
					if rf, ok := quotaMap["remainingFraction"].(float64); ok {
						info.RemainingFraction = rf
					}
					if rt, ok := quotaMap["resetTime"].(string); ok {
						info.ResetTime = rt
					}
					acc.Quota.Models[modelID] = info
				}
			}

			go func(saved *redis.Account) {
				if m.accountStore.IsAvailable() {
					if err := m.accountStore.SetAccount(context.Background(), saved); err != nil {
						utils.Error("[AccountManager] Failed to save account quota: %v", err)
					}
				}
			}(acc)
			return
		}
	}
}

// SetAccountEnabled enables or disables an account
func (m *Manager) SetAccountEnabled(ctx context.Context, email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.Enabled = enabled
			return m.persistAccount(ctx, acc)
		}
	}

	return proxyerrors.NewNoAccountsError("Account "+email+" not found", false)
}

// RemoveAccount removes an account
func (m *Manager) RemoveAccount(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			m.credentials.Registry().Forget(email)
			if err := saveSnapshot(m.accounts); err != nil {
				utils.Warn("[AccountManager] Failed to write account snapshot: %v", err)
			}
			if m.accountStore.IsAvailable() {
				return m.accountStore.DeleteAccount(ctx, email)
			}
			return nil
		}
	}

	return proxyerrors.NewNoAccountsError("Account "+email+" not found", false)
}

// GetAccountByEmail returns an account by email
func (m *Manager) GetAccountByEmail(ctx context.Context, email string) (*redis.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc, nil
		}
	}

	return nil, proxyerrors.NewNoAccountsError("Account "+email+" not found", false)
}

// UpdateAccount updates an existing account
func (m *Manager) UpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			return m.persistAccount(ctx, acc)
		}
	}

	return proxyerrors.NewNoAccountsError("Account "+acc.Email+" not found", false)
}

// AddOrUpdateAccount adds a new account or updates an existing one
func (m *Manager) AddOrUpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			utils.Info("[AccountManager] Account %s updated", utils.MaskEmail(acc.Email))
			return m.persistAccount(ctx, acc)
		}
	}

	if len(m.accounts) >= m.config.MaxAccounts {
		return proxyerrors.NewNoAccountsError("Maximum accounts reached", false)
	}

	if acc.AddedAt == 0 {
		acc.AddedAt = time.Now().UnixMilli()
	}
	m.accounts = append(m.accounts, acc)
	utils.Info("[AccountManager] Account %s added", utils.MaskEmail(acc.Email))
	return m.persistAccount(ctx, acc)
}

// GetStatus returns the current status of the account manager
func (m *Manager) GetStatus() *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &ManagerStatus{
		Total:    len(m.accounts),
		Strategy: m.strategyName,
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		accStatus := &AccountStatus{
			Email:           acc.Email,
			Source:          acc.Source,
			Enabled:         acc.Enabled,
			ProjectID:       acc.ProjectID,
			IsInvalid:       acc.IsInvalid,
			InvalidReason:   acc.InvalidReason,
			LastUsed:        acc.LastUsed,
			TokenStatus:     string(m.credentials.Registry().Status(acc.Email)),
			ModelRateLimits: acc.ModelRateLimits,
		}

		if !acc.Enabled || acc.IsInvalid {
			status.Invalid++
		} else {
			status.Available++
		}

		status.Accounts = append(status.Accounts, accStatus)
	}

	return status
}

// Helper methods

func (m *Manager) rateLimitInfo(ctx context.Context, acc *redis.Account, modelID string) *redis.RateLimitInfo {
	if modelID == "" {
		return nil
	}
	if m.accountStore.IsAvailable() {
		if info, err := m.accountStore.GetRateLimit(ctx, acc.Email, modelID); err == nil && info != nil {
			return info
		}
	}
	if acc.ModelRateLimits != nil {
		return acc.ModelRateLimits[modelID]
	}
	return nil
}

func (m *Manager) isRateLimitedForModel(ctx context.Context, acc *redis.Account, modelID string) bool {
	info := m.rateLimitInfo(ctx, acc, modelID)
	if info == nil || !info.IsRateLimited {
		return false
	}
	if info.ResetTime > 0 && time.Now().After(time.UnixMilli(info.ResetTime)) {
		return false
	}
	return true
}

// Snapshot persistence

func loadSnapshot() ([]*redis.Account, error) {
	data, err := os.ReadFile(config.AccountConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var snapshot struct {
		Accounts []*redis.Account `json:"accounts"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return snapshot.Accounts, nil
}

func saveSnapshot(accounts []*redis.Account) error {
	snapshot := struct {
		Accounts []*redis.Account `json:"accounts"`
	}{Accounts: accounts}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(config.AccountConfigPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(config.AccountConfigPath, data, 0600)
}

// SelectOptions for account selection
type SelectOptions struct {
	SessionID string
}

// SelectionResult from account selection
type SelectionResult struct {
	Account *redis.Account
	Index   int
	WaitMs  int64
}

// ManagerStatus represents the status of the account manager
type ManagerStatus struct {
	Total     int              `json:"total"`
	Available int              `json:"available"`
	Invalid   int              `json:"invalid"`
	Strategy  string           `json:"strategy"`
	Accounts  []*AccountStatus `json:"accounts"`
}

// AccountStatus represents the status of a single account
type AccountStatus struct {
	Email           string                          `json:"email"`
	Source          string                          `json:"source"`
	Enabled         bool                            `json:"enabled"`
	ProjectID       string                          `json:"projectId,omitempty"`
	IsInvalid       bool                            `json:"isInvalid"`
	InvalidReason   string                          `json:"invalidReason,omitempty"`
	LastUsed        int64                           `json:"lastUsed,omitempty"`
	TokenStatus     string                          `json:"tokenStatus"`
	ModelRateLimits map[string]*redis.RateLimitInfo `json:"modelRateLimits,omitempty"`
}
