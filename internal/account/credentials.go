// Package account provides account management with configurable selection
// strategies, token lifecycle tracking, and Redis-backed persistence.
package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sorenth/cloudcode-claude-proxy/internal/auth"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// tokenTTLFallback is used when the OAuth response carries no expiry
const tokenTTLFallback = 5 * time.Minute

// CachedToken holds a cached access token
type CachedToken struct {
	Token     string
	ExpiresAt time.Time
}

// Credentials manages OAuth tokens and API keys for accounts. Refreshes are
// deduplicated per email so concurrent requests share one upstream grant.
type Credentials struct {
	mu           sync.RWMutex
	redisClient  *redis.Client
	accountStore *redis.AccountStore
	tokenCache   map[string]*CachedToken
	registry     *TokenRegistry
	extractor    *auth.TokenExtractor
	group        singleflight.Group
}

// NewCredentials creates a new credentials manager
func NewCredentials(redisClient *redis.Client, registry *TokenRegistry) *Credentials {
	var accountStore *redis.AccountStore
	if redisClient != nil {
		accountStore = redis.NewAccountStore(redisClient)
	}
	if registry == nil {
		registry = NewTokenRegistry()
	}
	return &Credentials{
		redisClient:  redisClient,
		accountStore: accountStore,
		tokenCache:   make(map[string]*CachedToken),
		registry:     registry,
		extractor:    auth.NewTokenExtractor(accountStore),
	}
}

// Registry returns the token registry backing this credentials manager
func (c *Credentials) Registry() *TokenRegistry {
	return c.registry
}

// GetAccessToken returns an access token for the given account
func (c *Credentials) GetAccessToken(ctx context.Context, acc *redis.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}

	// In-memory cache first
	c.mu.RLock()
	cached, ok := c.tokenCache[acc.Email]
	c.mu.RUnlock()

	if ok && time.Until(cached.ExpiresAt) > auth.RefreshBuffer {
		return cached.Token, nil
	}

	// Redis cache second, it survives restarts and is shared across workers
	if c.accountStore != nil {
		cachedToken, err := c.accountStore.GetCachedToken(ctx, acc.Email)
		if err == nil && cachedToken != nil && cachedToken.AccessToken != "" {
			if time.Until(cachedToken.ExpiresAt) > auth.RefreshBuffer {
				c.cacheToken(acc.Email, cachedToken.AccessToken, cachedToken.ExpiresAt)
				return cachedToken.AccessToken, nil
			}
		}
	}

	// Refresh, deduplicated per email
	token, err, _ := c.group.Do(acc.Email, func() (interface{}, error) {
		return c.refreshToken(ctx, acc)
	})
	if err != nil {
		return "", err
	}

	return token.(string), nil
}

// RefreshNow forces a token refresh for the account, bypassing the caches.
// Used by the background refresher and the /refresh-token endpoint.
func (c *Credentials) RefreshNow(ctx context.Context, acc *redis.Account) (string, error) {
	if acc == nil {
		return "", fmt.Errorf("account is nil")
	}
	token, err, _ := c.group.Do(acc.Email, func() (interface{}, error) {
		return c.refreshToken(ctx, acc)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (c *Credentials) refreshToken(ctx context.Context, acc *redis.Account) (string, error) {
	token, expiresAt, err := c.getFreshToken(ctx, acc)
	if err != nil {
		c.registry.NoteFailure(acc.Email)
		return "", err
	}

	c.registry.NoteIssued(acc.Email, expiresAt)
	c.cacheToken(acc.Email, token, expiresAt)

	if c.accountStore != nil {
		ttl := time.Until(expiresAt)
		if ttl > 0 {
			_ = c.accountStore.SetCachedToken(ctx, acc.Email, token, expiresAt, ttl)
		}
	}

	return token, nil
}

// getFreshToken obtains a fresh token from OAuth or the local IDE session
func (c *Credentials) getFreshToken(ctx context.Context, acc *redis.Account) (string, time.Time, error) {
	switch acc.Source {
	case "oauth", "database":
		if acc.RefreshToken == "" {
			// Database-imported accounts without a refresh token ride on
			// the local IDE's session.
			if acc.Source == "database" {
				token, err := c.extractor.ForceRefresh(ctx, acc.Email)
				if err != nil {
					return "", time.Time{}, err
				}
				return token, time.Now().Add(tokenTTLFallback), nil
			}
			return "", time.Time{}, fmt.Errorf("no refresh token for account %s", acc.Email)
		}
		utils.Debug("[Credentials] Refreshing OAuth token for %s", utils.MaskEmail(acc.Email))
		result, err := auth.RefreshAccessToken(ctx, acc.RefreshToken)
		if err != nil {
			utils.Error("[Credentials] Failed to refresh token for %s: %v", utils.MaskEmail(acc.Email), err)
			return "", time.Time{}, err
		}
		utils.Success("[Credentials] Refreshed OAuth token for %s", utils.MaskEmail(acc.Email))

		expiresAt := time.Now().Add(tokenTTLFallback)
		if result.ExpiresIn > 0 {
			expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
		}
		return result.AccessToken, expiresAt, nil

	default:
		return "", time.Time{}, fmt.Errorf("unknown account source: %s", acc.Source)
	}
}

// cacheToken stores a token in the in-memory cache
func (c *Credentials) cacheToken(email, token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache[email] = &CachedToken{
		Token:     token,
		ExpiresAt: expiresAt,
	}
}

// ClearCache clears the in-memory token cache
func (c *Credentials) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenCache = make(map[string]*CachedToken)
}

// ClearCacheForAccount clears the cache for a specific account
func (c *Credentials) ClearCacheForAccount(ctx context.Context, email string) {
	c.mu.Lock()
	delete(c.tokenCache, email)
	c.mu.Unlock()

	if c.accountStore != nil {
		_ = c.accountStore.ClearTokenCache(ctx, email)
	}
}
