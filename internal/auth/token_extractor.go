package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

var chatParamsPattern = regexp.MustCompile(`window\.chatParams\s*=\s*'([^']+)'`)

// TokenExtractor pulls access tokens from a locally running Antigravity IDE.
// It backs database-sourced accounts, which have no refresh token of their
// own and ride on the IDE's session instead.
type TokenExtractor struct {
	mu               sync.RWMutex
	cachedToken      string
	tokenExtractedAt time.Time
	accountStore     *redis.AccountStore
}

// NewTokenExtractor creates a new TokenExtractor
func NewTokenExtractor(accountStore *redis.AccountStore) *TokenExtractor {
	return &TokenExtractor{
		accountStore: accountStore,
	}
}

// GetToken returns the IDE's current access token, cached briefly
func (te *TokenExtractor) GetToken(ctx context.Context, email string) (string, error) {
	te.mu.RLock()
	stale := te.needsRefresh()
	token := te.cachedToken
	te.mu.RUnlock()

	if !stale {
		return token, nil
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	if !te.needsRefresh() {
		return te.cachedToken, nil
	}

	token, err := te.getTokenData(ctx, email)
	if err != nil {
		return "", err
	}

	te.cachedToken = token
	te.tokenExtractedAt = time.Now()
	return token, nil
}

// ForceRefresh drops the cache and re-extracts
func (te *TokenExtractor) ForceRefresh(ctx context.Context, email string) (string, error) {
	te.mu.Lock()
	te.cachedToken = ""
	te.tokenExtractedAt = time.Time{}
	te.mu.Unlock()

	return te.GetToken(ctx, email)
}

func (te *TokenExtractor) needsRefresh() bool {
	if te.cachedToken == "" || te.tokenExtractedAt.IsZero() {
		return true
	}
	return time.Since(te.tokenExtractedAt) > time.Duration(config.ExtractedTokenTTLMs)*time.Millisecond
}

// getTokenData tries the Redis token cache, then the IDE state database,
// then the IDE's local auth page.
func (te *TokenExtractor) getTokenData(ctx context.Context, email string) (string, error) {
	if te.accountStore != nil && email != "" {
		cached, err := te.accountStore.GetCachedToken(ctx, email)
		if err == nil && cached != nil && cached.AccessToken != "" {
			utils.Info("[Token] Got cached token from Redis")
			return cached.AccessToken, nil
		}
	}

	dbData, err := GetAuthStatus("")
	if err == nil && dbData != nil && dbData.APIKey != "" {
		utils.Info("[Token] Got fresh token from IDE state database")
		return dbData.APIKey, nil
	}
	utils.Warn("[Token] Database extraction failed, trying auth page...")

	token, err := te.extractChatParams()
	if err == nil && token != "" {
		utils.Warn("[Token] Got token from auth page (may be stale)")
		return token, nil
	}
	utils.Warn("[Token] Auth page extraction failed: %v", err)

	return "", fmt.Errorf("could not extract a token from the IDE; make sure it is running and you are logged in")
}

// extractChatParams scrapes the base64 chatParams blob from the IDE's local
// auth page. Last resort, the page only updates on IDE restart.
func (te *TokenExtractor) extractChatParams() (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/", config.AntigravityAuthPort)
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("cannot connect to the IDE auth page on port %d", config.AntigravityAuthPort)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	matches := chatParamsPattern.FindSubmatch(body)
	if len(matches) < 2 {
		return "", fmt.Errorf("could not find chatParams in auth page")
	}

	decoded, err := base64.StdEncoding.DecodeString(string(matches[1]))
	if err != nil {
		return "", fmt.Errorf("failed to decode chatParams: %w", err)
	}

	var cfgData map[string]interface{}
	if err := json.Unmarshal(decoded, &cfgData); err != nil {
		return "", fmt.Errorf("failed to parse chatParams: %w", err)
	}

	if apiKey, ok := cfgData["apiKey"].(string); ok && apiKey != "" {
		return apiKey, nil
	}

	return "", fmt.Errorf("no apiKey found in chatParams")
}
