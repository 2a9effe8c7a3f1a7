// Package config provides configuration constants and runtime configuration management.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	CloudCodeEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	CloudCodeEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// EndpointFallbacks is the endpoint fallback order (daily, then prod)
var EndpointFallbacks = []string{
	CloudCodeEndpointDaily,
	CloudCodeEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first).
// loadCodeAssist works better on prod for fresh/unprovisioned accounts.
var LoadCodeAssistEndpoints = []string{
	CloudCodeEndpointProd,
	CloudCodeEndpointDaily,
}

// OnboardUserEndpoints is the endpoint order for onboardUser
var OnboardUserEndpoints = EndpointFallbacks

// DefaultProjectID is the default project ID if none can be discovered
const DefaultProjectID = "rising-fact-p41fc"

// UpstreamHeaders are the required headers for Cloud Code API requests.
// The upstream validates the client identity, so the values follow the
// Antigravity IDE client exactly.
func UpstreamHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   getClientMetadata(),
	}
}

// LoadCodeAssistHeaders are the headers for the loadCodeAssist API
func LoadCodeAssistHeaders() map[string]string {
	return UpstreamHeaders()
}

// getPlatformUserAgent generates the platform-specific User-Agent string
func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// IDE Type enum (numeric values as expected by the Cloud Code API,
// google.internal.cloud.code.v1internal.ClientMetadata.IdeType)
const (
	IdeTypeUnspecified = 0
	IdeTypeJetski      = 5
	IdeTypeAntigravity = 6
	IdeTypePlugins     = 7
)

// Platform enum (ClientMetadata.Platform)
const (
	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3
)

// Plugin Type enum
const (
	PluginTypeUnspecified = 0
	PluginTypeDuetAI      = 1
	PluginTypeGemini      = 2
)

func getPlatformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func getClientMetadata() string {
	metadata := map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   getPlatformEnum(),
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants
const (
	// TokenCacheTTLMs is the access token cache TTL (5 minutes)
	TokenCacheTTLMs = 5 * 60 * 1000
	// TokenRefreshBufferMs is how long before expiry a token is refreshed proactively
	TokenRefreshBufferMs = 5 * 60 * 1000
	// TokenRefreshTickMs is the background refresh ticker interval
	TokenRefreshTickMs = 30 * 1000
	// TokenRefreshBackoffBaseMs is the base backoff after a failed refresh
	TokenRefreshBackoffBaseMs = 60 * 1000
	// TokenRefreshBackoffMaxMs caps the refresh backoff
	TokenRefreshBackoffMaxMs = 15 * 60 * 1000
	// MinTokenLifetimeMs is the shortest token lifetime worth tracking
	MinTokenLifetimeMs = 5 * 60 * 1000
	// RequestBodyLimit is the max request body size (50MB in bytes)
	RequestBodyLimit int64 = 50 * 1024 * 1024
	// DefaultPort is the default server port
	DefaultPort = 8080
	// UpstreamTimeoutMs is the non-streaming upstream request timeout
	UpstreamTimeoutMs = 60 * 1000
	// UpstreamStreamTimeoutMs is the streaming upstream request timeout
	UpstreamStreamTimeoutMs = 180 * 1000
)

// Config file locations
var (
	// AccountConfigPath is the path to the accounts configuration file
	AccountConfigPath = filepath.Join(getHomeDir(), ".config", "cloudcode-proxy", "accounts.json")
	// UsageHistoryPath is the path to the usage history file
	UsageHistoryPath = filepath.Join(getHomeDir(), ".config", "cloudcode-proxy", "usage-history.json")
	// AntigravityDBPath is the path to the Antigravity IDE state database,
	// used only for importing OAuth credentials.
	AntigravityDBPath = getAntigravityDbPath()
)

// Local IDE token extraction
const (
	// AntigravityAuthPort is the local port the Antigravity IDE serves its
	// auth page on, used as a fallback token source.
	AntigravityAuthPort = 9092
	// ExtractedTokenTTLMs is how long an extracted IDE token is cached
	ExtractedTokenTTLMs = 5 * 60 * 1000
)

// Rate limit and retry constants
const (
	DefaultCooldownMs       = 10 * 1000
	MaxRetries              = 5
	MaxEmptyResponseRetries = 2
	MaxAccounts             = 10
	MaxWaitBeforeErrorMs    = 120000
	RateLimitDedupWindowMs  = 2000
	RateLimitStateResetMs   = 120000
	FirstRetryDelayMs       = 1000
	SwitchAccountDelayMs    = 5000
	MaxConsecutiveFailures  = 3
	ExtendedCooldownMs      = 60000
	MaxCapacityRetries      = 5
	MinBackoffMs            = 2000
	CapacityJitterMaxMs     = 10000

	// RateLimitResetMinMs / RateLimitResetMaxMs clamp parsed reset windows
	RateLimitResetMinMs      = 1000
	RateLimitResetMaxMs      = 24 * 60 * 60 * 1000
	RateLimitResetFallbackMs = 60 * 1000
)

// CapacityBackoffTiersMs is progressive backoff tiers for model capacity issues
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is progressive backoff tiers for QUOTA_EXHAUSTED
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

// BackoffByErrorType is smart backoff by error type
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// Thinking signature constants
const (
	MinSignatureLength       = 50
	SignatureCacheTTLMs      = 2 * 60 * 60 * 1000
	SignatureCacheMaxEntries = 500
	SignaturePrefixLength    = 500
)

// Request validation caps
const (
	MaxMessagesPerRequest = 500
	MaxToolsPerRequest    = 100
	MaxTextBlockBytes     = 1 * 1024 * 1024
	MaxImageBytes         = 10 * 1024 * 1024
	MaxMaxTokens          = 200000
)

// Account selection strategies
var SelectionStrategies = []string{"sticky", "round-robin"}

const DefaultSelectionStrategy = "sticky"

// StrategyLabels are the display labels for strategies
var StrategyLabels = map[string]string{
	"sticky":      "Sticky (Cache Optimized)",
	"round-robin": "Round Robin (Load Balanced)",
}

// StickyIdleExpiryMs is how long a sticky pin survives without use
const StickyIdleExpiryMs = 10 * 60 * 1000

// Gemini-specific limits
const (
	GeminiMaxOutputTokens     = 16384
	GeminiSkipSignature       = "skip_thought_signature_validator"
	ModelValidationCacheTTLMs = 5 * 60 * 1000
)

// OAuth configuration
type OAuthConfigType struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}

// OAuthConfig is the Google OAuth configuration used by the Antigravity client
var OAuthConfig = OAuthConfigType{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	CallbackPort:          getOAuthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
		"https://www.googleapis.com/auth/cclog",
		"https://www.googleapis.com/auth/experimentsandconfigs",
	},
}

// Exported OAuth constants for easy access
var (
	OAuthCallbackPort          = OAuthConfig.CallbackPort
	OAuthCallbackFallbackPorts = OAuthConfig.CallbackFallbackPorts

	OAuthClientID     = OAuthConfig.ClientID
	OAuthClientSecret = OAuthConfig.ClientSecret
	OAuthAuthURL      = OAuthConfig.AuthURL
	OAuthTokenURL     = OAuthConfig.TokenURL
	OAuthUserInfoURL  = OAuthConfig.UserInfoURL
	OAuthScopes       = OAuthConfig.Scopes
)

// OAuthRedirectURI returns the OAuth redirect URI
func OAuthRedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/oauth-callback", OAuthConfig.CallbackPort)
}

// UpstreamSystemInstruction is the minimal system instruction the upstream expects
const UpstreamSystemInstruction = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.**Absolute paths only****Proactiveness**`

// ModelFallbackMap maps primary model to fallback when quota exhausted
var ModelFallbackMap = map[string]string{
	"gemini-3-pro-high":          "claude-opus-4-6-thinking",
	"gemini-3-pro-low":           "claude-sonnet-4-5",
	"gemini-3-flash":             "claude-sonnet-4-5-thinking",
	"claude-opus-4-6-thinking":   "gemini-3-pro-high",
	"claude-sonnet-4-5-thinking": "gemini-3-flash",
	"claude-sonnet-4-5":          "gemini-3-flash",
}

// ModelAliases maps Anthropic-style aliases to upstream model names
var ModelAliases = map[string]string{
	"sonnet":                   "claude-sonnet-4-5-thinking",
	"opus":                     "claude-opus-4-6-thinking",
	"haiku":                    "claude-sonnet-4-5",
	"claude-sonnet-4-5-latest": "claude-sonnet-4-5",
	"claude-opus-4-6-latest":   "claude-opus-4-6-thinking",
}

// ResolveModelAlias maps a requested model name to its canonical upstream name
func ResolveModelAlias(modelName string) string {
	if canonical, ok := ModelAliases[strings.ToLower(modelName)]; ok {
		return canonical
	}
	return modelName
}

// ModelFamily represents the model family type
type ModelFamily string

const (
	ModelFamilyClaude  ModelFamily = "claude"
	ModelFamilyGemini  ModelFamily = "gemini"
	ModelFamilyUnknown ModelFamily = "unknown"
)

// GetModelFamily returns the model family from model name
func GetModelFamily(modelName string) ModelFamily {
	lower := strings.ToLower(modelName)
	if strings.Contains(lower, "claude") {
		return ModelFamilyClaude
	}
	if strings.Contains(lower, "gemini") {
		return ModelFamilyGemini
	}
	return ModelFamilyUnknown
}

var geminiVersionPattern = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel checks if a model supports thinking/reasoning output
func IsThinkingModel(modelName string) bool {
	lower := strings.ToLower(modelName)

	if strings.Contains(lower, "claude") && strings.Contains(lower, "thinking") {
		return true
	}

	// Gemini thinking models: explicit "thinking" in name, or gemini version 3+
	if strings.Contains(lower, "gemini") {
		if strings.Contains(lower, "thinking") {
			return true
		}
		matches := geminiVersionPattern.FindStringSubmatch(lower)
		if len(matches) >= 2 {
			version, err := strconv.Atoi(matches[1])
			if err == nil && version >= 3 {
				return true
			}
		}
	}

	return false
}

// GetFallbackModel returns the fallback model for the given model
func GetFallbackModel(modelName string) (string, bool) {
	fallback, ok := ModelFallbackMap[modelName]
	return fallback, ok
}

// HasFallback checks if a model has a fallback configured
func HasFallback(modelName string) bool {
	_, ok := ModelFallbackMap[modelName]
	return ok
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func getAntigravityDbPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func getOAuthCallbackPort() int {
	portStr := os.Getenv("OAUTH_CALLBACK_PORT")
	if portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err == nil {
			return port
		}
	}
	return 51121
}
