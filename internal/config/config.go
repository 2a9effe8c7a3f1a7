// Package config provides runtime configuration management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
)

// Config represents the runtime configuration
type Config struct {
	mu sync.RWMutex

	// API access
	APIKey string `json:"apiKey"`

	// Logging and debugging
	Debug   bool `json:"debug"`
	DevMode bool `json:"devMode"`

	// Retry configuration
	MaxRetries  int   `json:"maxRetries"`
	RetryBaseMs int64 `json:"retryBaseMs"`
	RetryMaxMs  int64 `json:"retryMaxMs"`

	// Cooldown configuration
	DefaultCooldownMs    int64 `json:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `json:"maxWaitBeforeErrorMs"`

	// Account limits
	MaxAccounts int `json:"maxAccounts"`

	// Rate limit handling
	RateLimitDedupWindowMs int64 `json:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `json:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `json:"extendedCooldownMs"`
	MaxCapacityRetries     int   `json:"maxCapacityRetries"`

	// Model mapping (for hiding/aliasing models)
	ModelMapping map[string]string `json:"modelMapping"`

	// Account selection strategy
	Strategy string `json:"strategy"`

	// Redis configuration
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDB"`

	// Server configuration
	Port int    `json:"port"`
	Host string `json:"host"`

	// Fallback configuration
	FallbackEnabled bool `json:"fallbackEnabled"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig() *Config {
	return &Config{
		APIKey:                 "",
		Debug:                  false,
		DevMode:                false,
		MaxRetries:             MaxRetries,
		RetryBaseMs:            1000,
		RetryMaxMs:             30000,
		DefaultCooldownMs:      DefaultCooldownMs,
		MaxWaitBeforeErrorMs:   MaxWaitBeforeErrorMs,
		MaxAccounts:            MaxAccounts,
		RateLimitDedupWindowMs: RateLimitDedupWindowMs,
		MaxConsecutiveFailures: MaxConsecutiveFailures,
		ExtendedCooldownMs:     ExtendedCooldownMs,
		MaxCapacityRetries:     MaxCapacityRetries,
		ModelMapping:           make(map[string]string),
		Strategy:               DefaultSelectionStrategy,
		RedisAddr:              "localhost:6379",
		RedisPassword:          "",
		RedisDB:                0,
		Port:                   DefaultPort,
		Host:                   "0.0.0.0",
		FallbackEnabled:        false,
	}
}

// Config paths
var (
	configDir  string
	configFile string
)

func init() {
	home := utils.GetHomeDir()
	configDir = filepath.Join(home, ".config", "cloudcode-proxy")
	configFile = filepath.Join(configDir, "config.json")
}

// Global config instance
var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = DefaultConfig()
		globalConfig.Load()
	})
	return globalConfig
}

// Load loads configuration from file and environment
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(configDir); err != nil {
		utils.Warn("Failed to create config directory: %v", err)
	}

	if utils.FileExists(configFile) {
		if err := c.loadFromFile(configFile); err != nil {
			utils.Warn("Failed to load config from %s: %v", configFile, err)
		}
	} else {
		// Fallback to local config.json
		localConfig := filepath.Join(".", "config.json")
		if utils.FileExists(localConfig) {
			if err := c.loadFromFile(localConfig); err != nil {
				utils.Warn("Failed to load local config: %v", err)
			}
		}
	}

	c.loadFromEnv()

	// Backward compatibility: debug implies devMode
	if c.Debug && !c.DevMode {
		c.DevMode = true
	}

	utils.SetDebug(c.Debug || c.DevMode)

	return nil
}

// loadFromFile loads config from a JSON file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Unmarshal over defaults so missing fields keep their default values
	tempConfig := DefaultConfig()
	if err := json.Unmarshal(data, tempConfig); err != nil {
		return err
	}

	c.APIKey = tempConfig.APIKey
	c.Debug = tempConfig.Debug
	c.DevMode = tempConfig.DevMode
	c.MaxRetries = tempConfig.MaxRetries
	c.RetryBaseMs = tempConfig.RetryBaseMs
	c.RetryMaxMs = tempConfig.RetryMaxMs
	c.DefaultCooldownMs = tempConfig.DefaultCooldownMs
	c.MaxWaitBeforeErrorMs = tempConfig.MaxWaitBeforeErrorMs
	c.MaxAccounts = tempConfig.MaxAccounts
	c.RateLimitDedupWindowMs = tempConfig.RateLimitDedupWindowMs
	c.MaxConsecutiveFailures = tempConfig.MaxConsecutiveFailures
	c.ExtendedCooldownMs = tempConfig.ExtendedCooldownMs
	c.MaxCapacityRetries = tempConfig.MaxCapacityRetries
	c.ModelMapping = tempConfig.ModelMapping
	c.Strategy = tempConfig.Strategy
	c.RedisAddr = tempConfig.RedisAddr
	c.RedisPassword = tempConfig.RedisPassword
	c.RedisDB = tempConfig.RedisDB
	c.Port = tempConfig.Port
	c.Host = tempConfig.Host
	c.FallbackEnabled = tempConfig.FallbackEnabled

	return nil
}

// loadFromEnv loads config from environment variables
func (c *Config) loadFromEnv() {
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if os.Getenv("DEBUG") == "true" {
		c.Debug = true
	}
	if os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if os.Getenv("FALLBACK") == "true" {
		c.FallbackEnabled = true
	}
}

// Save saves the current configuration to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := utils.EnsureDir(configDir); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configFile, data, 0644)
}

// GetPublic returns a copy of the config with sensitive fields redacted
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"devMode":                c.DevMode,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"modelMapping":           c.ModelMapping,
		"strategy":               c.Strategy,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
	}
}

// GetStrategy returns the current account selection strategy
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Strategy
}

// SetStrategy updates the account selection strategy
func (c *Config) SetStrategy(strategy string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Strategy = strategy
}

// IsDevMode returns whether dev mode is enabled
func (c *Config) IsDevMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.DevMode
}

// redact returns "********" if the string is non-empty, otherwise empty string
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
