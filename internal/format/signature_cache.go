// Package format provides conversion between Anthropic and Google Generative AI formats.
package format

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// SignatureCache memoizes upstream thoughtSignatures. The upstream rejects
// replayed thinking blocks without a valid signature, and most clients strip
// the signature field when resuming a conversation. Entries are keyed by two
// hashes of the normalized thinking text (full content and first-500-chars
// prefix) so a resumed block can be matched even after minor truncation.
//
// Tool-use signatures are kept under a separate keyspace: Gemini models
// attach thoughtSignature to functionCall parts and expect it back on replay.
//
// Redis, when available, mirrors both keyspaces so restarts and sibling
// instances share signatures.
type SignatureCache struct {
	mu       sync.Mutex
	entries  map[string]*signatureEntry
	families map[string]*familyEntry
	tools    map[string]*signatureEntry
	store    *redis.SignatureStore
}

type signatureEntry struct {
	signature  string
	insertedAt time.Time
	keys       []string
}

type familyEntry struct {
	modelFamily string
	insertedAt  time.Time
}

// NewSignatureCache creates a new SignatureCache. redisClient may be nil.
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	cache := &SignatureCache{
		entries:  make(map[string]*signatureEntry),
		families: make(map[string]*familyEntry),
		tools:    make(map[string]*signatureEntry),
	}
	if redisClient != nil {
		cache.store = redis.NewSignatureStore(redisClient)
	}
	return cache
}

func signatureTTL() time.Duration {
	return time.Duration(config.SignatureCacheTTLMs) * time.Millisecond
}

// normalizeThinkingText trims and collapses whitespace so formatting drift
// between response and replay does not defeat the lookup.
func normalizeThinkingText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// thinkingHashKeys returns the full-content hash and, for long texts, the
// first-500-chars prefix hash of the normalized thinking text.
func thinkingHashKeys(text string) []string {
	normalized := normalizeThinkingText(text)
	if normalized == "" {
		return nil
	}
	keys := []string{hashText(normalized)}
	if len(normalized) > config.SignaturePrefixLength {
		keys = append(keys, hashText(normalized[:config.SignaturePrefixLength]))
	}
	return keys
}

// RecordThinkingSignature caches a signature under the content hashes of its
// thinking text. Signatures below the minimum length are rejected.
func (c *SignatureCache) RecordThinkingSignature(text, signature string) {
	if len(signature) < config.MinSignatureLength {
		return
	}
	keys := thinkingHashKeys(text)
	if len(keys) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.distinctEntriesLocked() >= config.SignatureCacheMaxEntries {
		c.evictOldestLocked()
	}

	entry := &signatureEntry{
		signature:  signature,
		insertedAt: time.Now(),
		keys:       keys,
	}
	for _, key := range keys {
		c.entries[key] = entry
	}

	if c.store != nil {
		ctx := context.Background()
		for _, key := range keys {
			_ = c.store.SetThinkingSignature(ctx, key, signature)
		}
	}
}

// LookupThinkingSignature returns the cached signature for a thinking text,
// trying the full-content hash first and the prefix hash on miss. Returns ""
// when nothing usable is cached.
func (c *SignatureCache) LookupThinkingSignature(text string) string {
	keys := thinkingHashKeys(text)
	if len(keys) == 0 {
		return ""
	}

	c.mu.Lock()
	for _, key := range keys {
		if entry, ok := c.entries[key]; ok {
			if time.Since(entry.insertedAt) > signatureTTL() {
				c.removeEntryLocked(entry)
				continue
			}
			c.mu.Unlock()
			return entry.signature
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		ctx := context.Background()
		for _, key := range keys {
			if sig, err := c.store.GetThinkingSignature(ctx, key); err == nil && sig != "" {
				return sig
			}
		}
	}

	return ""
}

// CacheToolSignature stores a thoughtSignature for a tool_use_id
func (c *SignatureCache) CacheToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	c.mu.Lock()
	c.tools[toolUseID] = &signatureEntry{
		signature:  signature,
		insertedAt: time.Now(),
	}
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.SetToolSignature(context.Background(), toolUseID, signature)
	}
}

// GetToolSignature retrieves a cached signature for a tool_use_id
func (c *SignatureCache) GetToolSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	c.mu.Lock()
	if entry, ok := c.tools[toolUseID]; ok {
		if time.Since(entry.insertedAt) > signatureTTL() {
			delete(c.tools, toolUseID)
		} else {
			c.mu.Unlock()
			return entry.signature
		}
	}
	c.mu.Unlock()

	if c.store != nil {
		if sig, err := c.store.GetToolSignature(context.Background(), toolUseID); err == nil {
			return sig
		}
	}

	return ""
}

// CacheSignatureFamily records which model family produced a signature, so a
// replayed signature is never forwarded to an incompatible family.
func (c *SignatureCache) CacheSignatureFamily(signature, modelFamily string) {
	if len(signature) < config.MinSignatureLength || modelFamily == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.families[hashText(signature)] = &familyEntry{
		modelFamily: modelFamily,
		insertedAt:  time.Now(),
	}
}

// GetSignatureFamily returns the model family a signature was seen on, or ""
func (c *SignatureCache) GetSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.families[hashText(signature)]
	if !ok {
		return ""
	}
	if time.Since(entry.insertedAt) > signatureTTL() {
		delete(c.families, hashText(signature))
		return ""
	}
	return entry.modelFamily
}

// Sweep purges TTL-expired entries. Called from the background registry tick.
func (c *SignatureCache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := signatureTTL()
	for _, entry := range c.entries {
		if time.Since(entry.insertedAt) > ttl {
			c.removeEntryLocked(entry)
		}
	}
	for id, entry := range c.tools {
		if time.Since(entry.insertedAt) > ttl {
			delete(c.tools, id)
		}
	}
	for hash, entry := range c.families {
		if time.Since(entry.insertedAt) > ttl {
			delete(c.families, hash)
		}
	}
}

// Size returns the number of distinct thinking entries
func (c *SignatureCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.distinctEntriesLocked()
}

// Clear drops all in-memory entries
func (c *SignatureCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*signatureEntry)
	c.families = make(map[string]*familyEntry)
	c.tools = make(map[string]*signatureEntry)
}

func (c *SignatureCache) distinctEntriesLocked() int {
	seen := make(map[*signatureEntry]struct{}, len(c.entries))
	for _, entry := range c.entries {
		seen[entry] = struct{}{}
	}
	return len(seen)
}

// evictOldestLocked removes the entry with the oldest insertedAt. O(n) on the
// write path, acceptable at the size cap.
func (c *SignatureCache) evictOldestLocked() {
	var oldest *signatureEntry
	for _, entry := range c.entries {
		if oldest == nil || entry.insertedAt.Before(oldest.insertedAt) {
			oldest = entry
		}
	}
	if oldest != nil {
		c.removeEntryLocked(oldest)
	}
}

func (c *SignatureCache) removeEntryLocked(entry *signatureEntry) {
	for _, key := range entry.keys {
		if c.entries[key] == entry {
			delete(c.entries, key)
		}
	}
}

// Global instance for convenience
var (
	globalSignatureCache *SignatureCache
	signatureCacheOnce   sync.Once
)

// InitGlobalSignatureCache initializes the global signature cache
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		// Memory-only cache if never initialized with Redis
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global signature cache
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().Clear()
}
