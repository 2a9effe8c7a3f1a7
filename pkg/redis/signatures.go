// Package redis provides Redis operations for signature caching.
package redis

import (
	"context"
	"time"
)

// SignatureStore mirrors the in-memory thinking signature cache so multiple
// proxy instances can restore signatures for each other's conversations.
type SignatureStore struct {
	client *Client
}

// NewSignatureStore creates a new SignatureStore
func NewSignatureStore(client *Client) *SignatureStore {
	return &SignatureStore{client: client}
}

// SignatureTTL is the default TTL for cached signatures (2 hours)
const SignatureTTL = 2 * time.Hour

// GetThinkingSignature retrieves a cached signature by normalized-text hash.
// Returns "" when the hash is unknown.
func (s *SignatureStore) GetThinkingSignature(ctx context.Context, textHash string) (string, error) {
	key := PrefixSignatureThinking + textHash
	sig, err := s.client.GetString(ctx, key)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetThinkingSignature caches a signature under a normalized-text hash
func (s *SignatureStore) SetThinkingSignature(ctx context.Context, textHash, signature string) error {
	key := PrefixSignatureThinking + textHash
	return s.client.SetString(ctx, key, signature, SignatureTTL)
}

// GetToolSignature retrieves a cached thoughtSignature for a tool use ID
func (s *SignatureStore) GetToolSignature(ctx context.Context, toolUseID string) (string, error) {
	key := PrefixSignatureTool + toolUseID
	sig, err := s.client.GetString(ctx, key)
	if err != nil {
		if IsNil(err) {
			return "", nil
		}
		return "", err
	}
	return sig, nil
}

// SetToolSignature caches a thoughtSignature for a tool use ID
func (s *SignatureStore) SetToolSignature(ctx context.Context, toolUseID, signature string) error {
	key := PrefixSignatureTool + toolUseID
	return s.client.SetString(ctx, key, signature, SignatureTTL)
}

// ClearAllSignatures clears all cached signatures
func (s *SignatureStore) ClearAllSignatures(ctx context.Context) error {
	for _, prefix := range []string{PrefixSignatureTool, PrefixSignatureThinking} {
		keys, err := s.client.ScanAll(ctx, prefix+"*")
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Delete(ctx, keys...); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetSignatureStats returns statistics about cached signatures
func (s *SignatureStore) GetSignatureStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64)

	toolKeys, err := s.client.ScanAll(ctx, PrefixSignatureTool+"*")
	if err != nil {
		return nil, err
	}
	stats["tool"] = int64(len(toolKeys))

	thinkingKeys, err := s.client.ScanAll(ctx, PrefixSignatureThinking+"*")
	if err != nil {
		return nil, err
	}
	stats["thinking"] = int64(len(thinkingKeys))
	stats["total"] = stats["tool"] + stats["thinking"]

	return stats, nil
}
