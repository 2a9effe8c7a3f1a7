package format

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
)

func validSignature(tag string) string {
	return tag + strings.Repeat("x", config.MinSignatureLength)
}

func TestSignatureCacheExactMatch(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("exact")

	cache.RecordThinkingSignature("Let me think about this problem.", sig)

	if got := cache.LookupThinkingSignature("Let me think about this problem."); got != sig {
		t.Errorf("exact lookup = %q, want %q", got, sig)
	}
}

func TestSignatureCacheNormalizesWhitespace(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("ws")

	cache.RecordThinkingSignature("Let me   think\nabout this.", sig)

	if got := cache.LookupThinkingSignature("Let me think about this."); got != sig {
		t.Errorf("whitespace-drifted lookup = %q, want %q", got, sig)
	}
}

func TestSignatureCachePrefixMatch(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("prefix")

	// Same first 500 chars, tail diverges after truncation on replay
	original := strings.Repeat("a", config.SignaturePrefixLength) + strings.Repeat("b", 200)
	replayed := strings.Repeat("a", config.SignaturePrefixLength) + strings.Repeat("c", 50)

	cache.RecordThinkingSignature(original, sig)

	if got := cache.LookupThinkingSignature(replayed); got != sig {
		t.Errorf("prefix lookup = %q, want %q", got, sig)
	}
}

func TestSignatureCacheRejectsShortSignature(t *testing.T) {
	cache := NewSignatureCache(nil)

	cache.RecordThinkingSignature("some thinking text", "tooshort")

	if got := cache.LookupThinkingSignature("some thinking text"); got != "" {
		t.Errorf("short signature should not be cached, got %q", got)
	}
	if cache.Size() != 0 {
		t.Errorf("cache size = %d, want 0", cache.Size())
	}
}

func TestSignatureCacheIgnoresEmptyText(t *testing.T) {
	cache := NewSignatureCache(nil)

	cache.RecordThinkingSignature("   ", validSignature("empty"))

	if cache.Size() != 0 {
		t.Errorf("whitespace-only text should not be cached, size = %d", cache.Size())
	}
	if got := cache.LookupThinkingSignature(""); got != "" {
		t.Errorf("empty lookup should miss, got %q", got)
	}
}

func TestSignatureCacheEvictsOldestAtCapacity(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("cap")

	for i := 0; i <= config.SignatureCacheMaxEntries; i++ {
		cache.RecordThinkingSignature(fmt.Sprintf("thinking entry number %d", i), sig)
	}

	if size := cache.Size(); size != config.SignatureCacheMaxEntries {
		t.Errorf("cache size = %d, want %d", size, config.SignatureCacheMaxEntries)
	}
	if got := cache.LookupThinkingSignature("thinking entry number 0"); got != "" {
		t.Error("oldest entry should have been evicted")
	}
}

func TestSignatureCacheToolSignatures(t *testing.T) {
	cache := NewSignatureCache(nil)

	cache.CacheToolSignature("toolu_abc123", "gemini-thought-sig")

	if got := cache.GetToolSignature("toolu_abc123"); got != "gemini-thought-sig" {
		t.Errorf("tool signature = %q", got)
	}
	if got := cache.GetToolSignature("toolu_missing"); got != "" {
		t.Errorf("missing tool signature = %q, want empty", got)
	}
	if got := cache.GetToolSignature(""); got != "" {
		t.Errorf("empty tool id should miss, got %q", got)
	}
}

func TestSignatureCacheFamilyTracking(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("fam")

	cache.CacheSignatureFamily(sig, "gemini")

	if got := cache.GetSignatureFamily(sig); got != "gemini" {
		t.Errorf("family = %q, want gemini", got)
	}
	if got := cache.GetSignatureFamily(validSignature("other")); got != "" {
		t.Errorf("unknown signature family = %q, want empty", got)
	}
}

func TestSignatureCacheClear(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("clear")

	cache.RecordThinkingSignature("text to clear", sig)
	cache.CacheToolSignature("toolu_1", sig)
	cache.Clear()

	if cache.Size() != 0 {
		t.Errorf("size after clear = %d", cache.Size())
	}
	if got := cache.LookupThinkingSignature("text to clear"); got != "" {
		t.Errorf("lookup after clear = %q", got)
	}
	if got := cache.GetToolSignature("toolu_1"); got != "" {
		t.Errorf("tool lookup after clear = %q", got)
	}
}

func TestSignatureCacheSweepKeepsFreshEntries(t *testing.T) {
	cache := NewSignatureCache(nil)
	sig := validSignature("sweep")

	cache.RecordThinkingSignature("fresh entry", sig)
	cache.Sweep()

	if got := cache.LookupThinkingSignature("fresh entry"); got != sig {
		t.Errorf("fresh entry swept away, lookup = %q", got)
	}
}
