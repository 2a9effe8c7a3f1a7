// Package format provides conversion between the Anthropic Messages API and
// the Google Generative AI wire format.
//
// Request side:
//   - ConvertAnthropicToGoogle handles system prompts, messages, tools and
//     thinking configuration, applying cache_control cleaning, thinking
//     recovery and schema sanitization along the way.
//
// Response side:
//   - ConvertGoogleToAnthropic converts candidates, parts, function calls and
//     usage metadata, recording thinking signatures as it goes.
//
// Thinking integrity:
//   - RestoreThinkingSignatures, RemoveTrailingThinkingBlocks,
//     ReorderAssistantContent and CloseToolLoopForThinking repair resumed
//     conversations so the upstream accepts them.
//
// Signature cache:
//   - SignatureCache memoizes thoughtSignatures for thinking blocks and tool
//     calls, optionally mirrored to Redis.
package format

import (
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// Initialize sets up the format package with required dependencies
func Initialize(redisClient *redis.Client) {
	InitGlobalSignatureCache(redisClient)
}
