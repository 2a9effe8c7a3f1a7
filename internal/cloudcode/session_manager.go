package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"

	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// DeriveSessionID derives a stable session ID from the first user message so
// the same conversation reuses the same session across turns, which keeps
// upstream prompt caching warm.
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role == "user" {
			content := extractTextContent(msg)
			if content != "" {
				hash := sha256.Sum256([]byte(content))
				return hex.EncodeToString(hash[:16])
			}
		}
	}

	// No user text anywhere, fall back to a random id
	return uuid.New().String()
}

func extractTextContent(msg anthropic.Message) string {
	var result string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if result != "" {
				result += "\n"
			}
			result += block.Text
		}
	}
	return result
}
