package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// forbiddenKeys are JSON object keys rejected anywhere in the request body.
// They are meaningless to the upstream and only ever appear in prototype
// pollution probes.
var forbiddenKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// frame tracks one level of JSON nesting. Inside an object, tokens alternate
// key then value, so keyNext tells whether the next string is a key.
type frame struct {
	object  bool
	keyNext bool
}

// CheckForbiddenKeys walks the raw JSON and rejects dangerous object keys
func CheckForbiddenKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var stack []frame

	consumeValue := func() {
		if len(stack) > 0 && stack[len(stack)-1].object {
			stack[len(stack)-1].keyNext = true
		}
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case json.Delim:
			switch t {
			case '{':
				consumeValue()
				stack = append(stack, frame{object: true, keyNext: true})
			case '[':
				consumeValue()
				stack = append(stack, frame{object: false})
			case '}', ']':
				stack = stack[:len(stack)-1]
			}
		case string:
			top := len(stack) - 1
			if top >= 0 && stack[top].object && stack[top].keyNext {
				if forbiddenKeys[t] {
					return fmt.Errorf("forbidden key in request: %s", t)
				}
				stack[top].keyNext = false
			} else {
				consumeValue()
			}
		default:
			consumeValue()
		}
	}
}

// MaxTokensProvided reports whether the raw body carried an explicit
// max_tokens field. A client-sent zero must be rejected, not defaulted.
func MaxTokensProvided(raw []byte) bool {
	var probe struct {
		MaxTokens *int `json:"max_tokens"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.MaxTokens != nil
}

// ValidateMessagesRequest enforces the request caps. Returns a client-facing
// message when the request is out of bounds.
func ValidateMessagesRequest(req *anthropic.MessagesRequest) string {
	if len(req.Messages) == 0 {
		return "messages is required and must be a non-empty array"
	}
	if len(req.Messages) > config.MaxMessagesPerRequest {
		return fmt.Sprintf("too many messages: %d (max %d)", len(req.Messages), config.MaxMessagesPerRequest)
	}
	if len(req.Tools) > config.MaxToolsPerRequest {
		return fmt.Sprintf("too many tools: %d (max %d)", len(req.Tools), config.MaxToolsPerRequest)
	}
	if req.MaxTokens < 1 || req.MaxTokens > config.MaxMaxTokens {
		return fmt.Sprintf("max_tokens must be between 1 and %d", config.MaxMaxTokens)
	}

	for i, msg := range req.Messages {
		for j, block := range msg.Content {
			if block.IsText() && len(block.Text) > config.MaxTextBlockBytes {
				return fmt.Sprintf("text block too large at messages[%d].content[%d] (max %d bytes)",
					i, j, config.MaxTextBlockBytes)
			}
			if block.IsImage() && block.Source != nil && len(block.Source.Data) > config.MaxImageBytes {
				return fmt.Sprintf("image too large at messages[%d].content[%d] (max %d bytes)",
					i, j, config.MaxImageBytes)
			}
		}
	}

	return ""
}
