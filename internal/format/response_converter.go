// Package format provides conversion between the Anthropic Messages API and
// the Google Generative AI wire format.
package format

import (
	"encoding/json"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// GoogleResponse represents a response from Google Generative AI
type GoogleResponse struct {
	Response      *GoogleResponseInner `json:"response,omitempty"`
	Candidates    []Candidate          `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata       `json:"usageMetadata,omitempty"`
}

// GoogleResponseInner represents the inner response object
type GoogleResponseInner struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate represents a response candidate
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent represents the content of a candidate
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart represents a part in the response
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall represents a function call in the response
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// UsageMetadata represents usage metadata
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

// GoogleResponseFromMap creates a GoogleResponse from a map[string]interface{}
func GoogleResponseFromMap(data map[string]interface{}) *GoogleResponse {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return &GoogleResponse{}
	}
	var response GoogleResponse
	if err := json.Unmarshal(jsonData, &response); err != nil {
		return &GoogleResponse{}
	}
	return &response
}

// ConvertGoogleToAnthropic converts a Google Generative AI response to the
// Anthropic Messages API format. Every signed thought part is recorded into
// the signature cache so later turns can restore stripped signatures.
func ConvertGoogleToAnthropic(googleResponse *GoogleResponse, model string) *anthropic.MessagesResponse {
	// The Cloud Code endpoint wraps the payload in a "response" object
	var candidates []Candidate
	var usageMetadata *UsageMetadata

	if googleResponse.Response != nil {
		candidates = googleResponse.Response.Candidates
		usageMetadata = googleResponse.Response.UsageMetadata
	} else {
		candidates = googleResponse.Candidates
		usageMetadata = googleResponse.UsageMetadata
	}

	var firstCandidate Candidate
	if len(candidates) > 0 {
		firstCandidate = candidates[0]
	}

	var parts []ResponsePart
	if firstCandidate.Content != nil {
		parts = firstCandidate.Content.Parts
	}

	anthropicContent := make([]anthropic.ContentBlock, 0)
	hasToolCalls := false

	cache := GetGlobalSignatureCache()

	for _, part := range parts {
		if part.Text != "" {
			if part.Thought {
				signature := part.ThoughtSignature

				if signature != "" && len(signature) >= config.MinSignatureLength {
					// Record under the content hash for restore, and remember
					// the producing family for cross-model checks
					cache.RecordThinkingSignature(part.Text, signature)
					modelFamily := config.GetModelFamily(model)
					cache.CacheSignatureFamily(signature, string(modelFamily))
				}

				anthropicContent = append(anthropicContent, anthropic.ContentBlock{
					Type:      "thinking",
					Thinking:  part.Text,
					Signature: signature,
				})
			} else {
				anthropicContent = append(anthropicContent, anthropic.ContentBlock{
					Type: "text",
					Text: part.Text,
				})
			}
		} else if part.FunctionCall != nil {
			// Use the id from the response if available, otherwise generate one
			toolID := part.FunctionCall.ID
			if toolID == "" {
				toolID = anthropic.GenerateToolUseID()
			}

			var inputJSON json.RawMessage
			if part.FunctionCall.Args != nil {
				inputJSON, _ = json.Marshal(part.FunctionCall.Args)
			} else {
				inputJSON = json.RawMessage("{}")
			}

			toolUseBlock := anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    toolID,
				Name:  part.FunctionCall.Name,
				Input: inputJSON,
			}

			// Gemini 3+ attaches thoughtSignature to the functionCall part
			if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
				toolUseBlock.ThoughtSignature = part.ThoughtSignature
				// Cache for replay, clients may strip this field
				cache.CacheToolSignature(toolID, part.ThoughtSignature)
			}

			anthropicContent = append(anthropicContent, toolUseBlock)
			hasToolCalls = true
		} else if part.InlineData != nil {
			anthropicContent = append(anthropicContent, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	stopReason := MapFinishReason(firstCandidate.FinishReason, hasToolCalls)

	// promptTokenCount is the total including cached tokens, but Anthropic's
	// input_tokens excludes them. Subtract to match.
	var promptTokens, cachedTokens, outputTokens, reasoningTokens int
	if usageMetadata != nil {
		promptTokens = usageMetadata.PromptTokenCount
		cachedTokens = usageMetadata.CachedContentTokenCount
		outputTokens = usageMetadata.CandidatesTokenCount
		reasoningTokens = usageMetadata.ThoughtsTokenCount
	}

	// The API contract requires at least one content block
	if len(anthropicContent) == 0 {
		anthropicContent = append(anthropicContent, anthropic.ContentBlock{
			Type: "text",
			Text: "",
		})
	}

	usage := &anthropic.Usage{
		InputTokens:              promptTokens - cachedTokens,
		OutputTokens:             outputTokens,
		CacheReadInputTokens:     cachedTokens,
		CacheCreationInputTokens: 0,
	}
	if reasoningTokens > 0 {
		usage.OutputTokenDetails = &anthropic.OutputTokenDetails{
			ReasoningTokens: reasoningTokens,
		}
	}

	return &anthropic.MessagesResponse{
		ID:           anthropic.GenerateMessageID(),
		Type:         "message",
		Role:         "assistant",
		Content:      anthropicContent,
		Model:        model,
		StopReason:   stopReason,
		StopSequence: nil,
		Usage:        usage,
	}
}

// MapFinishReason maps an upstream finish reason to an Anthropic stop reason.
// Any functionCall in the turn forces tool_use regardless of the upstream
// value.
func MapFinishReason(finishReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "SAFETY", "RECITATION":
		return "end_turn"
	default:
		return "end_turn"
	}
}
