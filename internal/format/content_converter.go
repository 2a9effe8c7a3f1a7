// Package format provides conversion between the Anthropic Messages API and
// the Google Generative AI wire format.
package format

import (
	"strings"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
)

// GooglePart represents a part in Google Generative AI format
type GooglePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
}

// FunctionCall represents a function call in Google format
type FunctionCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// FunctionResponse represents a function response in Google format
type FunctionResponse struct {
	Name     string                 `json:"name"`
	Response map[string]interface{} `json:"response,omitempty"`
	ID       string                 `json:"id,omitempty"`
}

// InlineData represents inline data (e.g., base64 images)
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FileData represents file data (e.g., URL-referenced files)
type FileData struct {
	MimeType string `json:"mimeType"`
	FileURI  string `json:"fileUri"`
}

// ConvertRole converts Anthropic role to Google role
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// BuildToolNameIndex maps tool_use IDs to tool names across the conversation,
// so a later tool_result can resolve the function name its functionResponse
// must carry.
func BuildToolNameIndex(messages []Message) map[string]string {
	index := make(map[string]string)
	for _, msg := range messages {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.ID != "" && block.Name != "" {
				index[block.ID] = block.Name
			}
		}
	}
	return index
}

// ConvertContentToParts converts Anthropic message content to Google
// Generative AI parts. toolNames resolves tool_use IDs to function names for
// tool_result blocks; pass nil when the conversation carries no tools.
func ConvertContentToParts(content []ContentBlock, isClaudeModel, isGeminiModel bool, toolNames map[string]string) []GooglePart {
	parts := make([]GooglePart, 0)
	deferredInlineData := make([]GooglePart, 0) // images from tool results go at the end

	cache := GetGlobalSignatureCache()

	for _, block := range content {
		switch block.Type {
		case "text":
			// Skip empty text blocks, they cause API errors
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image":
			if block.Source != nil {
				if block.Source.Type == "base64" {
					parts = append(parts, GooglePart{
						InlineData: &InlineData{
							MimeType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				} else if block.Source.Type == "url" {
					mimeType := block.Source.MediaType
					if mimeType == "" {
						mimeType = "image/jpeg"
					}
					parts = append(parts, GooglePart{
						FileData: &FileData{
							MimeType: mimeType,
							FileURI:  block.Source.URL,
						},
					})
				}
			}

		case "document":
			if block.Source != nil {
				if block.Source.Type == "base64" {
					parts = append(parts, GooglePart{
						InlineData: &InlineData{
							MimeType: block.Source.MediaType,
							Data:     block.Source.Data,
						},
					})
				} else if block.Source.Type == "url" {
					mimeType := block.Source.MediaType
					if mimeType == "" {
						mimeType = "application/pdf"
					}
					parts = append(parts, GooglePart{
						FileData: &FileData{
							MimeType: mimeType,
							FileURI:  block.Source.URL,
						},
					})
				}
			}

		case "tool_use":
			functionCall := &FunctionCall{
				Name: block.Name,
				Args: block.Input,
			}

			if isClaudeModel && block.ID != "" {
				functionCall.ID = block.ID
			}

			part := GooglePart{FunctionCall: functionCall}

			// Gemini expects thoughtSignature on the functionCall part itself
			if isGeminiModel {
				// Priority: block.thoughtSignature > cache > skip marker
				signature := block.ThoughtSignature

				if signature == "" && block.ID != "" {
					signature = cache.GetToolSignature(block.ID)
					if signature != "" {
						utils.Debug("[ContentConverter] Restored signature from cache for: %s", block.ID)
					}
				}

				if signature == "" {
					signature = config.GeminiSkipSignature
				}
				part.ThoughtSignature = signature
			}

			parts = append(parts, part)

		case "tool_result":
			responseContent := make(map[string]interface{})
			var imageParts []GooglePart

			if block.Content != nil {
				switch c := block.Content.(type) {
				case string:
					responseContent["result"] = c
				case []interface{}:
					var texts []string
					for _, item := range c {
						if itemMap, ok := item.(map[string]interface{}); ok {
							itemType, _ := itemMap["type"].(string)
							if itemType == "image" {
								if source, ok := itemMap["source"].(map[string]interface{}); ok {
									if source["type"] == "base64" {
										mimeType, _ := source["media_type"].(string)
										data, _ := source["data"].(string)
										imageParts = append(imageParts, GooglePart{
											InlineData: &InlineData{
												MimeType: mimeType,
												Data:     data,
											},
										})
									}
								}
							} else if itemType == "text" {
								if text, ok := itemMap["text"].(string); ok {
									texts = append(texts, text)
								}
							}
						}
					}
					if len(texts) > 0 {
						responseContent["result"] = strings.Join(texts, "\n")
					} else if len(imageParts) > 0 {
						responseContent["result"] = "Image attached"
					} else {
						responseContent["result"] = ""
					}
				case []ContentBlock:
					var texts []string
					for _, item := range c {
						if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
							imageParts = append(imageParts, GooglePart{
								InlineData: &InlineData{
									MimeType: item.Source.MediaType,
									Data:     item.Source.Data,
								},
							})
						} else if item.Type == "text" {
							texts = append(texts, item.Text)
						}
					}
					if len(texts) > 0 {
						responseContent["result"] = strings.Join(texts, "\n")
					} else if len(imageParts) > 0 {
						responseContent["result"] = "Image attached"
					} else {
						responseContent["result"] = ""
					}
				}
			}

			// The functionResponse name is the function that was called,
			// resolved through the tool_use that carries the same ID
			funcName := ""
			if toolNames != nil {
				funcName = toolNames[block.ToolUseID]
			}
			if funcName == "" {
				funcName = block.ToolUseID
			}
			if funcName == "" {
				funcName = "unknown"
			}

			functionResponse := &FunctionResponse{
				Name:     funcName,
				Response: responseContent,
			}

			// For Claude models the id field must match the tool_use_id
			if isClaudeModel && block.ToolUseID != "" {
				functionResponse.ID = block.ToolUseID
			}

			parts = append(parts, GooglePart{FunctionResponse: functionResponse})

			// Images inside tool results must trail the functionResponse part
			deferredInlineData = append(deferredInlineData, imageParts...)

		case "thinking":
			signature := block.Signature
			if signature == "" || len(signature) < config.MinSignatureLength {
				signature = cache.LookupThinkingSignature(block.Thinking)
			}

			if signature != "" && len(signature) >= config.MinSignatureLength {
				signatureFamily := cache.GetSignatureFamily(signature)
				var targetFamily string
				if isClaudeModel {
					targetFamily = "claude"
				} else if isGeminiModel {
					targetFamily = "gemini"
				}

				// Cross-model switch: Gemini rejects foreign signatures
				if isGeminiModel && signatureFamily != "" && targetFamily != "" && signatureFamily != targetFamily {
					utils.Debug("[ContentConverter] Dropping incompatible %s thinking for %s model", signatureFamily, targetFamily)
					continue
				}

				// Unknown signature origin on a cold cache is also unsafe for Gemini
				if isGeminiModel && signatureFamily == "" && targetFamily != "" {
					utils.Debug("[ContentConverter] Dropping thinking with unknown signature origin")
					continue
				}

				parts = append(parts, GooglePart{
					Text:             block.Thinking,
					Thought:          true,
					ThoughtSignature: signature,
				})
			}
			// Thinking blocks that stay unsigned are dropped
		}
	}

	parts = append(parts, deferredInlineData...)

	return parts
}

// ConvertStringContentToParts converts string content to Google parts
func ConvertStringContentToParts(content string) []GooglePart {
	return []GooglePart{{Text: content}}
}
