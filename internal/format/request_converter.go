// Package format provides conversion between the Anthropic Messages API and
// the Google Generative AI wire format.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// MaxStopSequences is the most stop sequences the upstream accepts.
const MaxStopSequences = 4

// PlaceholderThinkingText is prepended as an unsigned thought part when
// thinking is enabled but the final assistant turn lost all of its thinking
// blocks. The leading position is the only one that tolerates it.
const PlaceholderThinkingText = "[Continuing from previous context]"

// GoogleRequest represents a request in Google Generative AI format
type GoogleRequest struct {
	Contents          []GoogleContent   `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *GoogleContent    `json:"systemInstruction,omitempty"`
	Tools             []GoogleTool      `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
}

// ToMap converts GoogleRequest to a map[string]interface{} for dynamic field addition
func (r *GoogleRequest) ToMap() map[string]interface{} {
	data, err := json.Marshal(r)
	if err != nil {
		return make(map[string]interface{})
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return make(map[string]interface{})
	}
	return result
}

// GoogleContent represents content in Google format
type GoogleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GooglePart `json:"parts"`
}

// GenerationConfig holds generation configuration
type GenerationConfig struct {
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig holds thinking configuration
type ThinkingConfig struct {
	// Claude style (snake_case)
	IncludeThoughts bool `json:"include_thoughts,omitempty"`
	ThinkingBudget  int  `json:"thinking_budget,omitempty"`

	// Gemini style (camelCase)
	IncludeThoughtsGemini bool `json:"includeThoughts,omitempty"`
	ThinkingBudgetGemini  int  `json:"thinkingBudget,omitempty"`
}

// GoogleTool represents a tool in Google format
type GoogleTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration represents a function declaration
type FunctionDeclaration struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolConfig represents tool configuration
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig represents function calling configuration
type FunctionCallingConfig struct {
	Mode string `json:"mode,omitempty"`
}

// ConvertAnthropicToGoogle converts an Anthropic Messages API request to
// Google format. The pipeline per assistant message is: restore signatures
// from cache, drop trailing unsigned thinking, reorder blocks. After part
// conversion a final pass filters unsigned thought parts and ensures the last
// model turn starts with a thinking part when thinking is enabled.
func ConvertAnthropicToGoogle(anthropicRequest *anthropic.MessagesRequest) *GoogleRequest {
	// The upstream rejects cache_control with "Extra inputs are not permitted"
	messages := CleanCacheControl(convertAnthropicMessages(anthropicRequest.Messages))

	modelName := anthropicRequest.Model
	modelFamily := config.GetModelFamily(modelName)
	isClaudeModel := modelFamily == config.ModelFamilyClaude
	isGeminiModel := modelFamily == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(modelName)

	googleRequest := &GoogleRequest{
		Contents:         make([]GoogleContent, 0),
		GenerationConfig: &GenerationConfig{},
	}

	// System instruction: string or array of text blocks, joined with \n\n
	if anthropicRequest.System != nil {
		systemParts := make([]GooglePart, 0)
		var systemTexts []string

		switch s := anthropicRequest.System.(type) {
		case string:
			if s != "" {
				systemTexts = append(systemTexts, s)
			}
		case []interface{}:
			for _, block := range s {
				if blockMap, ok := block.(map[string]interface{}); ok {
					if blockMap["type"] == "text" {
						if text, ok := blockMap["text"].(string); ok {
							systemTexts = append(systemTexts, text)
						}
					}
				}
			}
		}

		if len(systemTexts) > 0 {
			systemParts = append(systemParts, GooglePart{Text: strings.Join(systemTexts, "\n\n")})
			googleRequest.SystemInstruction = &GoogleContent{
				Parts: systemParts,
			}
		}
	}

	// Interleaved thinking hint for Claude thinking models with tools
	if isClaudeModel && isThinking && len(anthropicRequest.Tools) > 0 {
		hint := "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."
		if googleRequest.SystemInstruction == nil {
			googleRequest.SystemInstruction = &GoogleContent{
				Parts: []GooglePart{{Text: hint}},
			}
		} else if len(googleRequest.SystemInstruction.Parts) > 0 {
			lastPart := &googleRequest.SystemInstruction.Parts[len(googleRequest.SystemInstruction.Parts)-1]
			if lastPart.Text != "" {
				lastPart.Text = lastPart.Text + "\n\n" + hint
			} else {
				googleRequest.SystemInstruction.Parts = append(googleRequest.SystemInstruction.Parts, GooglePart{Text: hint})
			}
		}
	}

	// Tool-loop repair for thinking models
	processedMessages := messages

	if isGeminiModel && isThinking && NeedsThinkingRecovery(messages) {
		utils.Debug("[RequestConverter] Applying thinking recovery for Gemini")
		processedMessages = CloseToolLoopForThinking(messages, "gemini")
	}

	// Claude needs repair after a cross-model switch or when unsigned
	// thinking blocks are about to be dropped
	needsClaudeRecovery := HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)
	if isClaudeModel && isThinking && needsClaudeRecovery && NeedsThinkingRecovery(messages) {
		utils.Debug("[RequestConverter] Applying thinking recovery for Claude")
		processedMessages = CloseToolLoopForThinking(messages, "claude")
	}

	toolNames := BuildToolNameIndex(processedMessages)

	// Convert messages to contents
	for _, msg := range processedMessages {
		msgContent := msg.Content

		if (msg.Role == "assistant" || msg.Role == "model") && len(msgContent) > 0 {
			// Restore signatures for unsigned thinking blocks from cache
			msgContent = RestoreThinkingSignatures(msgContent)
			// Remove trailing unsigned thinking blocks
			msgContent = RemoveTrailingThinkingBlocks(msgContent)
			// Reorder: thinking first, then text, then tool_use
			msgContent = ReorderAssistantContent(msgContent)
		}

		parts := ConvertContentToParts(msgContent, isClaudeModel, isGeminiModel, toolNames)

		// The API requires at least one part per content message
		if len(parts) == 0 {
			utils.Warn("[RequestConverter] WARNING: Empty parts array after filtering, adding placeholder")
			parts = append(parts, GooglePart{Text: "."})
		}

		content := GoogleContent{
			Role:  ConvertRole(msg.Role),
			Parts: parts,
		}
		googleRequest.Contents = append(googleRequest.Contents, content)
	}

	// Filter unsigned thinking blocks for Claude models
	if isClaudeModel {
		googleRequest.Contents = filterUnsignedThinkingBlocksFromContents(googleRequest.Contents)
	}

	// The last model turn must begin with thinking when thinking is enabled
	if isThinking {
		googleRequest.Contents = ensureLeadingThinkingPart(googleRequest.Contents)
	}

	// Generation config
	if anthropicRequest.MaxTokens > 0 {
		googleRequest.GenerationConfig.MaxOutputTokens = anthropicRequest.MaxTokens
	}
	if anthropicRequest.Temperature != nil {
		googleRequest.GenerationConfig.Temperature = anthropicRequest.Temperature
	}
	if anthropicRequest.TopP != nil {
		googleRequest.GenerationConfig.TopP = anthropicRequest.TopP
	}
	if anthropicRequest.TopK != nil {
		googleRequest.GenerationConfig.TopK = anthropicRequest.TopK
	}
	if len(anthropicRequest.StopSequences) > 0 {
		stops := anthropicRequest.StopSequences
		if len(stops) > MaxStopSequences {
			utils.Debug("[RequestConverter] Truncating stop_sequences from %d to %d", len(stops), MaxStopSequences)
			stops = stops[:MaxStopSequences]
		}
		googleRequest.GenerationConfig.StopSequences = stops
	}

	// Enable thinking for thinking models
	if isThinking {
		if isClaudeModel {
			thinkingConfig := &ThinkingConfig{
				IncludeThoughts: true,
			}

			// Only set thinking_budget if explicitly provided
			var thinkingBudget int
			if anthropicRequest.Thinking != nil {
				thinkingBudget = anthropicRequest.Thinking.BudgetTokens
			}

			if thinkingBudget > 0 {
				thinkingConfig.ThinkingBudget = thinkingBudget
				utils.Debug("[RequestConverter] Claude thinking enabled with budget: %d", thinkingBudget)

				// The API requires max_tokens > thinking_budget
				if googleRequest.GenerationConfig.MaxOutputTokens > 0 &&
					googleRequest.GenerationConfig.MaxOutputTokens <= thinkingBudget {
					adjustedMaxTokens := thinkingBudget + 8192
					utils.Warn("[RequestConverter] max_tokens (%d) <= thinking_budget (%d). Adjusting to %d",
						googleRequest.GenerationConfig.MaxOutputTokens, thinkingBudget, adjustedMaxTokens)
					googleRequest.GenerationConfig.MaxOutputTokens = adjustedMaxTokens
				}
			} else {
				utils.Debug("[RequestConverter] Claude thinking enabled (no budget specified)")
			}

			googleRequest.GenerationConfig.ThinkingConfig = thinkingConfig

		} else if isGeminiModel {
			// Gemini thinking config uses camelCase
			budget := 16000
			if anthropicRequest.Thinking != nil && anthropicRequest.Thinking.BudgetTokens > 0 {
				budget = anthropicRequest.Thinking.BudgetTokens
			}

			thinkingConfig := &ThinkingConfig{
				IncludeThoughtsGemini: true,
				ThinkingBudgetGemini:  budget,
			}
			utils.Debug("[RequestConverter] Gemini thinking enabled with budget: %d", budget)

			googleRequest.GenerationConfig.ThinkingConfig = thinkingConfig
		}
	}

	// Convert tools to Google format
	if len(anthropicRequest.Tools) > 0 {
		functionDeclarations := make([]FunctionDeclaration, 0, len(anthropicRequest.Tools))

		for idx, tool := range anthropicRequest.Tools {
			name := tool.Name
			if name == "" {
				name = fmt.Sprintf("tool-%d", idx)
			}

			description := tool.Description

			var schema map[string]interface{}
			if len(tool.InputSchema) > 0 {
				if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
					utils.Warn("[RequestConverter] Failed to unmarshal tool schema for %s: %v", name, err)
					schema = map[string]interface{}{"type": "object"}
				}
			} else {
				schema = map[string]interface{}{"type": "object"}
			}

			parameters := SanitizeSchema(schema)
			parameters = CleanSchema(parameters)

			cleanName := cleanToolName(name)

			functionDeclarations = append(functionDeclarations, FunctionDeclaration{
				Name:        cleanName,
				Description: description,
				Parameters:  parameters,
			})
		}

		googleRequest.Tools = []GoogleTool{{FunctionDeclarations: functionDeclarations}}

		// Claude models require validated function calling
		if isClaudeModel {
			googleRequest.ToolConfig = &ToolConfig{
				FunctionCallingConfig: &FunctionCallingConfig{
					Mode: "VALIDATED",
				},
			}
		}
	}

	// Cap max tokens for Gemini models
	if isGeminiModel && googleRequest.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		utils.Debug("[RequestConverter] Capping Gemini max_tokens from %d to %d",
			googleRequest.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		googleRequest.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return googleRequest
}

// convertAnthropicMessages converts Anthropic messages to internal Message format
func convertAnthropicMessages(messages []anthropic.Message) []Message {
	result := make([]Message, 0, len(messages))

	for _, msg := range messages {
		converted := Message{
			Role:    msg.Role,
			Content: convertAnthropicContent(msg.Content),
		}
		result = append(result, converted)
	}

	return result
}

// convertAnthropicContent converts Anthropic content to internal ContentBlock format
func convertAnthropicContent(content interface{}) []ContentBlock {
	switch c := content.(type) {
	case string:
		return []ContentBlock{{Type: "text", Text: c}}
	case []interface{}:
		result := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			if blockMap, ok := item.(map[string]interface{}); ok {
				block := convertContentBlockMap(blockMap)
				result = append(result, block)
			}
		}
		return result
	case []anthropic.ContentBlock:
		result := make([]ContentBlock, 0, len(c))
		for _, item := range c {
			block := ContentBlock{
				Type:             item.Type,
				Text:             item.Text,
				Thinking:         item.Thinking,
				Signature:        item.Signature,
				ThoughtSignature: item.ThoughtSignature,
				ID:               item.ID,
				Name:             item.Name,
				ToolUseID:        item.ToolUseID,
				Content:          item.Content,
				Data:             item.Data,
			}
			if len(item.Input) > 0 {
				var inputMap map[string]interface{}
				if err := json.Unmarshal(item.Input, &inputMap); err == nil {
					block.Input = inputMap
				}
			}
			if item.Source != nil {
				block.Source = &ImageSource{
					Type:      item.Source.Type,
					MediaType: item.Source.MediaType,
					Data:      item.Source.Data,
					URL:       item.Source.URL,
				}
			}
			if item.CacheControl != nil {
				block.CacheControl = item.CacheControl
			}
			result = append(result, block)
		}
		return result
	default:
		return []ContentBlock{}
	}
}

// convertContentBlockMap converts a map to ContentBlock
func convertContentBlockMap(blockMap map[string]interface{}) ContentBlock {
	block := ContentBlock{}

	if t, ok := blockMap["type"].(string); ok {
		block.Type = t
	}
	if text, ok := blockMap["text"].(string); ok {
		block.Text = text
	}
	if thinking, ok := blockMap["thinking"].(string); ok {
		block.Thinking = thinking
	}
	if sig, ok := blockMap["signature"].(string); ok {
		block.Signature = sig
	}
	if tSig, ok := blockMap["thoughtSignature"].(string); ok {
		block.ThoughtSignature = tSig
	}
	if thought, ok := blockMap["thought"].(bool); ok {
		block.Thought = thought
	}
	if id, ok := blockMap["id"].(string); ok {
		block.ID = id
	}
	if name, ok := blockMap["name"].(string); ok {
		block.Name = name
	}
	if input, ok := blockMap["input"].(map[string]interface{}); ok {
		block.Input = input
	}
	if toolUseID, ok := blockMap["tool_use_id"].(string); ok {
		block.ToolUseID = toolUseID
	}
	if content := blockMap["content"]; content != nil {
		block.Content = content
	}
	if data, ok := blockMap["data"].(string); ok {
		block.Data = data
	}
	if cc := blockMap["cache_control"]; cc != nil {
		block.CacheControl = cc
	}

	if sourceMap, ok := blockMap["source"].(map[string]interface{}); ok {
		block.Source = &ImageSource{}
		if t, ok := sourceMap["type"].(string); ok {
			block.Source.Type = t
		}
		if mt, ok := sourceMap["media_type"].(string); ok {
			block.Source.MediaType = mt
		}
		if d, ok := sourceMap["data"].(string); ok {
			block.Source.Data = d
		}
		if u, ok := sourceMap["url"].(string); ok {
			block.Source.URL = u
		}
	}

	return block
}

// filterUnsignedThinkingBlocksFromContents filters unsigned thought parts from Google contents
func filterUnsignedThinkingBlocksFromContents(contents []GoogleContent) []GoogleContent {
	result := make([]GoogleContent, 0, len(contents))

	for _, content := range contents {
		filteredParts := make([]GooglePart, 0, len(content.Parts))

		for _, part := range content.Parts {
			if part.Thought {
				if part.ThoughtSignature != "" && len(part.ThoughtSignature) >= config.MinSignatureLength {
					filteredParts = append(filteredParts, part)
				} else {
					utils.Debug("[RequestConverter] Dropping unsigned thinking block")
				}
			} else {
				filteredParts = append(filteredParts, part)
			}
		}

		result = append(result, GoogleContent{
			Role:  content.Role,
			Parts: filteredParts,
		})
	}

	return result
}

// ensureLeadingThinkingPart prepends a placeholder thought part to the last
// model content when it carries none. Runs after unsigned-thought filtering
// so the placeholder itself survives.
func ensureLeadingThinkingPart(contents []GoogleContent) []GoogleContent {
	lastModelIdx := -1
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "model" {
			lastModelIdx = i
			break
		}
	}
	if lastModelIdx == -1 {
		return contents
	}

	for _, part := range contents[lastModelIdx].Parts {
		if part.Thought {
			return contents
		}
	}

	utils.Debug("[RequestConverter] Prepending placeholder thinking to final model turn")
	parts := make([]GooglePart, 0, len(contents[lastModelIdx].Parts)+1)
	parts = append(parts, GooglePart{Thought: true, Text: PlaceholderThinkingText})
	parts = append(parts, contents[lastModelIdx].Parts...)

	result := make([]GoogleContent, len(contents))
	copy(result, contents)
	result[lastModelIdx] = GoogleContent{
		Role:  contents[lastModelIdx].Role,
		Parts: parts,
	}
	return result
}

// cleanToolName normalizes a tool name to [A-Za-z0-9_-] and at most 64 chars
func cleanToolName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '_' || r == '-' {
			result.WriteRune(r)
		} else {
			result.WriteRune('_')
		}
	}
	cleaned := result.String()
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}
