package cloudcode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/internal/format"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// SSEEvent represents an Anthropic SSE event
type SSEEvent struct {
	Type         string                      `json:"type"`
	Index        int                         `json:"index,omitempty"`
	Message      *anthropic.MessagesResponse `json:"message,omitempty"`
	ContentBlock *anthropic.ContentBlock     `json:"content_block,omitempty"`
	Delta        map[string]interface{}      `json:"delta,omitempty"`
	Usage        *anthropic.Usage            `json:"usage,omitempty"`
}

// StreamSSEResponse translates an upstream SSE stream into Anthropic-format
// events on the fly. Block indexes follow arrival order; tool-call arguments
// are relayed as partial_json without re-parsing. Events and errors come back
// on channels, both closed when the stream ends.
func StreamSSEResponse(reader io.Reader, originalModel string) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		messageID := anthropic.GenerateMessageID()
		hasEmittedStart := false
		blockIndex := 0
		var currentBlockType string // "", "thinking", "text", "tool_use", "image"
		var currentThinkingText string
		var currentThinkingSignature string
		inputTokens := 0
		outputTokens := 0
		cacheReadTokens := 0
		reasoningTokens := 0
		var stopReason string

		// closeThinking flushes the signature of an open thinking block and
		// records it in the cache before the block stops.
		closeThinking := func() {
			if currentBlockType != "thinking" {
				return
			}
			if currentThinkingSignature != "" {
				events <- &SSEEvent{
					Type:  "content_block_delta",
					Index: blockIndex,
					Delta: map[string]interface{}{
						"type":      "signature_delta",
						"signature": currentThinkingSignature,
					},
				}
				cache := format.GetGlobalSignatureCache()
				cache.RecordThinkingSignature(currentThinkingText, currentThinkingSignature)
				cache.CacheSignatureFamily(currentThinkingSignature, string(config.GetModelFamily(originalModel)))
				currentThinkingSignature = ""
			}
			currentThinkingText = ""
		}

		scanner := bufio.NewScanner(reader)
		// Large responses overflow the default 64K token limit
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if jsonText == "" {
				continue
			}

			var data SSEResponse
			if err := json.Unmarshal([]byte(jsonText), &data); err != nil {
				utils.Warn("[CloudCode] SSE parse error: %v", err)
				continue
			}

			innerResponse := data.Response
			if innerResponse == nil {
				innerResponse = &SSEInnerResponse{
					Candidates:    data.Candidates,
					UsageMetadata: data.UsageMetadata,
				}
			}

			if innerResponse.UsageMetadata != nil {
				inputTokens = max(inputTokens, innerResponse.UsageMetadata.PromptTokenCount)
				outputTokens = max(outputTokens, innerResponse.UsageMetadata.CandidatesTokenCount)
				cacheReadTokens = max(cacheReadTokens, innerResponse.UsageMetadata.CachedContentTokenCount)
				reasoningTokens = max(reasoningTokens, innerResponse.UsageMetadata.ThoughtsTokenCount)
			}

			if len(innerResponse.Candidates) == 0 {
				continue
			}

			firstCandidate := innerResponse.Candidates[0]
			if firstCandidate.Content == nil {
				if firstCandidate.FinishReason != "" && stopReason == "" {
					stopReason = format.MapFinishReason(firstCandidate.FinishReason, false)
				}
				continue
			}

			parts := firstCandidate.Content.Parts

			if !hasEmittedStart && len(parts) > 0 {
				hasEmittedStart = true
				events <- &SSEEvent{
					Type: "message_start",
					Message: &anthropic.MessagesResponse{
						ID:           messageID,
						Type:         "message",
						Role:         "assistant",
						Content:      []anthropic.ContentBlock{},
						Model:        originalModel,
						StopReason:   "",
						StopSequence: nil,
						Usage: &anthropic.Usage{
							InputTokens:              inputTokens - cacheReadTokens,
							OutputTokens:             0,
							CacheReadInputTokens:     cacheReadTokens,
							CacheCreationInputTokens: 0,
						},
					},
				}
			}

			for _, part := range parts {
				if part.Thought {
					text := part.Text
					signature := part.ThoughtSignature

					if currentBlockType != "thinking" {
						if currentBlockType != "" {
							events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
							blockIndex++
						}
						currentBlockType = "thinking"
						currentThinkingText = ""
						currentThinkingSignature = ""
						events <- &SSEEvent{
							Type:  "content_block_start",
							Index: blockIndex,
							ContentBlock: &anthropic.ContentBlock{
								Type:     "thinking",
								Thinking: "",
							},
						}
					}

					currentThinkingText += text
					if signature != "" && len(signature) >= config.MinSignatureLength {
						currentThinkingSignature = signature
					}

					events <- &SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{
							"type":     "thinking_delta",
							"thinking": text,
						},
					}

				} else if part.Text != "" {
					if currentBlockType != "text" {
						closeThinking()
						if currentBlockType != "" {
							events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
							blockIndex++
						}
						currentBlockType = "text"
						events <- &SSEEvent{
							Type:  "content_block_start",
							Index: blockIndex,
							ContentBlock: &anthropic.ContentBlock{
								Type: "text",
								Text: "",
							},
						}
					}

					events <- &SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{
							"type": "text_delta",
							"text": part.Text,
						},
					}

				} else if part.FunctionCall != nil {
					functionCallSignature := part.ThoughtSignature

					closeThinking()
					if currentBlockType != "" {
						events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
						blockIndex++
					}
					currentBlockType = "tool_use"
					stopReason = "tool_use"

					toolID := part.FunctionCall.ID
					if toolID == "" {
						toolID = anthropic.GenerateToolUseID()
					}

					toolUseBlock := &anthropic.ContentBlock{
						Type: "tool_use",
						ID:   toolID,
						Name: part.FunctionCall.Name,
					}

					// Keep the signature on the block and in the cache, the
					// client may strip the field on replay
					if functionCallSignature != "" && len(functionCallSignature) >= config.MinSignatureLength {
						toolUseBlock.ThoughtSignature = functionCallSignature
						format.GetGlobalSignatureCache().CacheToolSignature(toolID, functionCallSignature)
					}

					events <- &SSEEvent{
						Type:         "content_block_start",
						Index:        blockIndex,
						ContentBlock: toolUseBlock,
					}

					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					events <- &SSEEvent{
						Type:  "content_block_delta",
						Index: blockIndex,
						Delta: map[string]interface{}{
							"type":         "input_json_delta",
							"partial_json": string(argsJSON),
						},
					}

				} else if part.InlineData != nil {
					closeThinking()
					if currentBlockType != "" {
						events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
						blockIndex++
					}
					currentBlockType = "image"

					events <- &SSEEvent{
						Type:  "content_block_start",
						Index: blockIndex,
						ContentBlock: &anthropic.ContentBlock{
							Type: "image",
							Source: &anthropic.ImageSource{
								Type:      "base64",
								MediaType: part.InlineData.MimeType,
								Data:      part.InlineData.Data,
							},
						},
					}

					events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
					blockIndex++
					currentBlockType = ""
				}
			}

			if firstCandidate.FinishReason != "" && stopReason == "" {
				stopReason = format.MapFinishReason(firstCandidate.FinishReason, false)
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}

		// Zero content means the upstream gave us nothing worth relaying;
		// surface it as retryable instead of an empty message
		if !hasEmittedStart {
			utils.Warn("[CloudCode] No content parts received, throwing for retry")
			errs <- proxyerrors.NewEmptyResponseError("No content parts received from API")
			return
		}

		if currentBlockType != "" {
			closeThinking()
			events <- &SSEEvent{Type: "content_block_stop", Index: blockIndex}
		}

		if stopReason == "" {
			stopReason = "end_turn"
		}

		finalUsage := &anthropic.Usage{
			OutputTokens:             outputTokens,
			CacheReadInputTokens:     cacheReadTokens,
			CacheCreationInputTokens: 0,
		}
		if reasoningTokens > 0 {
			finalUsage.OutputTokenDetails = &anthropic.OutputTokenDetails{
				ReasoningTokens: reasoningTokens,
			}
		}

		events <- &SSEEvent{
			Type: "message_delta",
			Delta: map[string]interface{}{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			Usage: finalUsage,
		}

		events <- &SSEEvent{Type: "message_stop"}
	}()

	return events, errs
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
