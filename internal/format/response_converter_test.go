package format

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMapFinishReason(t *testing.T) {
	tests := []struct {
		finishReason string
		hasToolCalls bool
		want         string
	}{
		{"STOP", false, "end_turn"},
		{"MAX_TOKENS", false, "max_tokens"},
		{"SAFETY", false, "end_turn"},
		{"RECITATION", false, "end_turn"},
		{"", false, "end_turn"},
		{"SOMETHING_NEW", false, "end_turn"},
		{"STOP", true, "tool_use"},
		{"MAX_TOKENS", true, "tool_use"},
	}

	for _, tt := range tests {
		if got := MapFinishReason(tt.finishReason, tt.hasToolCalls); got != tt.want {
			t.Errorf("MapFinishReason(%q, %v) = %q, want %q", tt.finishReason, tt.hasToolCalls, got, tt.want)
		}
	}
}

func TestConvertGoogleToAnthropicText(t *testing.T) {
	resp := &GoogleResponse{
		Response: &GoogleResponseInner{
			Candidates: []Candidate{{
				Content: &CandidateContent{
					Parts: []ResponsePart{{Text: "Hi! How can I help you today?"}},
					Role:  "model",
				},
				FinishReason: "STOP",
			}},
			UsageMetadata: &UsageMetadata{
				PromptTokenCount:        10,
				CandidatesTokenCount:    12,
				CachedContentTokenCount: 4,
			},
		},
	}

	result := ConvertGoogleToAnthropic(resp, "claude-sonnet-4-5")

	if result.Type != "message" || result.Role != "assistant" {
		t.Errorf("envelope = %s/%s", result.Type, result.Role)
	}
	if !strings.HasPrefix(result.ID, "msg_") {
		t.Errorf("message id = %q", result.ID)
	}
	if result.Model != "claude-sonnet-4-5" {
		t.Errorf("model = %q", result.Model)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Fatalf("content = %#v", result.Content)
	}
	if result.Content[0].Text != "Hi! How can I help you today?" {
		t.Errorf("text = %q", result.Content[0].Text)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", result.StopReason)
	}
	// Cached tokens are excluded from input_tokens and reported separately
	if result.Usage.InputTokens != 6 {
		t.Errorf("input_tokens = %d, want 6", result.Usage.InputTokens)
	}
	if result.Usage.CacheReadInputTokens != 4 {
		t.Errorf("cache_read_input_tokens = %d, want 4", result.Usage.CacheReadInputTokens)
	}
	if result.Usage.OutputTokens != 12 {
		t.Errorf("output_tokens = %d, want 12", result.Usage.OutputTokens)
	}
}

func TestConvertGoogleToAnthropicFunctionCall(t *testing.T) {
	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{
				Parts: []ResponsePart{
					{Text: "Let me check that file."},
					{FunctionCall: &ResponseFuncCall{
						Name: "read_file",
						Args: map[string]interface{}{"path": "main.go"},
					}},
				},
			},
			FinishReason: "STOP",
		}},
	}

	result := ConvertGoogleToAnthropic(resp, "gemini-3-pro")

	if result.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", result.StopReason)
	}
	if len(result.Content) != 2 {
		t.Fatalf("content = %#v", result.Content)
	}
	toolUse := result.Content[1]
	if toolUse.Type != "tool_use" || toolUse.Name != "read_file" {
		t.Errorf("tool_use block = %#v", toolUse)
	}
	if !strings.HasPrefix(toolUse.ID, "toolu_") {
		t.Errorf("generated tool id = %q", toolUse.ID)
	}

	var input map[string]interface{}
	if err := json.Unmarshal(toolUse.Input, &input); err != nil {
		t.Fatalf("input unmarshal: %v", err)
	}
	if input["path"] != "main.go" {
		t.Errorf("input = %#v", input)
	}
}

func TestConvertGoogleToAnthropicThinkingRecordsSignature(t *testing.T) {
	ClearThinkingSignatureCache()
	sig := validSignature("conv")

	resp := &GoogleResponse{
		Candidates: []Candidate{{
			Content: &CandidateContent{
				Parts: []ResponsePart{
					{Text: "working through the request", Thought: true, ThoughtSignature: sig},
					{Text: "Done."},
				},
			},
			FinishReason: "STOP",
		}},
	}

	result := ConvertGoogleToAnthropic(resp, "gemini-3-pro")

	if len(result.Content) != 2 {
		t.Fatalf("content = %#v", result.Content)
	}
	thinking := result.Content[0]
	if thinking.Type != "thinking" || thinking.Signature != sig {
		t.Errorf("thinking block = %#v", thinking)
	}

	// A later turn can restore the stripped signature from the cache
	if got := GetGlobalSignatureCache().LookupThinkingSignature("working through the request"); got != sig {
		t.Errorf("signature not recorded: %q", got)
	}
}

func TestConvertGoogleToAnthropicEmptyResponse(t *testing.T) {
	result := ConvertGoogleToAnthropic(&GoogleResponse{}, "claude-sonnet-4-5")

	if len(result.Content) != 1 || result.Content[0].Type != "text" {
		t.Errorf("empty response should yield one empty text block: %#v", result.Content)
	}
	if result.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", result.StopReason)
	}
}

func TestGoogleResponseFromMap(t *testing.T) {
	data := map[string]interface{}{
		"response": map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{
					"content": map[string]interface{}{
						"parts": []interface{}{map[string]interface{}{"text": "hello"}},
					},
					"finishReason": "STOP",
				},
			},
		},
	}

	resp := GoogleResponseFromMap(data)

	if resp.Response == nil || len(resp.Response.Candidates) != 1 {
		t.Fatalf("parsed response = %#v", resp)
	}
	if resp.Response.Candidates[0].Content.Parts[0].Text != "hello" {
		t.Errorf("parts = %#v", resp.Response.Candidates[0].Content.Parts)
	}
}
