package format

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

func TestConvertAnthropicToGoogleBasics(t *testing.T) {
	temp := 0.7
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    "You are a helpful assistant.",
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "hello"}}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "how are you"}}},
		},
		Temperature:   &temp,
		StopSequences: []string{"a", "b", "c", "d", "e", "f"},
	}

	result := ConvertAnthropicToGoogle(req)

	if result.SystemInstruction == nil || result.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("systemInstruction = %#v", result.SystemInstruction)
	}
	if len(result.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(result.Contents))
	}
	if result.Contents[0].Role != "user" || result.Contents[1].Role != "model" {
		t.Errorf("roles = %q/%q", result.Contents[0].Role, result.Contents[1].Role)
	}
	if result.GenerationConfig.MaxOutputTokens != 1024 {
		t.Errorf("maxOutputTokens = %d", result.GenerationConfig.MaxOutputTokens)
	}
	if result.GenerationConfig.Temperature == nil || *result.GenerationConfig.Temperature != 0.7 {
		t.Errorf("temperature = %v", result.GenerationConfig.Temperature)
	}
	if len(result.GenerationConfig.StopSequences) != MaxStopSequences {
		t.Errorf("stop sequences not truncated: %v", result.GenerationConfig.StopSequences)
	}
}

func TestConvertAnthropicToGoogleTools(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "weather?"}}},
		},
		Tools: []anthropic.Tool{
			{
				Name:        "get weather!",
				Description: "Look up the weather",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"],"additionalProperties":false}`),
			},
		},
	}

	result := ConvertAnthropicToGoogle(req)

	if len(result.Tools) != 1 || len(result.Tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %#v", result.Tools)
	}
	decl := result.Tools[0].FunctionDeclarations[0]
	if decl.Name != "get_weather_" {
		t.Errorf("tool name = %q, want normalized get_weather_", decl.Name)
	}
	if decl.Parameters["type"] != "OBJECT" {
		t.Errorf("schema type = %v, want OBJECT", decl.Parameters["type"])
	}
	if _, ok := decl.Parameters["additionalProperties"]; ok {
		t.Error("additionalProperties should be stripped from tool schema")
	}

	if result.ToolConfig == nil || result.ToolConfig.FunctionCallingConfig.Mode != "VALIDATED" {
		t.Errorf("toolConfig = %#v", result.ToolConfig)
	}
}

func TestConvertAnthropicToGoogleGeminiCapsMaxTokens(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro",
		MaxTokens: 64000,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	result := ConvertAnthropicToGoogle(req)

	if result.GenerationConfig.MaxOutputTokens != config.GeminiMaxOutputTokens {
		t.Errorf("maxOutputTokens = %d, want capped %d",
			result.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
	}
}

func TestConvertAnthropicToGoogleGeminiThinkingConfig(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro",
		MaxTokens: 8192,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}

	result := ConvertAnthropicToGoogle(req)

	tc := result.GenerationConfig.ThinkingConfig
	if tc == nil || !tc.IncludeThoughtsGemini || tc.ThinkingBudgetGemini != 16000 {
		t.Errorf("thinkingConfig = %#v", tc)
	}
}

func TestConvertAnthropicToGoogleLeadingThinkingPlaceholder(t *testing.T) {
	ClearThinkingSignatureCache()

	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-pro",
		MaxTokens: 8192,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "continue"}}},
			{Role: "assistant", Content: []anthropic.ContentBlock{{Type: "text", Text: "working on it"}}},
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "and then?"}}},
		},
	}

	result := ConvertAnthropicToGoogle(req)

	var lastModel *GoogleContent
	for i := range result.Contents {
		if result.Contents[i].Role == "model" {
			lastModel = &result.Contents[i]
		}
	}
	if lastModel == nil {
		t.Fatal("no model content")
	}
	first := lastModel.Parts[0]
	if !first.Thought || first.Text != PlaceholderThinkingText {
		t.Errorf("final model turn should lead with placeholder thinking, got %#v", first)
	}
}

func TestConvertAnthropicToGoogleStringContent(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "plain string body"}}},
		},
	}

	result := ConvertAnthropicToGoogle(req)

	if len(result.Contents) != 1 || result.Contents[0].Parts[0].Text != "plain string body" {
		t.Errorf("contents = %#v", result.Contents)
	}
}

func TestCleanToolName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"read_file", "read_file"},
		{"mcp.server/tool", "mcp_server_tool"},
		{"has spaces", "has_spaces"},
		{strings.Repeat("x", 80), strings.Repeat("x", 64)},
	}

	for _, tt := range tests {
		if got := cleanToolName(tt.in); got != tt.want {
			t.Errorf("cleanToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildToolNameIndex(t *testing.T) {
	messages := []Message{
		{Role: "assistant", Content: []ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "bash"},
			{Type: "tool_use", ID: "toolu_2", Name: "read_file"},
		}},
		{Role: "user", Content: []ContentBlock{
			{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"},
		}},
	}

	index := BuildToolNameIndex(messages)

	if index["toolu_1"] != "bash" || index["toolu_2"] != "read_file" {
		t.Errorf("index = %#v", index)
	}
}
