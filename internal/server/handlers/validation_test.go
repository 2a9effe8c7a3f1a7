package handlers

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

func validRequest() *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		Messages: []anthropic.Message{
			{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "hi"}}},
		},
	}
}

func TestValidateMessagesRequestAccepts(t *testing.T) {
	if msg := ValidateMessagesRequest(validRequest()); msg != "" {
		t.Errorf("valid request rejected: %q", msg)
	}
}

func TestValidateMessagesRequestEmptyMessages(t *testing.T) {
	req := validRequest()
	req.Messages = nil

	if msg := ValidateMessagesRequest(req); msg == "" {
		t.Error("empty messages should be rejected")
	}
}

func TestValidateMessagesRequestMaxTokensBounds(t *testing.T) {
	tests := []struct {
		maxTokens int
		wantOK    bool
	}{
		{0, false},
		{1, true},
		{config.MaxMaxTokens, true},
		{config.MaxMaxTokens + 1, false},
		{-5, false},
	}

	for _, tt := range tests {
		req := validRequest()
		req.MaxTokens = tt.maxTokens
		msg := ValidateMessagesRequest(req)
		if (msg == "") != tt.wantOK {
			t.Errorf("max_tokens=%d: got %q, wantOK=%v", tt.maxTokens, msg, tt.wantOK)
		}
	}
}

func TestValidateMessagesRequestToolCap(t *testing.T) {
	for _, count := range []int{0, 1, config.MaxToolsPerRequest} {
		req := validRequest()
		req.Tools = make([]anthropic.Tool, count)
		for i := range req.Tools {
			req.Tools[i] = anthropic.Tool{Name: "t", InputSchema: json.RawMessage(`{}`)}
		}
		if msg := ValidateMessagesRequest(req); msg != "" {
			t.Errorf("%d tools rejected: %q", count, msg)
		}
	}

	req := validRequest()
	req.Tools = make([]anthropic.Tool, config.MaxToolsPerRequest+1)
	if msg := ValidateMessagesRequest(req); msg == "" {
		t.Errorf("%d tools should be rejected", len(req.Tools))
	}
}

func TestValidateMessagesRequestMessageCap(t *testing.T) {
	req := validRequest()
	req.Messages = make([]anthropic.Message, config.MaxMessagesPerRequest+1)
	for i := range req.Messages {
		req.Messages[i] = anthropic.Message{Role: "user", Content: []anthropic.ContentBlock{{Type: "text", Text: "x"}}}
	}

	if msg := ValidateMessagesRequest(req); msg == "" {
		t.Error("over-long message array should be rejected")
	}
}

func TestValidateMessagesRequestOversizedText(t *testing.T) {
	req := validRequest()
	req.Messages[0].Content[0].Text = strings.Repeat("a", config.MaxTextBlockBytes+1)

	if msg := ValidateMessagesRequest(req); msg == "" {
		t.Error("oversized text block should be rejected")
	}
}

func TestValidateMessagesRequestOversizedImage(t *testing.T) {
	req := validRequest()
	req.Messages[0].Content = []anthropic.ContentBlock{{
		Type: "image",
		Source: &anthropic.ImageSource{
			Type:      "base64",
			MediaType: "image/png",
			Data:      strings.Repeat("A", config.MaxImageBytes+1),
		},
	}}

	if msg := ValidateMessagesRequest(req); msg == "" {
		t.Error("oversized image should be rejected")
	}
}

func TestCheckForbiddenKeys(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"clean body", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, false},
		{"proto at top level", `{"__proto__":{"polluted":true}}`, true},
		{"constructor nested in array", `{"messages":[{"constructor":{}}]}`, true},
		{"prototype deeply nested", `{"a":{"b":{"c":{"prototype":null}}}}`, true},
		{"forbidden word as value", `{"note":"__proto__"}`, false},
		{"forbidden word in array value", `{"tags":["constructor","prototype"]}`, false},
		{"empty object", `{}`, false},
		{"bare array", `[1,2,3]`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckForbiddenKeys([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckForbiddenKeys(%s) err = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
		})
	}
}

func TestMaxTokensProvided(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"explicit zero", `{"model":"m","max_tokens":0}`, true},
		{"explicit value", `{"model":"m","max_tokens":1024}`, true},
		{"absent", `{"model":"m"}`, false},
		{"null", `{"model":"m","max_tokens":null}`, false},
		{"garbage body", `not-json`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaxTokensProvided([]byte(tt.body)); got != tt.want {
				t.Errorf("MaxTokensProvided(%s) = %v, want %v", tt.body, got, tt.want)
			}
		})
	}
}
