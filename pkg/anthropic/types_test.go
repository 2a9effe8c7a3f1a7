package anthropic

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageUnmarshalStringContent(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Role != "user" {
		t.Errorf("role = %q", msg.Role)
	}
	if len(msg.Content) != 1 || msg.Content[0].Type != "text" || msg.Content[0].Text != "hello" {
		t.Errorf("string content not coerced to text block: %#v", msg.Content)
	}
}

func TestMessageUnmarshalBlockArray(t *testing.T) {
	var msg Message
	raw := `{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"toolu_1","name":"bash","input":{"cmd":"ls"}}]}`
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatal(err)
	}
	if len(msg.Content) != 2 {
		t.Fatalf("blocks = %d", len(msg.Content))
	}
	if !msg.Content[1].IsToolUse() || msg.Content[1].Name != "bash" {
		t.Errorf("tool use block = %#v", msg.Content[1])
	}
}

func TestMessageUnmarshalMissingContent(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"role":"user"}`), &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Content != nil {
		t.Errorf("content = %#v, want nil", msg.Content)
	}
}

func TestHasSignature(t *testing.T) {
	signed := ContentBlock{Type: "thinking", Thinking: "x", Signature: strings.Repeat("s", MinSignatureLength)}
	if !signed.HasSignature() {
		t.Error("signature at minimum length should count")
	}

	short := ContentBlock{Type: "thinking", Thinking: "x", Signature: "tiny"}
	if short.HasSignature() {
		t.Error("short signature should not count")
	}

	text := ContentBlock{Type: "text", Text: "x", Signature: strings.Repeat("s", MinSignatureLength)}
	if text.HasSignature() {
		t.Error("non-thinking block can never be signed")
	}
}

func TestGenerateIDs(t *testing.T) {
	msgID := GenerateMessageID()
	if !strings.HasPrefix(msgID, "msg_") || len(msgID) != len("msg_")+24 {
		t.Errorf("message id = %q", msgID)
	}
	toolID := GenerateToolUseID()
	if !strings.HasPrefix(toolID, "toolu_") || len(toolID) != len("toolu_")+24 {
		t.Errorf("tool use id = %q", toolID)
	}
	if GenerateMessageID() == msgID {
		t.Error("ids should not repeat")
	}
}

func TestCloneMessageIsDeep(t *testing.T) {
	original := Message{
		Role: "assistant",
		Content: []ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "bash", Input: json.RawMessage(`{"cmd":"ls"}`)},
			{Type: "image", Source: &ImageSource{Type: "base64", MediaType: "image/png", Data: "AAAA"}},
		},
	}

	clone := CloneMessage(original)
	clone.Content[0].Input[2] = 'X'
	clone.Content[1].Source.Data = "BBBB"

	if string(original.Content[0].Input) != `{"cmd":"ls"}` {
		t.Errorf("clone shares tool input: %s", original.Content[0].Input)
	}
	if original.Content[1].Source.Data != "AAAA" {
		t.Errorf("clone shares image source: %q", original.Content[1].Source.Data)
	}
}
