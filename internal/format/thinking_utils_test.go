package format

import (
	"reflect"
	"testing"
)

func signedThinking(text string) ContentBlock {
	return ContentBlock{Type: "thinking", Thinking: text, Signature: validSignature("th")}
}

func TestReorderAssistantContent(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "Here is the plan."},
		{Type: "tool_use", ID: "toolu_1", Name: "read_file", Input: map[string]interface{}{"path": "a.go"}},
		signedThinking("reasoning"),
		{Type: "text", Text: ""},
	}

	reordered := ReorderAssistantContent(content)

	wantTypes := []string{"thinking", "text", "tool_use"}
	if len(reordered) != len(wantTypes) {
		t.Fatalf("got %d blocks, want %d: %#v", len(reordered), len(wantTypes), reordered)
	}
	for i, wt := range wantTypes {
		if reordered[i].Type != wt {
			t.Errorf("block %d type = %q, want %q", i, reordered[i].Type, wt)
		}
	}
}

func TestReorderAssistantContentIdempotent(t *testing.T) {
	content := []ContentBlock{
		{Type: "tool_use", ID: "toolu_1", Name: "bash", Input: map[string]interface{}{"cmd": "ls"}},
		signedThinking("first"),
		{Type: "text", Text: "running"},
		signedThinking("second"),
	}

	once := ReorderAssistantContent(content)
	twice := ReorderAssistantContent(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("reorder not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestReorderAssistantContentStableWithinGroups(t *testing.T) {
	content := []ContentBlock{
		{Type: "text", Text: "one"},
		{Type: "text", Text: "two"},
		{Type: "tool_use", ID: "toolu_a", Name: "a"},
		{Type: "tool_use", ID: "toolu_b", Name: "b"},
	}

	reordered := ReorderAssistantContent(content)

	if reordered[0].Text != "one" || reordered[1].Text != "two" {
		t.Errorf("text order changed: %#v", reordered[:2])
	}
	if reordered[2].ID != "toolu_a" || reordered[3].ID != "toolu_b" {
		t.Errorf("tool_use order changed: %#v", reordered[2:])
	}
}

func TestRemoveTrailingThinkingBlocks(t *testing.T) {
	tests := []struct {
		name    string
		content []ContentBlock
		wantLen int
	}{
		{
			name: "trailing unsigned removed",
			content: []ContentBlock{
				{Type: "text", Text: "answer"},
				{Type: "thinking", Thinking: "unsigned tail"},
			},
			wantLen: 1,
		},
		{
			name: "signed tail kept",
			content: []ContentBlock{
				{Type: "text", Text: "answer"},
				signedThinking("signed tail"),
			},
			wantLen: 2,
		},
		{
			name: "unsigned in middle kept",
			content: []ContentBlock{
				{Type: "thinking", Thinking: "unsigned lead"},
				{Type: "text", Text: "answer"},
			},
			wantLen: 2,
		},
		{
			name: "multiple trailing unsigned removed",
			content: []ContentBlock{
				{Type: "text", Text: "answer"},
				{Type: "thinking", Thinking: "one"},
				{Type: "thinking", Thinking: "two"},
			},
			wantLen: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RemoveTrailingThinkingBlocks(tt.content)
			if len(got) != tt.wantLen {
				t.Errorf("got %d blocks, want %d: %#v", len(got), tt.wantLen, got)
			}
		})
	}
}

func TestRestoreThinkingSignaturesFromCache(t *testing.T) {
	ClearThinkingSignatureCache()
	sig := validSignature("restore")
	GetGlobalSignatureCache().RecordThinkingSignature("cached reasoning", sig)

	content := []ContentBlock{
		{Type: "thinking", Thinking: "cached reasoning"},
		{Type: "text", Text: "result"},
	}

	restored := RestoreThinkingSignatures(content)

	if len(restored) != 2 {
		t.Fatalf("got %d blocks, want 2: %#v", len(restored), restored)
	}
	if restored[0].Signature != sig {
		t.Errorf("signature not restored: %q", restored[0].Signature)
	}
}

func TestRestoreThinkingSignaturesDropsUnknown(t *testing.T) {
	ClearThinkingSignatureCache()

	content := []ContentBlock{
		{Type: "thinking", Thinking: "never seen before"},
		{Type: "text", Text: "result"},
	}

	restored := RestoreThinkingSignatures(content)

	if len(restored) != 1 || restored[0].Type != "text" {
		t.Errorf("unsigned uncached thinking should be dropped: %#v", restored)
	}
}

func TestRestoreThinkingSignaturesIdempotent(t *testing.T) {
	ClearThinkingSignatureCache()
	GetGlobalSignatureCache().RecordThinkingSignature("replayed", validSignature("idem"))

	content := []ContentBlock{
		{Type: "thinking", Thinking: "replayed"},
		{Type: "thinking", Thinking: "lost forever"},
		{Type: "text", Text: "done"},
	}

	once := RestoreThinkingSignatures(content)
	twice := RestoreThinkingSignatures(once)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("restore not idempotent:\nonce:  %#v\ntwice: %#v", once, twice)
	}
}

func TestCloseToolLoopForInterruptedTool(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "list files"}}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "thinking", Thinking: "unsigned plan"},
			{Type: "tool_use", ID: "toolu_1", Name: "bash", Input: map[string]interface{}{"cmd": "ls"}},
		}},
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "never mind, what time is it?"}}},
	}

	repaired := CloseToolLoopForThinking(messages, "claude")

	if len(repaired) != 4 {
		t.Fatalf("got %d messages, want 4: %#v", len(repaired), repaired)
	}

	synthetic := repaired[2]
	if synthetic.Role != "assistant" {
		t.Errorf("synthetic role = %q", synthetic.Role)
	}
	if len(synthetic.Content) != 1 || synthetic.Content[0].Text != "[Tool call was interrupted.]" {
		t.Errorf("synthetic content = %#v", synthetic.Content)
	}

	// The unsigned thinking block is stripped from the interrupted turn
	for _, block := range repaired[1].Content {
		if block.Type == "thinking" {
			t.Errorf("unsigned thinking should be stripped: %#v", repaired[1].Content)
		}
	}
}

func TestCloseToolLoopForToolResults(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "run it"}}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "bash", Input: map[string]interface{}{"cmd": "make"}},
		}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"}}},
	}

	repaired := CloseToolLoopForThinking(messages, "claude")

	if len(repaired) != 5 {
		t.Fatalf("got %d messages, want 5: %#v", len(repaired), repaired)
	}
	if repaired[3].Role != "assistant" || repaired[3].Content[0].Text != "[Tool execution completed.]" {
		t.Errorf("synthetic assistant = %#v", repaired[3])
	}
	if repaired[4].Role != "user" || repaired[4].Content[0].Text != "[Continue]" {
		t.Errorf("synthetic user = %#v", repaired[4])
	}
}

func TestCloseToolLoopNoopWhenTurnHasThinking(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "go"}}},
		{Role: "assistant", Content: []ContentBlock{
			signedThinking("valid reasoning"),
			{Type: "tool_use", ID: "toolu_1", Name: "bash"},
		}},
		{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"}}},
	}

	if NeedsThinkingRecovery(messages) {
		t.Error("turn with valid thinking should not need recovery")
	}
}

func TestNeedsThinkingRecovery(t *testing.T) {
	base := []Message{
		{Role: "user", Content: []ContentBlock{{Type: "text", Text: "go"}}},
		{Role: "assistant", Content: []ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "bash"},
		}},
	}

	withResult := append(append([]Message{}, base...), Message{
		Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "toolu_1", Content: "ok"}},
	})
	if !NeedsThinkingRecovery(withResult) {
		t.Error("tool loop without thinking should need recovery")
	}

	interrupted := append(append([]Message{}, base...), Message{
		Role: "user", Content: []ContentBlock{{Type: "text", Text: "stop"}},
	})
	if !NeedsThinkingRecovery(interrupted) {
		t.Error("interrupted tool without thinking should need recovery")
	}

	if NeedsThinkingRecovery(base[:1]) {
		t.Error("plain user turn should not need recovery")
	}
}

func TestCleanCacheControl(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: []ContentBlock{
			{Type: "text", Text: "hello", CacheControl: map[string]interface{}{"type": "ephemeral"}},
			{Type: "text", Text: "world"},
		}},
	}

	cleaned := CleanCacheControl(messages)

	if cleaned[0].Content[0].CacheControl != nil {
		t.Error("cache_control not removed")
	}
	if cleaned[0].Content[0].Text != "hello" || cleaned[0].Content[1].Text != "world" {
		t.Errorf("content mangled: %#v", cleaned[0].Content)
	}
	// Input untouched
	if messages[0].Content[0].CacheControl == nil {
		t.Error("input slice mutated")
	}
}

func TestHasGeminiHistory(t *testing.T) {
	withSig := []Message{
		{Role: "assistant", Content: []ContentBlock{
			{Type: "tool_use", ID: "toolu_1", Name: "f", ThoughtSignature: "sig"},
		}},
	}
	if !HasGeminiHistory(withSig) {
		t.Error("thoughtSignature on tool_use should flag Gemini history")
	}

	without := []Message{
		{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "toolu_1", Name: "f"}}},
	}
	if HasGeminiHistory(without) {
		t.Error("plain tool_use should not flag Gemini history")
	}
}
