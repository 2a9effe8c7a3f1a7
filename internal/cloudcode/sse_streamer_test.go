package cloudcode

import (
	"strings"
	"testing"

	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/internal/format"
)

func collectEvents(t *testing.T, input string) ([]*SSEEvent, []error) {
	t.Helper()
	events, errs := StreamSSEResponse(strings.NewReader(input), "claude-sonnet-4-5")

	var collected []*SSEEvent
	var errors []error
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			collected = append(collected, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			errors = append(errors, err)
		}
	}
	return collected, errors
}

func eventTypes(events []*SSEEvent) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestStreamSSEResponseTextOnly(t *testing.T) {
	input := `data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]}}],"usageMetadata":{"promptTokenCount":10,"cachedContentTokenCount":4}}}

data: {"response":{"candidates":[{"content":{"parts":[{"text":" there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}}
`

	events, errs := collectEvents(t, input)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	want := []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	start := events[0]
	if start.Message == nil || start.Message.Role != "assistant" {
		t.Errorf("message_start payload = %#v", start.Message)
	}
	if start.Message.Usage.InputTokens != 6 || start.Message.Usage.CacheReadInputTokens != 4 {
		t.Errorf("message_start usage = %#v", start.Message.Usage)
	}

	if events[2].Delta["type"] != "text_delta" || events[2].Delta["text"] != "Hello" {
		t.Errorf("first delta = %#v", events[2].Delta)
	}

	final := events[len(events)-2]
	if final.Delta["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v", final.Delta["stop_reason"])
	}
	if final.Usage == nil || final.Usage.OutputTokens != 5 {
		t.Errorf("final usage = %#v", final.Usage)
	}
}

func TestStreamSSEResponseThinkingThenToolUse(t *testing.T) {
	format.ClearThinkingSignatureCache()
	sig := strings.Repeat("s", 64)

	input := `data: {"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"Checking the weather data.","thoughtSignature":"` + sig + `"}]}}],"usageMetadata":{"promptTokenCount":20}}}

data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Paris"}}}]},"finishReason":"STOP"}]}}
`

	events, errs := collectEvents(t, input)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	want := []string{
		"message_start",
		"content_block_start", // thinking, index 0
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta flushed before the block closes
		"content_block_stop",
		"content_block_start", // tool_use, index 1
		"content_block_delta", // input_json_delta
		"content_block_stop",
		"message_delta",
		"message_stop",
	}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	if events[1].ContentBlock.Type != "thinking" || events[1].Index != 0 {
		t.Errorf("thinking start = %#v", events[1])
	}
	if events[2].Delta["type"] != "thinking_delta" {
		t.Errorf("thinking delta = %#v", events[2].Delta)
	}
	if events[3].Delta["type"] != "signature_delta" || events[3].Delta["signature"] != sig {
		t.Errorf("signature delta = %#v", events[3].Delta)
	}

	toolStart := events[5]
	if toolStart.ContentBlock.Type != "tool_use" || toolStart.ContentBlock.Name != "get_weather" || toolStart.Index != 1 {
		t.Errorf("tool_use start = %#v", toolStart)
	}
	if toolStart.ContentBlock.ID == "" {
		t.Error("tool_use id not generated")
	}

	argsDelta := events[6]
	if argsDelta.Delta["type"] != "input_json_delta" {
		t.Errorf("args delta = %#v", argsDelta.Delta)
	}
	if partial, _ := argsDelta.Delta["partial_json"].(string); !strings.Contains(partial, `"city":"Paris"`) {
		t.Errorf("partial_json = %v", argsDelta.Delta["partial_json"])
	}

	if events[8].Delta["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v", events[8].Delta["stop_reason"])
	}

	// The signature is now recallable for replay
	if got := format.GetGlobalSignatureCache().LookupThinkingSignature("Checking the weather data."); got != sig {
		t.Errorf("signature not cached: %q", got)
	}
}

func TestStreamSSEResponseEmptyStreamIsRetryable(t *testing.T) {
	events, errs := collectEvents(t, "data: {\"response\":{\"candidates\":[]}}\n")

	if len(events) != 0 {
		t.Errorf("expected no events, got %v", eventTypes(events))
	}
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %v", errs)
	}
	if !proxyerrors.IsEmptyResponseError(errs[0]) {
		t.Errorf("expected empty-response error, got %T: %v", errs[0], errs[0])
	}
}

func TestStreamSSEResponseIgnoresMalformedLines(t *testing.T) {
	input := "data: not-json\n" +
		": comment line\n" +
		`data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}` + "\n"

	events, errs := collectEvents(t, input)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(events) == 0 || events[0].Type != "message_start" {
		t.Fatalf("stream should survive malformed lines, events = %v", eventTypes(events))
	}
}
