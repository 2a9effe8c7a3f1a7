package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
)

func postMessages(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewMessagesHandler(nil, nil, config.DefaultConfig(), false)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))

	h.Messages(c)
	return w
}

func TestMessagesRejectsExplicitZeroMaxTokens(t *testing.T) {
	w := postMessages(t, `{"model":"claude-sonnet-4-5","max_tokens":0,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "max_tokens") {
		t.Errorf("error should name max_tokens: %s", w.Body.String())
	}
}

func TestMessagesRejectsOutOfRangeMaxTokens(t *testing.T) {
	w := postMessages(t, `{"model":"claude-sonnet-4-5","max_tokens":200001,"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestMessagesRejectsForbiddenKeys(t *testing.T) {
	w := postMessages(t, `{"model":"claude-sonnet-4-5","max_tokens":1024,"__proto__":{},"messages":[{"role":"user","content":"hi"}]}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
