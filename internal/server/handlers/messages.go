// Package handlers provides the HTTP request handlers for the proxy server.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/cloudcode"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/internal/server/sse"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// MessagesHandler handles the /v1/messages endpoint
type MessagesHandler struct {
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
}

// NewMessagesHandler creates a new MessagesHandler
func NewMessagesHandler(
	accountManager *account.Manager,
	cloudCodeClient *cloudcode.Client,
	cfg *config.Config,
	fallbackEnabled bool,
) *MessagesHandler {
	return &MessagesHandler{
		accountManager:  accountManager,
		cloudCodeClient: cloudCodeClient,
		cfg:             cfg,
		fallbackEnabled: fallbackEnabled,
	}
}

// Messages handles POST /v1/messages, Anthropic Messages API compatible
func (h *MessagesHandler) Messages(c *gin.Context) {
	ctx := c.Request.Context()

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Failed to read request body: "+err.Error())
		return
	}

	if err := CheckForbiddenKeys(raw); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	var req anthropic.MessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	// Resolve aliases, then any user-configured mapping
	requestedModel := config.ResolveModelAlias(req.Model)
	if h.cfg.ModelMapping != nil {
		if mapping, ok := h.cfg.ModelMapping[requestedModel]; ok && mapping != "" {
			utils.Info("[Server] Mapping model %s -> %s", requestedModel, mapping)
			requestedModel = mapping
		}
	}
	req.Model = requestedModel

	// Default only when the field was absent; an explicit zero stays zero and
	// fails validation below
	if req.MaxTokens == 0 && !MaxTokensProvided(raw) {
		req.MaxTokens = 4096
	}

	// Clients probing with a bare "count" message get an empty ok
	if len(req.Messages) == 1 && len(req.Messages[0].Content) == 1 {
		if req.Messages[0].Content[0].Type == "text" && req.Messages[0].Content[0].Text == "count" {
			c.JSON(http.StatusOK, gin.H{})
			return
		}
	}

	if msg := ValidateMessagesRequest(&req); msg != "" {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error", msg)
		return
	}

	// Validate the model against the live catalog when we can get a token.
	// Skipped when no account is immediately usable, the scheduler will
	// surface the real error.
	if result, err := h.accountManager.SelectAccount(ctx, req.Model, account.SelectOptions{}); err == nil && result != nil && result.Account != nil {
		if token, err := h.accountManager.GetTokenForAccount(ctx, result.Account); err == nil {
			projectID := ""
			if result.Account.Subscription != nil {
				projectID = result.Account.Subscription.ProjectID
			}
			if !cloudcode.IsValidModel(ctx, req.Model, token, projectID) {
				h.sendError(c, http.StatusBadRequest, "invalid_request_error",
					"Invalid model: "+req.Model+". Use /v1/models to see available models.")
				return
			}
		}
	}

	utils.Info("[API] Request for model: %s, stream: %t", req.Model, req.Stream)

	if utils.IsDebug() {
		utils.Debug("[API] Message structure:")
		for i, msg := range req.Messages {
			types := make([]string, 0, len(msg.Content))
			for _, block := range msg.Content {
				types = append(types, block.Type)
			}
			utils.Debug("  [%d] %s: %s", i, msg.Role, strings.Join(types, ", "))
		}
	}

	if req.Stream {
		h.handleStreamingResponse(c, &req)
	} else {
		h.handleNonStreamingResponse(c, &req)
	}
}

// handleStreamingResponse relays SSE events. Headers are committed only after
// the first upstream event arrives, so early failures still produce a proper
// JSON error response. Once anything has been flushed, errors close the
// stream with an error event instead.
func (h *MessagesHandler) handleStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	events, errs := h.cloudCodeClient.SendMessageStream(ctx, req, h.fallbackEnabled)

	var firstEvent *cloudcode.SSEEvent
	var firstErr error

	select {
	case event, ok := <-events:
		if !ok {
			select {
			case err := <-errs:
				firstErr = err
			default:
				firstErr = proxyerrors.NewEmptyResponseError("No response received")
			}
		} else {
			firstEvent = event
		}
	case err := <-errs:
		firstErr = err
	}

	if firstErr != nil {
		utils.Error("[API] Initial stream error: %v", firstErr)
		c.JSON(proxyerrors.HTTPStatusFromError(firstErr), proxyerrors.FormatAPIError(firstErr))
		return
	}

	sseWriter, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] Failed to create SSE writer: %v", err)
		h.sendError(c, http.StatusInternalServerError, "api_error", "Streaming not supported")
		return
	}

	c.Status(http.StatusOK)
	sseWriter.SetHeaders()
	c.Writer.Flush()

	if firstEvent != nil {
		if err := sseWriter.WriteEvent(firstEvent.Type, firstEvent); err != nil {
			utils.Error("[API] Error writing first SSE event: %v", err)
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			if !ok {
				sseWriter.WriteDone()
				return
			}
			if err := sseWriter.WriteEvent(event.Type, event); err != nil {
				utils.Error("[API] Error writing SSE event: %v", err)
				return
			}
		case err := <-errs:
			if err != nil {
				utils.Error("[API] Mid-stream error: %v", err)
				sseWriter.WriteError(proxyerrors.AnthropicErrorType(err), proxyerrors.SanitizeMessage(err.Error()))
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleNonStreamingResponse handles non-streaming responses
func (h *MessagesHandler) handleNonStreamingResponse(c *gin.Context, req *anthropic.MessagesRequest) {
	ctx := c.Request.Context()

	response, err := h.cloudCodeClient.SendMessage(ctx, req, h.fallbackEnabled)
	if err != nil {
		utils.Error("[API] Error: %v", err)
		status := proxyerrors.HTTPStatusFromError(err)

		// Auth failures usually mean a stale cached token, drop the cache
		// so the next request re-refreshes
		if status == http.StatusUnauthorized {
			utils.Warn("[API] Token might be expired, clearing token caches")
			h.accountManager.ClearTokenCache()
		}

		c.JSON(status, proxyerrors.FormatAPIError(err))
		return
	}

	c.JSON(http.StatusOK, response)
}

// sendError sends an Anthropic-style error JSON response
func (h *MessagesHandler) sendError(c *gin.Context, statusCode int, errorType, message string) {
	c.JSON(statusCode, gin.H{
		"type": "error",
		"error": gin.H{
			"type":    errorType,
			"message": message,
		},
	})
}

// CountTokens handles POST /v1/messages/count_tokens with a rough estimate.
// The upstream has no counting endpoint, so this approximates at 4 characters
// per token, which is close enough for client-side budget checks.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.sendError(c, http.StatusBadRequest, "invalid_request_error",
			"Invalid request body: "+err.Error())
		return
	}

	chars := 0
	if sys, ok := req.System.(string); ok {
		chars += len(sys)
	}
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			chars += len(block.Text)
			chars += len(block.Thinking)
			chars += len(block.Input)
			if s, ok := block.Content.(string); ok {
				chars += len(s)
			}
		}
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}

	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}

	c.JSON(http.StatusOK, gin.H{"input_tokens": tokens})
}

// RefreshTokenHandler handles POST /refresh-token
type RefreshTokenHandler struct {
	accountManager *account.Manager
}

// NewRefreshTokenHandler creates a new RefreshTokenHandler
func NewRefreshTokenHandler(accountManager *account.Manager) *RefreshTokenHandler {
	return &RefreshTokenHandler{
		accountManager: accountManager,
	}
}

// RefreshToken forces a token refresh. With an email it refreshes that
// account; without, it drops all cached tokens so the next requests
// re-refresh. Token material never appears in the response.
func (h *RefreshTokenHandler) RefreshToken(c *gin.Context) {
	ctx := c.Request.Context()

	var body struct {
		Email string `json:"email"`
	}
	_ = c.ShouldBindJSON(&body)

	if body.Email != "" {
		acc, err := h.accountManager.GetAccountByEmail(ctx, body.Email)
		if err != nil || acc == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "not_found_error",
					"message": "Unknown account",
				},
			})
			return
		}

		if _, err := h.accountManager.RefreshTokenForAccount(ctx, acc); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{
				"status":  "error",
				"message": "Token refresh failed: " + proxyerrors.SanitizeMessage(err.Error()),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"message":     "Token refreshed",
			"tokenStatus": string(h.accountManager.TokenStatus(body.Email)),
		})
		return
	}

	h.accountManager.ClearTokenCache()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Token caches cleared",
	})
}
