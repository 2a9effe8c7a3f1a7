// Package cloudcode implements the Cloud Code API client: request building,
// account scheduling, streaming, and rate-limit handling.
//
// The upstream is Google's internal v1internal:streamGenerateContent surface.
// Requests rotate across multiple accounts with automatic failover.
package cloudcode

import (
	"context"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
)

// Client is the main Cloud Code API client
type Client struct {
	accountManager   *account.Manager
	messageHandler   *MessageHandler
	streamingHandler *StreamingHandler
	cfg              *config.Config
}

// NewClient creates a new Cloud Code client
func NewClient(accountManager *account.Manager, cfg *config.Config) *Client {
	return &Client{
		accountManager:   accountManager,
		messageHandler:   NewMessageHandler(accountManager, cfg),
		streamingHandler: NewStreamingHandler(accountManager, cfg),
		cfg:              cfg,
	}
}

// SendMessage sends a non-streaming request. Thinking models go through the
// SSE endpoint internally because the unary endpoint omits thinking blocks.
func (c *Client) SendMessage(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	return c.messageHandler.SendMessage(ctx, request, fallbackEnabled)
}

// SendMessageStream sends a streaming request, relaying events as they arrive
func (c *Client) SendMessageStream(ctx context.Context, request *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	return c.streamingHandler.SendMessageStream(ctx, request, fallbackEnabled)
}

// ListModels lists available models in Anthropic API format
func (c *Client) ListModels(ctx context.Context, token string) (*ModelListResponse, error) {
	return ListModels(ctx, token)
}

// FetchAvailableModels fetches available models with quota info
func (c *Client) FetchAvailableModels(ctx context.Context, token, projectID string) (*FetchModelsResponse, error) {
	return FetchAvailableModels(ctx, token, projectID)
}

// GetModelQuotas gets model quotas for an account
func (c *Client) GetModelQuotas(ctx context.Context, token, projectID string) (map[string]*ModelQuota, error) {
	return GetModelQuotas(ctx, token, projectID)
}

// GetSubscriptionTier gets the subscription tier for an account
func (c *Client) GetSubscriptionTier(ctx context.Context, token string) (*SubscriptionInfo, error) {
	return GetSubscriptionTier(ctx, token)
}

// IsValidModel checks if a model ID is valid
func (c *Client) IsValidModel(ctx context.Context, modelID, token, projectID string) bool {
	return IsValidModel(ctx, modelID, token, projectID)
}
