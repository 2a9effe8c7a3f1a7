package cloudcode

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/account"
	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	proxyerrors "github.com/sorenth/cloudcode-claude-proxy/internal/errors"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// StreamingHandler handles streaming message requests
type StreamingHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
	cfg            *config.Config
}

// NewStreamingHandler creates a new StreamingHandler
func NewStreamingHandler(accountManager *account.Manager, cfg *config.Config) *StreamingHandler {
	return &StreamingHandler{
		accountManager: accountManager,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		cfg: cfg,
	}
}

// SendMessageStream sends a streaming request with multi-account failover and
// relays translated events on the returned channel. Account rotation and
// retries only happen before the first event is forwarded; once bytes have
// gone to the client the stream is committed.
func (h *StreamingHandler) SendMessageStream(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (<-chan *SSEEvent, <-chan error) {
	events := make(chan *SSEEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		err := h.streamWithRetry(ctx, anthropicRequest, fallbackEnabled, events)
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

func (h *StreamingHandler) streamWithRetry(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool, events chan<- *SSEEvent) error {
	model := anthropicRequest.Model

	maxAttempts := max(config.MaxRetries, h.accountManager.GetAccountCount()+1)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		h.accountManager.ClearExpiredLimits(ctx)

		availableAccounts := h.accountManager.GetAvailableAccounts(model)

		if len(availableAccounts) == 0 {
			if h.accountManager.IsAllRateLimited(model) {
				minWaitMs := h.accountManager.GetMinWaitTimeMs(ctx, model)
				resetTime := time.Now().Add(time.Duration(minWaitMs) * time.Millisecond).Format(time.RFC3339)

				if minWaitMs > config.MaxWaitBeforeErrorMs {
					if fallbackEnabled {
						fallbackModel, ok := config.GetFallbackModel(model)
						if ok {
							utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s (streaming)",
								model, utils.FormatDuration(minWaitMs), fallbackModel)
							fallbackRequest := *anthropicRequest
							fallbackRequest.Model = fallbackModel
							return h.streamWithRetry(ctx, &fallbackRequest, false, events)
						}
					}
					waitMs := minWaitMs
					return proxyerrors.NewRateLimitError(
						"RESOURCE_EXHAUSTED: Rate limited on "+model+". Quota will reset after "+
							utils.FormatDuration(minWaitMs)+". Next available: "+resetTime,
						&waitMs, "")
				}

				accountCount := h.accountManager.GetAccountCount()
				utils.Warn("[CloudCode] All %d account(s) rate-limited. Waiting %s...",
					accountCount, utils.FormatDuration(minWaitMs))
				utils.SleepMs(minWaitMs + 500)
				h.accountManager.ClearExpiredLimits(ctx)

				// Waiting out a rate limit is not a failed attempt
				attempt--
				continue
			}

			return proxyerrors.NewNoAccountsError("", false)
		}

		result, err := h.accountManager.SelectAccount(ctx, model, account.SelectOptions{})
		if err != nil {
			return err
		}

		// Strategy may return a wait time without an account
		if result.Account == nil && result.WaitMs > 0 {
			utils.Info("[CloudCode] Waiting %s for account...", utils.FormatDuration(result.WaitMs))
			utils.SleepMs(result.WaitMs + 500)
			attempt--
			continue
		}

		// Or an account with a throttle delay attached
		if result.Account != nil && result.WaitMs > 0 {
			utils.Debug("[CloudCode] Throttling request (%dms) - fallback mode active", result.WaitMs)
			utils.SleepMs(result.WaitMs)
		}

		if result.Account == nil {
			utils.Warn("[CloudCode] Strategy returned no account for %s (attempt %d/%d)",
				model, attempt+1, maxAttempts)
			continue
		}

		selectedAccount := result.Account

		token, err := h.getTokenForAccount(ctx, selectedAccount)
		if err != nil {
			utils.Warn("[CloudCode] Failed to get token for %s: %v", utils.MaskEmail(selectedAccount.Email), err)
			continue
		}

		projectID := selectedAccount.ProjectID
		if projectID == "" {
			projectID = config.DefaultProjectID
		}

		payload, err := BuildCloudCodeRequest(anthropicRequest, projectID)
		if err != nil {
			return err
		}

		utils.Debug("[CloudCode] Starting stream for model: %s", model)

		var lastError error
		forwarded := false
		capacityRetryCount := 0

	endpointLoop:
		for endpointIndex := 0; endpointIndex < len(config.EndpointFallbacks); endpointIndex++ {
			endpoint := config.EndpointFallbacks[endpointIndex]
			url := endpoint + "/v1internal:streamGenerateContent?alt=sse"

			payloadBytes, err := json.Marshal(payload)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
			if err != nil {
				return err
			}

			headers := BuildHeaders(token, model, "text/event-stream")
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := h.httpClient.Do(req)
			if err != nil {
				if utils.IsNetworkError(err) {
					utils.Warn("[CloudCode] Network error at %s: %v", endpoint, err)
					lastError = err
					continue
				}
				return err
			}

			if resp.StatusCode != http.StatusOK {
				bodyBytes, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				errorText := string(bodyBytes)
				utils.Warn("[CloudCode] Stream error at %s: %d - %s", endpoint, resp.StatusCode, errorText)

				switch resp.StatusCode {
				case 401:
					if IsPermanentAuthFailure(errorText) {
						utils.Error("[CloudCode] Permanent auth failure for %s: %.100s",
							utils.MaskEmail(selectedAccount.Email), errorText)
						_ = h.accountManager.MarkInvalid(ctx, selectedAccount.Email, "Token revoked - re-authentication required")
						return proxyerrors.NewAuthError("AUTH_INVALID_PERMANENT: "+errorText,
							selectedAccount.Email, "token_revoked")
					}
					lastError = proxyerrors.NewAuthError("Auth error: "+errorText, selectedAccount.Email, "")
					continue

				case 429:
					resetMs := ParseResetTime(resp.Header, errorText)

					// Capacity exhaustion retries the same endpoint on a tier schedule
					if IsModelCapacityExhausted(errorText) {
						if capacityRetryCount < config.MaxCapacityRetries {
							tierIndex := min(capacityRetryCount, len(config.CapacityBackoffTiersMs)-1)
							waitMs := resetMs
							if waitMs <= 0 {
								waitMs = config.CapacityBackoffTiersMs[tierIndex]
							}
							capacityRetryCount++
							utils.Info("[CloudCode] Model capacity exhausted, retry %d/%d after %s...",
								capacityRetryCount, config.MaxCapacityRetries, utils.FormatDuration(waitMs))
							utils.SleepMs(waitMs)
							endpointIndex--
							continue
						}
						utils.Warn("[CloudCode] Max capacity retries (%d) exceeded, switching account",
							config.MaxCapacityRetries)
					}

					backoff := GetRateLimitBackoff(selectedAccount.Email, model, resetMs)

					// Sub-second resets are cheaper to wait out in place
					if resetMs > 0 && resetMs < 1000 {
						utils.Info("[CloudCode] Short rate limit on %s (%dms), waiting and retrying...",
							utils.MaskEmail(selectedAccount.Email), resetMs)
						utils.SleepMs(resetMs)
						endpointIndex--
						continue
					}

					if backoff.IsDuplicate {
						smartBackoffMs := CalculateSmartBackoff(errorText, resetMs, 0)
						utils.Info("[CloudCode] Skipping retry due to recent rate limit on %s (attempt %d), switching account...",
							utils.MaskEmail(selectedAccount.Email), backoff.Attempt)
						_ = h.accountManager.MarkRateLimited(ctx, selectedAccount.Email, smartBackoffMs, model)
						lastError = proxyerrors.NewRateLimitError("RATE_LIMITED_DEDUP: "+errorText,
							&smartBackoffMs, selectedAccount.Email)
						break endpointLoop
					}

					smartBackoffMs := CalculateSmartBackoff(errorText, resetMs, 0)

					if backoff.Attempt == 1 && smartBackoffMs <= config.DefaultCooldownMs {
						waitMs := backoff.DelayMs
						_ = h.accountManager.MarkRateLimited(ctx, selectedAccount.Email, waitMs, model)
						utils.Info("[CloudCode] First rate limit on %s, quick retry after %s...",
							utils.MaskEmail(selectedAccount.Email), utils.FormatDuration(waitMs))
						utils.SleepMs(waitMs)
						endpointIndex--
						continue
					} else if smartBackoffMs > config.DefaultCooldownMs {
						utils.Info("[CloudCode] Quota exhausted for %s (%s), switching account after %s delay...",
							utils.MaskEmail(selectedAccount.Email), utils.FormatDuration(smartBackoffMs),
							utils.FormatDuration(config.SwitchAccountDelayMs))
						utils.SleepMs(config.SwitchAccountDelayMs)
						_ = h.accountManager.MarkRateLimited(ctx, selectedAccount.Email, smartBackoffMs, model)
						lastError = proxyerrors.NewRateLimitError("QUOTA_EXHAUSTED: "+errorText,
							&smartBackoffMs, selectedAccount.Email)
						break endpointLoop
					} else {
						waitMs := backoff.DelayMs
						_ = h.accountManager.MarkRateLimited(ctx, selectedAccount.Email, waitMs, model)
						utils.Info("[CloudCode] Rate limit on %s (attempt %d), waiting %s...",
							utils.MaskEmail(selectedAccount.Email), backoff.Attempt, utils.FormatDuration(waitMs))
						utils.SleepMs(waitMs)
						endpointIndex--
						continue
					}

				case 400:
					utils.Error("[CloudCode] Invalid request (400): %.200s", errorText)
					return proxyerrors.NewInvalidRequestError(errorText)

				case 403:
					utils.Error("[CloudCode] Permission denied for %s, marking account invalid",
						utils.MaskEmail(selectedAccount.Email))
					_ = h.accountManager.MarkInvalid(ctx, selectedAccount.Email, "Permission denied by upstream")
					lastError = proxyerrors.NewPermissionError("PERMISSION_DENIED: "+errorText, selectedAccount.Email)
					break endpointLoop

				case 503, 529:
					if IsModelCapacityExhausted(errorText) && capacityRetryCount < config.MaxCapacityRetries {
						tierIndex := min(capacityRetryCount, len(config.CapacityBackoffTiersMs)-1)
						waitMs := config.CapacityBackoffTiersMs[tierIndex]
						capacityRetryCount++
						utils.Info("[CloudCode] %d Model capacity exhausted, retry %d/%d after %s...",
							resp.StatusCode, capacityRetryCount, config.MaxCapacityRetries, utils.FormatDuration(waitMs))
						utils.SleepMs(waitMs)
						endpointIndex--
						continue
					}
					fallthrough

				default:
					lastError = proxyerrors.NewApiError(errorText, resp.StatusCode, "")
					if resp.StatusCode >= 500 {
						utils.Warn("[CloudCode] %d stream error, waiting 1s before retry...", resp.StatusCode)
						utils.SleepMs(1000)
					}
					continue
				}
			}

			// Success, relay the stream. Empty upstream responses are retried
			// with backoff since nothing has been forwarded yet.
			emptyRetries := 0
			currentResp := resp

			for emptyRetries <= config.MaxEmptyResponseRetries {
				sseEvents, sseErrs := StreamSSEResponse(currentResp.Body, anthropicRequest.Model)

				for event := range sseEvents {
					forwarded = true
					events <- event
				}

				streamErr := <-sseErrs
				if streamErr == nil {
					currentResp.Body.Close()
					utils.Debug("[CloudCode] Stream completed")
					ClearRateLimitState(selectedAccount.Email, model)
					h.accountManager.NotifySuccess(selectedAccount, model)
					return nil
				}

				if proxyerrors.IsEmptyResponseError(streamErr) {
					currentResp.Body.Close()

					if emptyRetries >= config.MaxEmptyResponseRetries {
						utils.Error("[CloudCode] Empty response after %d retries", config.MaxEmptyResponseRetries)
						emitEmptyResponseFallback(events, anthropicRequest.Model)
						return nil
					}

					backoffMs := 500 * (1 << emptyRetries)
					utils.Warn("[CloudCode] Empty response, retry %d/%d after %dms...",
						emptyRetries+1, config.MaxEmptyResponseRetries, backoffMs)
					utils.SleepMs(int64(backoffMs))

					newReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
					if err != nil {
						return err
					}
					for k, v := range headers {
						newReq.Header.Set(k, v)
					}
					currentResp, err = h.httpClient.Do(newReq)
					if err != nil {
						return proxyerrors.ErrorWithContext(err, "Empty response retry failed")
					}
					if currentResp.StatusCode != http.StatusOK {
						currentResp.Body.Close()
						return proxyerrors.NewApiError("Empty response retry failed", currentResp.StatusCode, "")
					}
					emptyRetries++
					continue
				}

				currentResp.Body.Close()
				// Mid-stream failure after events went out cannot be retried
				// transparently, surface it to the caller
				if forwarded {
					return streamErr
				}
				lastError = streamErr
				break endpointLoop
			}
		}

		if lastError != nil {
			if proxyerrors.IsRateLimitError(lastError) {
				h.accountManager.NotifyRateLimit(selectedAccount, model)
				utils.Info("[CloudCode] Account %s rate-limited, trying next...", utils.MaskEmail(selectedAccount.Email))
				continue
			}
			if proxyerrors.IsAuthError(lastError) {
				utils.Warn("[CloudCode] Account %s has invalid credentials, trying next...", utils.MaskEmail(selectedAccount.Email))
				continue
			}
			if proxyerrors.IsPermissionError(lastError) {
				utils.Warn("[CloudCode] Account %s lacks permission, trying next...", utils.MaskEmail(selectedAccount.Email))
				continue
			}
			if is5xxError(lastError) {
				h.accountManager.NotifyFailure(selectedAccount, model)
				utils.Warn("[CloudCode] Account %s failed with 5xx stream error, trying next...", utils.MaskEmail(selectedAccount.Email))
				continue
			}
			if utils.IsNetworkError(lastError) {
				h.accountManager.NotifyFailure(selectedAccount, model)
				utils.Warn("[CloudCode] Network error for %s (stream), trying next account... (%v)",
					utils.MaskEmail(selectedAccount.Email), lastError)
				utils.SleepMs(1000)
				continue
			}
			return lastError
		}
	}

	if fallbackEnabled {
		fallbackModel, ok := config.GetFallbackModel(model)
		if ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s (streaming)",
				model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.streamWithRetry(ctx, &fallbackRequest, false, events)
		}
	}

	return proxyerrors.NewMaxRetriesError("", maxAttempts)
}

func (h *StreamingHandler) getTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return h.accountManager.GetTokenForAccount(ctx, acc)
}

// emitEmptyResponseFallback emits a minimal synthetic message so the client
// sees a well-formed stream even when the upstream produced nothing
func emitEmptyResponseFallback(events chan<- *SSEEvent, model string) {
	messageID := anthropic.GenerateMessageID()

	events <- &SSEEvent{
		Type: "message_start",
		Message: &anthropic.MessagesResponse{
			ID:           messageID,
			Type:         "message",
			Role:         "assistant",
			Content:      []anthropic.ContentBlock{},
			Model:        model,
			StopReason:   "",
			StopSequence: nil,
			Usage:        &anthropic.Usage{InputTokens: 0, OutputTokens: 0},
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_start",
		Index: 0,
		ContentBlock: &anthropic.ContentBlock{
			Type: "text",
			Text: "",
		},
	}

	events <- &SSEEvent{
		Type:  "content_block_delta",
		Index: 0,
		Delta: map[string]interface{}{
			"type": "text_delta",
			"text": "[No response after retries - please try again]",
		},
	}

	events <- &SSEEvent{Type: "content_block_stop", Index: 0}

	events <- &SSEEvent{
		Type: "message_delta",
		Delta: map[string]interface{}{
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
		},
		Usage: &anthropic.Usage{OutputTokens: 0},
	}

	events <- &SSEEvent{Type: "message_stop"}
}
