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
	"github.com/sorenth/cloudcode-claude-proxy/internal/format"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/anthropic"
	"github.com/sorenth/cloudcode-claude-proxy/pkg/redis"
)

// MessageHandler handles non-streaming message requests
type MessageHandler struct {
	accountManager *account.Manager
	httpClient     *http.Client
	cfg            *config.Config
}

// NewMessageHandler creates a new MessageHandler
func NewMessageHandler(accountManager *account.Manager, cfg *config.Config) *MessageHandler {
	return &MessageHandler{
		accountManager: accountManager,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		cfg: cfg,
	}
}

// SendMessage sends a non-streaming request with multi-account failover.
// Thinking models go through the SSE endpoint and the stream is folded into a
// single response, because the unary endpoint drops thinking blocks.
func (h *MessageHandler) SendMessage(ctx context.Context, anthropicRequest *anthropic.MessagesRequest, fallbackEnabled bool) (*anthropic.MessagesResponse, error) {
	model := anthropicRequest.Model
	isThinking := config.IsThinkingModel(model)

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
							utils.Warn("[CloudCode] All accounts exhausted for %s (%s wait). Attempting fallback to %s",
								model, utils.FormatDuration(minWaitMs), fallbackModel)
							fallbackRequest := *anthropicRequest
							fallbackRequest.Model = fallbackModel
							return h.SendMessage(ctx, &fallbackRequest, false)
						}
					}
					waitMs := minWaitMs
					return nil, proxyerrors.NewRateLimitError(
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

			return nil, proxyerrors.NewNoAccountsError("", false)
		}

		result, err := h.accountManager.SelectAccount(ctx, model, account.SelectOptions{})
		if err != nil {
			return nil, err
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
			return nil, err
		}

		utils.Debug("[CloudCode] Sending request for model: %s", model)

		var lastError error
		capacityRetryCount := 0

	endpointLoop:
		for endpointIndex := 0; endpointIndex < len(config.EndpointFallbacks); endpointIndex++ {
			endpoint := config.EndpointFallbacks[endpointIndex]

			var url, accept string
			if isThinking {
				url = endpoint + "/v1internal:streamGenerateContent?alt=sse"
				accept = "text/event-stream"
			} else {
				url = endpoint + "/v1internal:generateContent"
				accept = "application/json"
			}

			payloadBytes, err := json.Marshal(payload)
			if err != nil {
				return nil, err
			}

			req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
			if err != nil {
				return nil, err
			}

			headers := BuildHeaders(token, model, accept)
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
				return nil, err
			}

			if resp.StatusCode != http.StatusOK {
				bodyBytes, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				errorText := string(bodyBytes)
				utils.Warn("[CloudCode] Error at %s: %d - %s", endpoint, resp.StatusCode, errorText)

				switch resp.StatusCode {
				case 401:
					if IsPermanentAuthFailure(errorText) {
						utils.Error("[CloudCode] Permanent auth failure for %s: %.100s",
							utils.MaskEmail(selectedAccount.Email), errorText)
						_ = h.accountManager.MarkInvalid(ctx, selectedAccount.Email, "Token revoked - re-authentication required")
						return nil, proxyerrors.NewAuthError("AUTH_INVALID_PERMANENT: "+errorText,
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
					return nil, proxyerrors.NewInvalidRequestError(errorText)

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
						utils.Warn("[CloudCode] %d error, waiting 1s before retry...", resp.StatusCode)
						utils.SleepMs(1000)
					}
					continue
				}
			}

			// Success
			if isThinking {
				parsed, err := ParseThinkingSSEResponse(resp.Body, anthropicRequest.Model)
				resp.Body.Close()
				if err != nil {
					return nil, err
				}
				ClearRateLimitState(selectedAccount.Email, model)
				h.accountManager.NotifySuccess(selectedAccount, model)
				return parsed, nil
			}

			var data map[string]interface{}
			err = json.NewDecoder(resp.Body).Decode(&data)
			resp.Body.Close()
			if err != nil {
				return nil, err
			}
			utils.Debug("[CloudCode] Response received")
			ClearRateLimitState(selectedAccount.Email, model)
			h.accountManager.NotifySuccess(selectedAccount, model)
			googleResp := format.GoogleResponseFromMap(data)
			return format.ConvertGoogleToAnthropic(googleResp, anthropicRequest.Model), nil
		}

		// All endpoints failed for this account, classify and rotate
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
				utils.Warn("[CloudCode] Account %s failed with 5xx error, trying next...", utils.MaskEmail(selectedAccount.Email))
				continue
			}
			if utils.IsNetworkError(lastError) {
				h.accountManager.NotifyFailure(selectedAccount, model)
				utils.Warn("[CloudCode] Network error for %s, trying next account... (%v)",
					utils.MaskEmail(selectedAccount.Email), lastError)
				utils.SleepMs(1000)
				continue
			}
			return nil, lastError
		}
	}

	if fallbackEnabled {
		fallbackModel, ok := config.GetFallbackModel(model)
		if ok {
			utils.Warn("[CloudCode] All retries exhausted for %s. Attempting fallback to %s",
				model, fallbackModel)
			fallbackRequest := *anthropicRequest
			fallbackRequest.Model = fallbackModel
			return h.SendMessage(ctx, &fallbackRequest, false)
		}
	}

	return nil, proxyerrors.NewMaxRetriesError("", maxAttempts)
}

func (h *MessageHandler) getTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	return h.accountManager.GetTokenForAccount(ctx, acc)
}

// is5xxError reports whether an upstream error came back with a 5xx status
func is5xxError(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*proxyerrors.ApiError); ok {
		return apiErr.StatusCode >= 500
	}
	return utils.ContainsAny(err.Error(), "API error 5", "500", "503")
}
