// Package cloudcode implements the Cloud Code API client: request building,
// account scheduling, streaming, and rate-limit handling.
package cloudcode

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sorenth/cloudcode-claude-proxy/internal/config"
	"github.com/sorenth/cloudcode-claude-proxy/internal/utils"
)

// RateLimitReason represents the type of rate limit encountered
type RateLimitReason string

const (
	RateLimitReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	RateLimitReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	RateLimitReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	RateLimitReasonServerError            RateLimitReason = "SERVER_ERROR"
	RateLimitReasonUnknown                RateLimitReason = "UNKNOWN"
)

var (
	quotaDelayRegex     = regexp.MustCompile(`(?i)quotaResetDelay[:\s"]+(\d+(?:\.\d+)?)(ms|s)`)
	quotaTimestampRegex = regexp.MustCompile(`(?i)quotaResetTime(?:Stamp)?[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
	retrySecondsRegex   = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+([\d.]+)(?:s\b|s")`)
	// RE2 has no negative lookahead, so a simpler pattern covers the ms case
	retryMsRegex       = regexp.MustCompile(`(?i)(?:retry[-_]?after[-_]?ms|retryDelay)[:\s"]+(\d+)(?:\s*ms)?(?:\s|$|[,;}\]])`)
	retryAfterSecRegex = regexp.MustCompile(`(?i)retry\s+(?:after\s+)?(\d+)\s*(?:sec|s\b)`)
	durationRegex      = regexp.MustCompile(`(?i)(\d+)h(\d+)m(\d+)s|(\d+)m(\d+)s|(\d+(?:\.\d+)?)s`)
	isoTimestampRegex  = regexp.MustCompile(`(?i)reset[:\s"]+(\d{4}-\d{2}-\d{2}T[\d:.]+Z?)`)
)

// upstreamErrorBody matches the structured error payload the Cloud Code API
// returns on 429s. Details carry a retryDelay duration string; metadata may
// carry an absolute quotaResetTime.
type upstreamErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
		Metadata struct {
			QuotaResetTime string `json:"quotaResetTime"`
		} `json:"metadata"`
	} `json:"error"`
}

// ClampResetMs bounds a reset window so a bogus upstream value can neither
// spin-loop the scheduler nor park an account for days.
func ClampResetMs(resetMs int64) int64 {
	if resetMs < config.RateLimitResetMinMs {
		return config.RateLimitResetMinMs
	}
	if resetMs > config.RateLimitResetMaxMs {
		return config.RateLimitResetMaxMs
	}
	return resetMs
}

// ParseResetTime extracts the rate-limit reset window in milliseconds from a
// 429 response, in priority order: Retry-After header (seconds or HTTP-date),
// structured body retryDelay, structured body quotaResetTime, then free-text
// patterns. Returns -1 when nothing usable is found; a found value is clamped
// to [RateLimitResetMinMs, RateLimitResetMaxMs].
func ParseResetTime(headers http.Header, errorText string) int64 {
	var resetMs int64 = -1

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			resetMs = int64(seconds) * 1000
			utils.Debug("[CloudCode] Retry-After header: %ds", seconds)
		} else {
			// HTTP-date form
			if t, err := time.Parse(time.RFC1123, retryAfter); err == nil {
				resetMs = time.Until(t).Milliseconds()
				if resetMs > 0 {
					utils.Debug("[CloudCode] Retry-After date: %s", retryAfter)
				} else {
					resetMs = -1
				}
			}
		}
	}

	// x-ratelimit-reset (Unix timestamp in seconds)
	if resetMs < 0 {
		if ratelimitReset := headers.Get("x-ratelimit-reset"); ratelimitReset != "" {
			if ts, err := strconv.ParseInt(ratelimitReset, 10, 64); err == nil {
				resetMs = ts*1000 - time.Now().UnixMilli()
				if resetMs > 0 {
					utils.Debug("[CloudCode] x-ratelimit-reset: %s", time.UnixMilli(ts*1000).Format(time.RFC3339))
				} else {
					resetMs = -1
				}
			}
		}
	}

	// x-ratelimit-reset-after (seconds)
	if resetMs < 0 {
		if resetAfter := headers.Get("x-ratelimit-reset-after"); resetAfter != "" {
			if seconds, err := strconv.Atoi(resetAfter); err == nil && seconds > 0 {
				resetMs = int64(seconds) * 1000
				utils.Debug("[CloudCode] x-ratelimit-reset-after: %ds", seconds)
			}
		}
	}

	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromStructuredBody(errorText)
	}
	if resetMs < 0 && errorText != "" {
		resetMs = parseResetTimeFromBody(errorText)
	}

	if resetMs >= 0 {
		resetMs = ClampResetMs(resetMs)
	}

	return resetMs
}

// ParseResetTimeOrDefault is ParseResetTime with the 60s fallback applied,
// so callers always get a usable clamped window.
func ParseResetTimeOrDefault(headers http.Header, errorText string) int64 {
	resetMs := ParseResetTime(headers, errorText)
	if resetMs < 0 {
		utils.Debug("[CloudCode] No reset time found, using %dms fallback", int64(config.RateLimitResetFallbackMs))
		return config.RateLimitResetFallbackMs
	}
	return resetMs
}

// parseResetTimeFromStructuredBody decodes the JSON error payload and reads
// error.details[*].retryDelay, then error.metadata.quotaResetTime.
func parseResetTimeFromStructuredBody(body string) int64 {
	var parsed upstreamErrorBody
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return -1
	}

	for _, detail := range parsed.Error.Details {
		if detail.RetryDelay == "" {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil && d > 0 {
			utils.Debug("[CloudCode] Parsed retryDelay from error details: %s", detail.RetryDelay)
			return d.Milliseconds()
		}
	}

	if ts := parsed.Error.Metadata.QuotaResetTime; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			delta := time.Until(t).Milliseconds()
			if delta > 0 {
				utils.Debug("[CloudCode] Parsed quotaResetTime from error metadata: %s", ts)
				return delta
			}
		}
	}

	return -1
}

// parseResetTimeFromBody scrapes reset hints out of free-text error messages
func parseResetTimeFromBody(msg string) int64 {
	var resetMs int64 = -1

	// "quotaResetDelay" (e.g. "754.431528ms" or "1.5s")
	if match := quotaDelayRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		unit := strings.ToLower(match[2])
		if unit == "s" {
			resetMs = int64(value * 1000)
		} else {
			resetMs = int64(value)
		}
		utils.Debug("[CloudCode] Parsed quotaResetDelay from body: %dms", resetMs)
		return resetMs
	}

	// "quotaResetTime" / "quotaResetTimeStamp" (ISO format)
	if match := quotaTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs = time.Until(t).Milliseconds()
			utils.Debug("[CloudCode] Parsed quota reset timestamp: %s (delta: %dms)", match[1], resetMs)
			return resetMs
		}
	}

	// "retry-after-ms" or "retryDelay", seconds format first
	if match := retrySecondsRegex.FindStringSubmatch(msg); match != nil {
		value, _ := strconv.ParseFloat(match[1], 64)
		resetMs = int64(value * 1000)
		utils.Debug("[CloudCode] Parsed retry seconds from body (precise): %dms", resetMs)
		return resetMs
	}

	// ms (explicit "ms" suffix or bare number)
	if match := retryMsRegex.FindStringSubmatch(msg); match != nil {
		resetMs, _ = strconv.ParseInt(match[1], 10, 64)
		utils.Debug("[CloudCode] Parsed retry-after-ms from body: %dms", resetMs)
		return resetMs
	}

	// "retry after 60 seconds"
	if match := retryAfterSecRegex.FindStringSubmatch(msg); match != nil {
		seconds, _ := strconv.ParseInt(match[1], 10, 64)
		resetMs = seconds * 1000
		utils.Debug("[CloudCode] Parsed retry seconds from body: %ds", seconds)
		return resetMs
	}

	// duration like "1h23m45s", "23m45s" or "45s"
	if match := durationRegex.FindStringSubmatch(msg); match != nil {
		if match[1] != "" {
			hours, _ := strconv.Atoi(match[1])
			minutes, _ := strconv.Atoi(match[2])
			seconds, _ := strconv.Atoi(match[3])
			resetMs = int64((hours*3600 + minutes*60 + seconds) * 1000)
		} else if match[4] != "" {
			minutes, _ := strconv.Atoi(match[4])
			seconds, _ := strconv.Atoi(match[5])
			resetMs = int64((minutes*60 + seconds) * 1000)
		} else if match[6] != "" {
			seconds, _ := strconv.ParseFloat(match[6], 64)
			resetMs = int64(seconds * 1000)
		}
		if resetMs > 0 {
			utils.Debug("[CloudCode] Parsed duration from body: %s", utils.FormatDuration(resetMs))
		}
		return resetMs
	}

	// bare ISO timestamp after "reset"
	if match := isoTimestampRegex.FindStringSubmatch(msg); match != nil {
		if t, err := time.Parse(time.RFC3339, match[1]); err == nil {
			resetMs = time.Until(t).Milliseconds()
			if resetMs > 0 {
				utils.Debug("[CloudCode] Parsed ISO reset time: %s", match[1])
				return resetMs
			}
		}
	}

	return -1
}

// ParseRateLimitReason classifies a rate-limit or server error
func ParseRateLimitReason(errorText string, status int) RateLimitReason {
	// Status code checks first: 529 site overloaded, 503 unavailable
	if status == 529 || status == 503 {
		return RateLimitReasonModelCapacityExhausted
	}
	if status == 500 {
		return RateLimitReasonServerError
	}

	lower := strings.ToLower(errorText)

	// Quota exhaustion (daily/hourly limits)
	if strings.Contains(lower, "quota_exhausted") ||
		strings.Contains(lower, "quotaresetdelay") ||
		strings.Contains(lower, "quotaresettime") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "daily limit") ||
		strings.Contains(lower, "quota exceeded") {
		return RateLimitReasonQuotaExhausted
	}

	// Model capacity (temporary, retry quickly)
	if strings.Contains(lower, "model_capacity_exhausted") ||
		strings.Contains(lower, "capacity_exhausted") ||
		strings.Contains(lower, "model is currently overloaded") ||
		strings.Contains(lower, "service temporarily unavailable") {
		return RateLimitReasonModelCapacityExhausted
	}

	// Per-minute rate limiting
	if strings.Contains(lower, "rate_limit_exceeded") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "throttl") {
		return RateLimitReasonRateLimitExceeded
	}

	if strings.Contains(lower, "internal server error") ||
		strings.Contains(lower, "server error") ||
		strings.Contains(lower, "503") ||
		strings.Contains(lower, "502") ||
		strings.Contains(lower, "504") {
		return RateLimitReasonServerError
	}

	return RateLimitReasonUnknown
}
