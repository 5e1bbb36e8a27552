package upstreamproxy

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/keyrelay/keyrelay/internal/dialect"
	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
)

// defaultRetryAfter is used when a 429 carries no parseable Retry-After
// header.
const defaultRetryAfter = 60 * time.Second

// overloadedCooldown is the short backoff applied to every 5xx response
// and to a 429 whose error type signals overload ("overloaded_error" or
// a concurrency limit) — signals that are not true per-key rate limits: the
// key itself is fine, the backend is just busy, so a long cooldown would
// needlessly starve it.
const overloadedCooldown = 3 * time.Second

// peekLimit bounds how much of a non-streaming response body is read
// into memory to classify its error type before being put back for the
// client to receive unchanged.
const peekLimit = 16 * 1024

// modifyResponse extracts signals from an upstream response and feeds
// them back into the key pool, decides (via the request's retryState,
// when dispatched through dispatchWithRetry) whether this attempt should
// be retried on another key, and otherwise — for successful responses
// whose client dialect differs from the backend's native one — translates
// the body (see maybeTranslate) so the client receives its own dialect.
//
// Returning errRetryRequested here is what keeps a retried attempt's
// response from ever reaching the real ResponseWriter: ReverseProxy
// closes resp.Body and hands off to ErrorHandler without writing
// anything, and handleError treats errRetryRequested as a no-op.
func (sp *serviceProxy) modifyResponse(resp *http.Response) error {
	rc, _ := resp.Request.Context().Value(requestContextKey).(*pipeline.RequestContext)
	if rc == nil {
		return nil
	}
	rs, _ := resp.Request.Context().Value(retryStateContextKey).(*retryState)

	provider, err := sp.pool.Provider(sp.service)
	if err != nil {
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		errType := peekErrorBody(resp)
		_ = provider.Revoke(rc.Key.Hash)
		if isBillingErrorType(errType) {
			sp.logWarn(rc, "upstream reports billing failure, revoking key")
		} else {
			sp.logWarn(rc, "upstream rejected credential, revoking key")
		}
		if rs != nil && rs.allow(retryClassKeyFailover) {
			return errRetryRequested
		}

	case resp.StatusCode == http.StatusTooManyRequests:
		billing := sp.handleRateLimit(resp, rc, provider)
		if rs != nil {
			class := retryClassRateLimit
			if billing {
				class = retryClassKeyFailover
			}
			if rs.allow(class) {
				return errRetryRequested
			}
		}

	case resp.StatusCode >= 500:
		provider.MarkRateLimited(rc.Key.Hash, overloadedCooldown)
		sp.logWarn(rc, "upstream server error, applying short cooldown")
		if rs != nil && rs.allow(retryClassServerError) {
			return errRetryRequested
		}

	default:
		provider.UpdateRateLimits(rc.Key.Hash, resp.Header)
	}

	return sp.maybeTranslate(resp, rc)
}

// handleRateLimit classifies a 429 body and applies the matching
// cooldown, reporting whether the failure was billing-related (the
// key's account is out of money, not merely throttled).
func (sp *serviceProxy) handleRateLimit(resp *http.Response, rc *pipeline.RequestContext, provider keypool.Provider) (billing bool) {
	errType := peekErrorBody(resp)

	if isBillingErrorType(errType) {
		_ = provider.Revoke(rc.Key.Hash)
		sp.logWarn(rc, "upstream reports billing failure on rate limit, revoking key")
		return true
	}

	if isOverloadedErrorType(errType) {
		provider.MarkRateLimited(rc.Key.Hash, overloadedCooldown)
		sp.logWarn(rc, "upstream reports transient overload, not a key rate limit")
		return false
	}

	cooldown := parseRetryAfter(resp.Header)
	provider.MarkRateLimited(rc.Key.Hash, cooldown)
	sp.logWarn(rc, "key hit upstream rate limit")
	return false
}

// peekErrorBody reads up to peekLimit bytes of a non-streaming error
// body to classify its error.type field, then reconstructs resp.Body so
// the client still receives it unchanged if this attempt ends up being
// the one that commits. Streaming bodies are never peeked — this only
// runs for 401/403/429, which backends always send as a plain JSON body.
func peekErrorBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	limited := io.LimitReader(resp.Body, peekLimit)
	buf, _ := io.ReadAll(limited)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	return strings.ToLower(gjson.GetBytes(buf, "error.type").String())
}

// isOverloadedErrorType reports a transient backend-busy signal
// (Anthropic's "overloaded_error" type, or an error type that names a
// request-concurrency ceiling rather than a token or request quota)
// rather than a true per-key rate limit.
func isOverloadedErrorType(errType string) bool {
	return errType == "overloaded_error" || strings.Contains(errType, "concurrency")
}

// isBillingErrorType reports an account-level billing/quota failure,
// terminal for the key until the operator replaces it, as opposed to a
// transient rate limit that clears on its own.
func isBillingErrorType(errType string) bool {
	return strings.Contains(errType, "quota") || strings.Contains(errType, "billing") || strings.Contains(errType, "insufficient")
}

func parseRetryAfter(headers http.Header) time.Duration {
	val := headers.Get("Retry-After")
	if val == "" {
		return defaultRetryAfter
	}
	if seconds, err := strconv.Atoi(val); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

// maybeTranslate rewrites a successful response body into the client's
// dialect when it differs from the backend's native one: SSE bodies get
// a streaming wrapper that translates chunk-by-chunk, non-streaming JSON
// bodies get decoded and re-encoded whole. Error bodies (put back
// unchanged by peekErrorBody, or any other non-2xx) pass through
// untouched — the client dialect's completion shape only applies to
// successful completions.
func (sp *serviceProxy) maybeTranslate(resp *http.Response, rc *pipeline.RequestContext) error {
	native, ok := dialect.NativeDialect(sp.service)
	if !ok || rc.ClientDialect == native || resp.StatusCode >= 300 {
		return nil
	}

	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return nil
	}

	if mediaType == "text/event-stream" {
		transformer, err := dialect.NewStreamTransformer(sp.service, rc.ClientDialect, rc.Model)
		if err != nil {
			return nil
		}
		resp.Body = newTranslatingBody(resp.Body, transformer)
		return nil
	}

	if mediaType != "application/json" || resp.Body == nil {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return fmt.Errorf("upstreamproxy: read response body: %w", err)
	}

	translated, err := dialect.TranslateResponse(sp.service, rc.ClientDialect, body)
	if err != nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return nil
	}

	resp.Body = io.NopCloser(bytes.NewReader(translated))
	resp.ContentLength = int64(len(translated))
	resp.Header.Set("Content-Length", strconv.Itoa(len(translated)))
	return nil
}

func (sp *serviceProxy) logWarn(rc *pipeline.RequestContext, msg string) {
	if sp.logger == nil {
		return
	}
	sp.logger.Warn().
		Str("service", sp.service).
		Str("request_id", rc.RequestID).
		Str("key_hash", rc.Key.Hash).
		Msg(msg)
}
