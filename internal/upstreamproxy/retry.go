package upstreamproxy

import "errors"

// errRetryRequested is returned from modifyResponse to tell
// ReverseProxy.ServeHTTP to abandon the current attempt without writing
// anything to the client: the paired ErrorHandler treats it as a no-op,
// leaving the real ResponseWriter untouched so dispatchWithRetry can try
// again with a fresh key. Nothing about this attempt's response — success
// or failure — ever reaches the caller's http.ResponseWriter.
var errRetryRequested = errors.New("upstreamproxy: attempt failed, retry requested")

// retryClass buckets a failed attempt by which bound governs its retry
// budget, per the failover policy upstream response codes drive.
type retryClass int

const (
	// retryClassKeyFailover covers non-billing 401/403 and billing
	// 403/429: the key itself is bad (credential rejected, or its
	// account is out of money), so the fix is a different key, not a
	// delay. Bounded only by maxDispatchAttempts and by the pool running
	// out of eligible keys.
	retryClassKeyFailover retryClass = iota

	// retryClassRateLimit covers a plain 429 (not billing, not a
	// transient overload signal): the key is fine but currently
	// throttled, so a bounded number of further attempts are made before
	// giving up. Each retry is issued at once with a freshly selected key;
	// it does not wait for the key's lockout to clear.
	retryClassRateLimit

	// retryClassServerError covers 5xx: transient backend trouble,
	// worth exactly one retry before surfacing it.
	retryClassServerError
)

// Default retry bounds. DefaultRateLimitRetries counts retries beyond
// the original attempt — a run of 429 non-billing failures makes at most
// DefaultRateLimitRetries+1 upstream calls before the last one's
// response is returned to the client as-is.
const (
	DefaultRateLimitRetries = 3
	maxServerErrorRetries   = 1

	// maxDispatchAttempts is a defensive ceiling across every retry
	// class combined, so a pathological pool (or a key that keeps
	// reappearing eligible) can't turn one client request into an
	// unbounded fan-out of upstream calls.
	maxDispatchAttempts = 8
)

// retryState is shared, via the request context, between Dispatch's
// attempt loop and modifyResponse's per-attempt classification. It never
// outlives one client request.
type retryState struct {
	totalAttempts       int
	rateLimitAttempts   int
	serverErrorAttempts int

	// retryRequested is set by modifyResponse when the attempt just
	// made should be retried, and reset at the start of every attempt.
	retryRequested bool
}

// allow reports whether class still has retry budget for this request,
// and if so consumes one unit of it. totalAttempts is maintained by the
// caller (one increment per attempt, before the attempt runs); allow only
// consults it as a global ceiling.
func (rs *retryState) allow(class retryClass) bool {
	if rs.totalAttempts >= maxDispatchAttempts {
		return false
	}

	switch class {
	case retryClassRateLimit:
		if rs.rateLimitAttempts >= DefaultRateLimitRetries {
			return false
		}
		rs.rateLimitAttempts++
	case retryClassServerError:
		if rs.serverErrorAttempts >= maxServerErrorRetries {
			return false
		}
		rs.serverErrorAttempts++
	case retryClassKeyFailover:
		// No per-class counter: bounded by maxDispatchAttempts above
		// and, in practice, by the pool running out of eligible keys
		// (checked by the caller via Provider.Get).
	}

	rs.retryRequested = true
	return true
}
