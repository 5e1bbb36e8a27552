package keypool

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RemainingRequestFloor is the minimum x-ratelimit-remaining-requests value
// a key may report before the selection policy treats it as locked out,
// even absent a recent 429. Guards against racing upstream's own window
// boundary with requests already in flight.
const RemainingRequestFloor = 1

// openaiProvider is the Provider for OpenAI-compatible upstreams. It layers
// a per-key token-bucket limiter, seeded from x-ratelimit-* response
// headers, on top of the shared selection policy.
type openaiProvider struct {
	*baseProvider

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewOpenAIProvider constructs a Provider for the OpenAI-compatible family
// ("gpt-*", "o1-*", ...).
func NewOpenAIProvider(secrets []string, families []string, cfg ProviderConfig) Provider {
	p := &openaiProvider{
		baseProvider: newBaseProvider("openai", secrets, families, cfg),
		limiters:     make(map[string]*rate.Limiter),
	}
	p.baseProvider.additionalLockout = p.nearExhausted
	return p
}

func (p *openaiProvider) nearExhausted(k *KeyRecord) bool {
	k.mu.RLock()
	remaining := k.OpenAI.RemainingRequests
	everSet := !k.OpenAI.ResetRequests.IsZero()
	k.mu.RUnlock()
	return everSet && remaining < RemainingRequestFloor
}

// UpdateRateLimits parses OpenAI's x-ratelimit-remaining-requests,
// x-ratelimit-remaining-tokens, x-ratelimit-reset-requests and
// x-ratelimit-reset-tokens headers and stores them on the key record for
// use by the selection policy's additional-lockout check.
func (p *openaiProvider) UpdateRateLimits(hash string, headers http.Header) {
	k := p.find(hash)
	if k == nil {
		return
	}

	remReq, okReq := parseIntHeader(headers, "x-ratelimit-remaining-requests")
	remTok, okTok := parseIntHeader(headers, "x-ratelimit-remaining-tokens")
	resetReq, okResetReq := parseDurationHeader(headers, "x-ratelimit-reset-requests")
	resetTok, okResetTok := parseDurationHeader(headers, "x-ratelimit-reset-tokens")

	now := time.Now()

	k.mu.Lock()
	if okReq {
		k.OpenAI.RemainingRequests = remReq
	}
	if okTok {
		k.OpenAI.RemainingTokens = remTok
	}
	if okResetReq {
		k.OpenAI.ResetRequests = now.Add(resetReq)
	}
	if okResetTok {
		k.OpenAI.ResetTokens = now.Add(resetTok)
	}
	k.mu.Unlock()

	if okReq {
		p.limiterFor(hash, remReq).SetBurst(remReq + 1)
	}
}

// limiterFor lazily creates a per-key limiter. The limiter is bookkeeping
// only: nothing in the relay reads it back, and selection eligibility is
// governed by nearExhausted above, not by Allow().
func (p *openaiProvider) limiterFor(hash string, initial int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[hash]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute), initial+1)
		p.limiters[hash] = l
	}
	return l
}

func parseIntHeader(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseDurationHeader parses OpenAI's reset-window format, which is either
// a bare seconds count ("21.5") or a short duration string ("6m34s").
func parseDurationHeader(h http.Header, name string) (time.Duration, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}
