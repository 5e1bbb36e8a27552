// Package keypool provides key pooling and rate limit tracking for multi-key,
// multi-service API management.
package keypool

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// ErrUnknownService is returned when a call names a service the pool has
// no provider for.
var ErrUnknownService = errors.New("keypool: unknown service")

// ErrUnknownModelFamily is returned when a model name matches no entry in
// the family routing table.
var ErrUnknownModelFamily = errors.New("keypool: model does not map to a known service")

// DefaultFamilyPrefixes is the model-name-prefix → service routing table.
// It is an explicit, overridable map rather than inline string-prefix
// branches, so new services or model families are a data change, not a
// code change.
var DefaultFamilyPrefixes = map[string]string{
	"gpt-":    "openai",
	"o1-":     "openai",
	"o3-":     "openai",
	"claude-": "anthropic",
	"gemini-": "google-ai",
}

// Pool aggregates one Provider per service and routes calls to the owner
// of a given model family.
type Pool struct {
	providers map[string]Provider
	prefixes  map[string]string
}

// NewPool constructs a Pool over the given providers, keyed by their
// Service() name, using prefixes as the model-name routing table. A nil
// prefixes map falls back to DefaultFamilyPrefixes.
func NewPool(providers []Provider, prefixes map[string]string) *Pool {
	if prefixes == nil {
		prefixes = DefaultFamilyPrefixes
	}
	byService := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byService[p.Service()] = p
	}
	return &Pool{providers: byService, prefixes: prefixes}
}

// ServiceForModel resolves a model name to a service via the prefix table.
func (p *Pool) ServiceForModel(model string) (string, error) {
	for prefix, service := range p.prefixes {
		if strings.HasPrefix(model, prefix) {
			if _, ok := p.providers[service]; ok {
				return service, nil
			}
		}
	}
	return "", ErrUnknownModelFamily
}

// Provider returns the provider owning service, or ErrUnknownService.
func (p *Pool) Provider(service string) (Provider, error) {
	pr, ok := p.providers[service]
	if !ok {
		return nil, ErrUnknownService
	}
	return pr, nil
}

// Services lists every configured service name, sorted for stable output.
func (p *Pool) Services() []string {
	out := make([]string, 0, len(p.providers))
	for s := range p.providers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Available reports non-disabled key counts per service (availability is
// tracked per-service, not as one pool-wide figure, since exhausting one
// family says nothing about the others).
func (p *Pool) Available() map[string]int {
	out := make(map[string]int, len(p.providers))
	for s, pr := range p.providers {
		out[s] = pr.Available()
	}
	return out
}

// Get resolves model to a service and selects a key from its provider.
func (p *Pool) Get(model string) (BoundKey, error) {
	service, err := p.ServiceForModel(model)
	if err != nil {
		return BoundKey{}, err
	}
	pr, err := p.Provider(service)
	if err != nil {
		return BoundKey{}, err
	}
	return pr.Get(model)
}

// GetLockoutPeriod resolves model to a service and reports that service's
// current lockout period.
func (p *Pool) GetLockoutPeriod(model string) (time.Duration, error) {
	service, err := p.ServiceForModel(model)
	if err != nil {
		return 0, err
	}
	pr, err := p.Provider(service)
	if err != nil {
		return 0, err
	}
	return pr.GetLockoutPeriod(model), nil
}

// AnyUnchecked reports whether the provider owning model has any key that
// has never completed a capability probe.
func (p *Pool) AnyUnchecked(model string) (bool, error) {
	service, err := p.ServiceForModel(model)
	if err != nil {
		return false, err
	}
	pr, err := p.Provider(service)
	if err != nil {
		return false, err
	}
	return pr.AnyUnchecked(), nil
}

// Disable disables a key on the named service's provider.
func (p *Pool) Disable(service, hash string) error {
	pr, err := p.Provider(service)
	if err != nil {
		return err
	}
	return pr.Disable(hash)
}

// Revoke revokes a key on the named service's provider.
func (p *Pool) Revoke(service, hash string) error {
	pr, err := p.Provider(service)
	if err != nil {
		return err
	}
	return pr.Revoke(hash)
}

// MarkRateLimited records a 429 against a key on the named service's
// provider.
func (p *Pool) MarkRateLimited(service, hash string, cooldown time.Duration) error {
	pr, err := p.Provider(service)
	if err != nil {
		return err
	}
	pr.MarkRateLimited(hash, cooldown)
	return nil
}
