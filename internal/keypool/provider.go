package keypool

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Errors returned by Provider implementations.
var (
	// ErrAllKeysExhausted is returned by Get when no key in the provider is
	// eligible (enabled, non-revoked, with the requested capability).
	ErrAllKeysExhausted = errors.New("keypool: all keys exhausted for requested model family")

	// ErrKeyNotFound is returned when Update/Disable/Revoke targets a hash
	// the provider does not own.
	ErrKeyNotFound = errors.New("keypool: key not found")
)

// Default tunables, overridable per-provider via ProviderConfig.
const (
	DefaultLockoutWindow = 2000 * time.Millisecond
	DefaultReuseDelay    = 500 * time.Millisecond
)

// BoundKey is the handle returned by Get: enough for the pipeline to
// authenticate a request, without exposing the provider's internal record.
type BoundKey struct {
	Hash    string
	Secret  string
	Service string
}

// Provider owns the credential pool for one upstream service family and
// implements the selection policy of spec §4.1.
type Provider interface {
	// Service returns the family name ("openai", "anthropic", "google-ai").
	Service() string

	// List returns a redacted snapshot of every key in the provider.
	List() []PublicKey

	// Get selects the best eligible key for model under the
	// lockout-aware least-recently-used policy and applies the reuse
	// throttle. Eligibility matches model against each key's family
	// prefixes (e.g. "gpt-" serves "gpt-4o"), not an exact string.
	// Returns ErrAllKeysExhausted if no eligible key exists.
	Get(model string) (BoundKey, error)

	// Disable permanently removes a key from selection without marking it
	// revoked (operator action, or a non-billing auth failure the operator
	// should investigate).
	Disable(hash string) error

	// Revoke permanently removes a key from selection and marks it
	// revoked (terminal billing/auth failure signaled by upstream).
	Revoke(hash string) error

	// Update merges checker/accounting feedback into a key's record.
	Update(hash string, patch KeyPatch) error

	// Available reports the count of keys that are not disabled.
	Available() int

	// AnyUnchecked reports whether any non-disabled key has never completed a
	// capability probe, used by the queue's stall-guard grace period.
	AnyUnchecked() bool

	// IncrementPrompt records a dispatch against hash's request counter.
	IncrementPrompt(hash string)

	// IncrementUsage adds tokens to hash's per-family usage counter.
	IncrementUsage(hash, family string, tokens int64)

	// MarkRateLimited records a 429 from upstream and arms hash's lockout
	// window for cooldown.
	MarkRateLimited(hash string, cooldown time.Duration)

	// GetLockoutPeriod returns 0 if any eligible key for model is usable
	// now, else the minimum remaining lockout across eligible keys.
	GetLockoutPeriod(model string) time.Duration

	// RemainingQuota reports a normalized 0-1 estimate of remaining
	// capacity across the provider's keys, used for operator visibility.
	RemainingQuota() float64

	// UsageInUSD reports an estimated running cost, formatted for
	// operator display. Providers without pricing data return "n/a".
	UsageInUSD() string

	// UpdateRateLimits applies header-derived rate limit hints from an
	// upstream response. The default is a no-op; only providers that
	// parse such headers (OpenAI) override it meaningfully.
	UpdateRateLimits(hash string, headers http.Header)
}

// ProviderConfig tunes the selection policy's timing knobs.
type ProviderConfig struct {
	LockoutWindow time.Duration // "currently locked out" recency window
	ReuseDelay    time.Duration // minimum spacing between successive selections of one key
}

func (c ProviderConfig) withDefaults() ProviderConfig {
	if c.LockoutWindow <= 0 {
		c.LockoutWindow = DefaultLockoutWindow
	}
	if c.ReuseDelay <= 0 {
		c.ReuseDelay = DefaultReuseDelay
	}
	return c
}

// baseProvider implements the selection policy and accounting contract
// shared by every service's Provider. Concrete providers embed it and
// override UpdateRateLimits (and, rarely, the additionalLockout hook) for
// service-specific behavior.
type baseProvider struct {
	service string
	cfg     ProviderConfig

	mu   sync.RWMutex
	keys []*KeyRecord

	// additionalLockout lets a concrete provider tighten the "currently
	// locked out" predicate with service-specific signals (e.g. OpenAI's
	// header-derived remaining-request floor). nil means no extra check.
	additionalLockout func(*KeyRecord) bool
}

func newBaseProvider(service string, secrets []string, families []string, cfg ProviderConfig) *baseProvider {
	keys := make([]*KeyRecord, 0, len(secrets))
	for _, s := range secrets {
		keys = append(keys, newKeyRecord(service, s, families))
	}
	return &baseProvider{
		service: service,
		cfg:     cfg.withDefaults(),
		keys:    keys,
	}
}

func (p *baseProvider) Service() string { return p.service }

func (p *baseProvider) List() []PublicKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lo.Map(p.keys, func(k *KeyRecord, _ int) PublicKey { return k.snapshot() })
}

func (p *baseProvider) find(hash string) *KeyRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.keys {
		if k.Hash == hash {
			return k
		}
	}
	return nil
}

// lockedOut reports the "currently locked out" selection factor: recent
// rate-limit event, or a service-specific additional signal.
func (p *baseProvider) lockedOut(k *KeyRecord, now time.Time) bool {
	if k.lockedOutWithin(now, p.cfg.LockoutWindow) {
		return true
	}
	if p.additionalLockout != nil && p.additionalLockout(k) {
		return true
	}
	return false
}

// Get implements the three-tier comparator from spec §4.1: not-locked-out
// beats locked-out; among locked-out keys, earlier rateLimitedAt ranks
// higher; otherwise smaller lastUsed (LRU) ranks higher. Ties keep their
// original relative order.
func (p *baseProvider) Get(model string) (BoundKey, error) {
	now := time.Now()

	p.mu.RLock()
	eligible := lo.Filter(p.keys, func(k *KeyRecord, _ int) bool { return k.eligible(model) })
	p.mu.RUnlock()

	if len(eligible) == 0 {
		return BoundKey{}, ErrAllKeysExhausted
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		aLocked, bLocked := p.lockedOut(a, now), p.lockedOut(b, now)
		if aLocked != bLocked {
			return !aLocked
		}
		if aLocked {
			return a.rateLimitedAtBefore(b)
		}
		return a.lastUsedBefore(b)
	})

	chosen := eligible[0]
	chosen.markSelected(now, p.cfg.ReuseDelay)

	return BoundKey{Hash: chosen.Hash, Secret: chosen.Secret, Service: p.service}, nil
}

func (p *baseProvider) Disable(hash string) error {
	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	k.disable(false)
	return nil
}

func (p *baseProvider) Revoke(hash string) error {
	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	k.disable(true)
	return nil
}

func (p *baseProvider) Update(hash string, patch KeyPatch) error {
	k := p.find(hash)
	if k == nil {
		return ErrKeyNotFound
	}
	k.applyPatch(time.Now(), patch)
	return nil
}

func (p *baseProvider) Available() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, k := range p.keys {
		if !k.isDisabledNow() {
			n++
		}
	}
	return n
}

func (p *baseProvider) AnyUnchecked() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, k := range p.keys {
		if !k.isDisabledNow() && k.lastCheckedZero() {
			return true
		}
	}
	return false
}

func (p *baseProvider) IncrementPrompt(hash string) {
	if k := p.find(hash); k != nil {
		k.incrementPrompt()
	}
}

func (p *baseProvider) IncrementUsage(hash, family string, tokens int64) {
	if k := p.find(hash); k != nil {
		k.incrementUsage(family, tokens)
	}
}

func (p *baseProvider) MarkRateLimited(hash string, cooldown time.Duration) {
	if k := p.find(hash); k != nil {
		k.markRateLimited(time.Now(), cooldown)
	}
}

func (p *baseProvider) GetLockoutPeriod(model string) time.Duration {
	now := time.Now()

	p.mu.RLock()
	eligible := lo.Filter(p.keys, func(k *KeyRecord, _ int) bool { return k.eligible(model) })
	p.mu.RUnlock()

	if len(eligible) == 0 {
		return 0
	}

	min := time.Duration(-1)
	for _, k := range eligible {
		if k.usableNow(now) {
			return 0
		}
		d := k.untilUsable(now)
		if min < 0 || d < min {
			min = d
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

func (p *baseProvider) RemainingQuota() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.keys) == 0 {
		return 0
	}
	usable := 0
	now := time.Now()
	for _, k := range p.keys {
		if !k.isDisabledNow() && k.usableNow(now) {
			usable++
		}
	}
	return float64(usable) / float64(len(p.keys))
}

func (p *baseProvider) UsageInUSD() string { return "n/a" }

func (p *baseProvider) UpdateRateLimits(string, http.Header) {}

// rateLimitedAtBefore and lastUsedBefore give the comparator access to
// unexported timestamps without leaking KeyRecord's lock discipline.
func (k *KeyRecord) rateLimitedAtBefore(other *KeyRecord) bool {
	k.mu.RLock()
	a := k.rateLimitedAt
	k.mu.RUnlock()
	other.mu.RLock()
	b := other.rateLimitedAt
	other.mu.RUnlock()
	return a.Before(b)
}

func (k *KeyRecord) lastUsedBefore(other *KeyRecord) bool {
	k.mu.RLock()
	a := k.lastUsed
	k.mu.RUnlock()
	other.mu.RLock()
	b := other.lastUsed
	other.mu.RUnlock()
	return a.Before(b)
}
