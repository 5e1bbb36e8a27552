// Package keypool manages pools of upstream credentials ("keys") for a
// generative-AI service family (OpenAI-compatible, Anthropic, Google-AI, ...).
//
// A Provider owns a set of KeyRecords for one service, exposes selection
// under a least-recently-used-with-lockout policy, and accepts feedback
// (rate limit hits, revocation, usage accounting) from the request
// pipeline. A Pool aggregates providers and routes calls to the one that
// owns the target service.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// KeyRecord tracks per-credential state for one upstream secret.
// Identity fields are set once at construction; the rest mutate over the
// key's lifetime under the record's own lock (mu). All methods are safe
// for concurrent use.
type KeyRecord struct {
	// Identity (immutable)
	Hash    string // public handle, stable fingerprint of Secret
	Secret  string // never serialized outward
	Service string

	mu sync.RWMutex

	// Mutable state, guarded by mu
	isDisabled       bool
	isRevoked        bool
	modelFamilies    map[string]struct{}
	lastUsed         time.Time
	lastChecked      time.Time
	promptCount      int
	rateLimitedAt    time.Time
	rateLimitedUntil time.Time
	familyTokens     map[string]int64

	// Service-specific extensions. At most one of these is populated,
	// matching Service.
	OpenAI    OpenAIExtension
	Anthropic AnthropicExtension
	Google    GoogleExtension
}

// OpenAIExtension carries header-derived rate limit hints harvested from
// OpenAI-compatible response headers (x-ratelimit-*).
type OpenAIExtension struct {
	RemainingRequests int
	RemainingTokens   int
	ResetRequests     time.Time
	ResetTokens       time.Time
}

// AnthropicExtension carries Anthropic-specific account metadata.
type AnthropicExtension struct {
	Tier string // "trial" or "paid"
}

// GoogleExtension carries Google-AI-specific diagnostic data.
type GoogleExtension struct {
	ModelIDs []string // raw upstream model listing
}

// hashSecret derives a stable public fingerprint for a secret. Not a
// security boundary: collisions would only mis-identify a key for
// logging/selection, never grant access, since the secret itself is never
// derived from the hash.
func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}

// newKeyRecord creates a record for secret with the given capability set.
func newKeyRecord(service, secret string, families []string) *KeyRecord {
	set := make(map[string]struct{}, len(families))
	for _, f := range families {
		set[f] = struct{}{}
	}
	return &KeyRecord{
		Hash:          hashSecret(secret),
		Secret:        secret,
		Service:       service,
		modelFamilies: set,
		familyTokens:  make(map[string]int64),
	}
}

// PublicKey is the redacted view of a KeyRecord returned by List().
type PublicKey struct {
	Hash             string
	Service          string
	IsDisabled       bool
	IsRevoked        bool
	ModelFamilies    []string
	LastUsed         time.Time
	LastChecked      time.Time
	PromptCount      int
	RateLimitedAt    time.Time
	RateLimitedUntil time.Time
}

// snapshot returns a redacted view of the record under a read lock.
func (k *KeyRecord) snapshot() PublicKey {
	k.mu.RLock()
	defer k.mu.RUnlock()

	families := make([]string, 0, len(k.modelFamilies))
	for f := range k.modelFamilies {
		families = append(families, f)
	}

	return PublicKey{
		Hash:             k.Hash,
		Service:          k.Service,
		IsDisabled:       k.isDisabled,
		IsRevoked:        k.isRevoked,
		ModelFamilies:    families,
		LastUsed:         k.lastUsed,
		LastChecked:      k.lastChecked,
		PromptCount:      k.promptCount,
		RateLimitedAt:    k.rateLimitedAt,
		RateLimitedUntil: k.rateLimitedUntil,
	}
}

// hasFamily reports whether the key advertises a family prefix that model
// matches (e.g. family "gpt-" serves model "gpt-4o").
func (k *KeyRecord) hasFamily(model string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return matchesAnyFamily(model, k.modelFamilies)
}

// eligible reports whether the key can be selected for model at all: not
// disabled and advertising a family prefix model matches (invariant (v)
// from spec §3).
func (k *KeyRecord) eligible(model string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.isDisabled || len(k.modelFamilies) == 0 {
		return false
	}
	return matchesAnyFamily(model, k.modelFamilies)
}

// matchesAnyFamily reports whether model starts with any of families'
// prefixes. Families are seeded as prefixes ("gpt-", "claude-", ...), not
// exact model names, so membership is a prefix match rather than a map
// lookup on the model string itself.
func matchesAnyFamily(model string, families map[string]struct{}) bool {
	for family := range families {
		if strings.HasPrefix(model, family) {
			return true
		}
	}
	return false
}

// isDisabledNow reports the disabled flag.
func (k *KeyRecord) isDisabledNow() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.isDisabled
}

// markSelected records a dispatch: lastUsed advances and the reuse
// throttle tightens rateLimitedUntil so a burst cannot pin one key
// before upstream feedback arrives.
func (k *KeyRecord) markSelected(now time.Time, reuseDelay time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastUsed = now
	until := now.Add(reuseDelay)
	if until.After(k.rateLimitedUntil) {
		k.rateLimitedUntil = until
	}
}

// markRateLimited records a 429 event and arms a lockout window.
func (k *KeyRecord) markRateLimited(now time.Time, cooldown time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rateLimitedAt = now
	until := now.Add(cooldown)
	if until.After(k.rateLimitedUntil) {
		k.rateLimitedUntil = until
	}
}

// lockedOutWithin reports whether the key is "currently locked out" per
// the selection policy's recency window.
func (k *KeyRecord) lockedOutWithin(now time.Time, window time.Duration) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.rateLimitedAt.IsZero() {
		return false
	}
	return now.Sub(k.rateLimitedAt) < window
}

// usableNow reports whether rateLimitedUntil has passed.
func (k *KeyRecord) usableNow(now time.Time) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return !now.Before(k.rateLimitedUntil) || k.rateLimitedUntil.IsZero()
}

// untilUsable returns the remaining lockout duration, 0 if already usable.
func (k *KeyRecord) untilUsable(now time.Time) time.Duration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.rateLimitedUntil.IsZero() || !now.Before(k.rateLimitedUntil) {
		return 0
	}
	return k.rateLimitedUntil.Sub(now)
}

// disable sets the disabled flag, optionally marking the key revoked.
// Idempotent: disabling an already-disabled key is a no-op beyond the flag.
func (k *KeyRecord) disable(revoked bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.isDisabled = true
	if revoked {
		k.isRevoked = true
	}
}

// applyPatch merges checker/accounting updates. lastChecked always
// advances to now; other fields only change when present in the patch.
func (k *KeyRecord) applyPatch(now time.Time, patch KeyPatch) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.lastChecked = now

	if patch.ModelFamilies != nil {
		set := make(map[string]struct{}, len(patch.ModelFamilies))
		for _, f := range patch.ModelFamilies {
			set[f] = struct{}{}
		}
		k.modelFamilies = set
	}
	if patch.ModelIDs != nil {
		k.Google.ModelIDs = patch.ModelIDs
	}
	if patch.Tier != nil {
		k.Anthropic.Tier = *patch.Tier
	}
	if patch.Disable != nil && *patch.Disable {
		k.isDisabled = true
	}
	if patch.Revoke != nil && *patch.Revoke {
		k.isRevoked = true
		k.isDisabled = true // invariant (iii): isRevoked ⇒ isDisabled
	}
}

// incrementPrompt bumps the request counter.
func (k *KeyRecord) incrementPrompt() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.promptCount++
}

// incrementUsage adds tokens to a per-family counter.
func (k *KeyRecord) incrementUsage(family string, tokens int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.familyTokens[family] += tokens
}

// lastCheckedZero reports whether the key has never been probed.
func (k *KeyRecord) lastCheckedZero() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.lastChecked.IsZero()
}

// KeyPatch is a partial update merged into a KeyRecord by Provider.Update.
// Nil fields are left unchanged.
type KeyPatch struct {
	// ModelFamilies replaces the capability set when non-nil.
	ModelFamilies []string
	// ModelIDs replaces the raw Google model listing when non-nil.
	ModelIDs []string
	// Tier sets the Anthropic trial/paid flag when non-nil.
	Tier *string
	// Disable sets isDisabled when non-nil and true.
	Disable *bool
	// Revoke sets isRevoked (and isDisabled, per invariant) when non-nil and true.
	Revoke *bool
}
