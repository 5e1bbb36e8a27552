package keypool

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genSecretList generates five distinct dummy secrets.
func genSecretList() gopter.Gen {
	return gen.SliceOfN(5, gen.AlphaString()).Map(func(ss []string) []string {
		out := make([]string, 0, len(ss))
		seen := map[string]bool{}
		for i, s := range ss {
			key := s + string(rune('a'+i))
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key)
		}
		if len(out) == 0 {
			out = []string{"fallback-secret"}
		}
		return out
	})
}

// TestSelectionLaw_NeverReturnsDisabledKey verifies a disabled key is never
// selected, regardless of how favorable its timestamps are.
func TestSelectionLaw_NeverReturnsDisabledKey(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("disabled keys are never selected", prop.ForAll(
		func(secrets []string) bool {
			p := NewAnthropicProvider(secrets, []string{"claude-3"}, ProviderConfig{})
			list := p.List()

			disabledHash := list[0].Hash
			if err := p.Disable(disabledHash); err != nil {
				return false
			}

			for i := 0; i < len(list); i++ {
				bound, err := p.Get("claude-3")
				if err != nil {
					return len(list) == 1 // only the disabled key existed
				}
				if bound.Hash == disabledHash {
					return false
				}
			}
			return true
		},
		genSecretList(),
	))

	properties.TestingRun(t)
}

// TestSelectionLaw_PrefersUnlockedOverLocked verifies that whenever at
// least one eligible key is not currently locked out, Get never returns a
// locked-out one.
func TestSelectionLaw_PrefersUnlockedOverLocked(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("unlocked key always wins over locked-out key", prop.ForAll(
		func(secrets []string) bool {
			if len(secrets) < 2 {
				return true
			}
			p := NewAnthropicProvider(secrets, []string{"claude-3"}, ProviderConfig{LockoutWindow: time.Hour})
			list := p.List()

			lockedHash := list[0].Hash
			p.MarkRateLimited(lockedHash, time.Hour)

			bound, err := p.Get("claude-3")
			if err != nil {
				return false
			}
			return bound.Hash != lockedHash
		},
		genSecretList(),
	))

	properties.TestingRun(t)
}

// TestSelectionLaw_SelectionIsDeterministicGivenState verifies that two
// providers built from the same secrets, with no intervening mutation,
// select the same key.
func TestSelectionLaw_SelectionIsDeterministicGivenState(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("identical initial state selects the same key", prop.ForAll(
		func(secrets []string) bool {
			p1 := NewAnthropicProvider(secrets, []string{"claude-3"}, ProviderConfig{})
			p2 := NewAnthropicProvider(secrets, []string{"claude-3"}, ProviderConfig{})

			b1, err1 := p1.Get("claude-3")
			b2, err2 := p2.Get("claude-3")
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return b1.Hash == b2.Hash
		},
		genSecretList(),
	))

	properties.TestingRun(t)
}
