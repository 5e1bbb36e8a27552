// Package keychecker runs periodic background capability probes against
// pooled keys, feeding results back into a keypool.Provider so selection
// always has a recent picture of what each key can actually do.
//
// One Checker is created per service. It never gates request-path
// availability directly: outcomes flow through Provider.Update/Revoke,
// and the selection policy in internal/keypool reacts to the updated
// records on the next Get.
package keychecker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/keyrelay/keyrelay/internal/keypool"
)

// Outcome classifies a single key probe result.
type Outcome int

const (
	// OutcomeOK means the key is usable; ProbeResult carries its current
	// capability set.
	OutcomeOK Outcome = iota
	// OutcomeAuthFailure means upstream rejected the credential itself
	// (401/403-equivalent). Terminal: the key is revoked immediately.
	OutcomeAuthFailure
	// OutcomeQuotaFailure means upstream reports the account has no
	// remaining billing quota. Terminal: the key is revoked immediately.
	OutcomeQuotaFailure
	// OutcomeTransient means the probe failed for a reason unrelated to
	// the key's validity (network error, 5xx, timeout). Non-terminal:
	// backed off via a per-key circuit breaker, never disables the key.
	OutcomeTransient
)

// ProbeResult is what a Prober reports for one key.
type ProbeResult struct {
	Outcome       Outcome
	ModelFamilies []string // populated on OutcomeOK
	ModelIDs      []string // Google-AI raw model listing, optional
	Tier          *string  // Anthropic trial/paid, optional
	Err           error    // non-nil for any non-OK outcome
}

// Prober performs the actual upstream capability check for one key. It is
// the external collaborator a concrete backend implements; keychecker only
// orchestrates scheduling and feedback.
type Prober interface {
	Probe(ctx context.Context, key keypool.BoundKey) ProbeResult
}

// Config tunes a Checker's schedule and breaker.
type Config struct {
	// Interval between check sweeps. Defaults to 60s.
	Interval time.Duration
	// BreakerFailureThreshold is consecutive transient failures before a
	// key's breaker opens and probing backs off. Defaults to 3.
	BreakerFailureThreshold uint32
	// BreakerOpenDuration is how long a tripped breaker stays open before
	// allowing a half-open probe. Defaults to 2m.
	BreakerOpenDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 3
	}
	if c.BreakerOpenDuration <= 0 {
		c.BreakerOpenDuration = 2 * time.Minute
	}
	return c
}

// Checker runs periodic probes for every key owned by one provider.
type Checker struct {
	service  string
	provider keypool.Provider
	prober   Prober
	cfg      Config
	logger   *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]
}

// NewChecker builds a Checker for service, probing keys via prober and
// reporting into provider.
func NewChecker(service string, provider keypool.Provider, prober Prober, cfg Config, logger *zerolog.Logger) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		service:  service,
		provider: provider,
		prober:   prober,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker[struct{}]),
	}
}

// Start begins the periodic probe loop. Safe to call once; call Stop to
// terminate it.
func (c *Checker) Start() {
	jitter := cryptoRandDuration(2 * time.Second)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.cfg.Interval + jitter)
		defer ticker.Stop()

		if c.logger != nil {
			c.logger.Info().
				Str("service", c.service).
				Dur("interval", c.cfg.Interval).
				Msg("key checker started")
		}

		// Probe immediately on start so freshly configured keys don't sit
		// unchecked for a full interval.
		c.sweep()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Checker) sweep() {
	for _, key := range c.provider.List() {
		if key.IsDisabled {
			continue
		}
		c.probeOne(key.Hash)
	}
}

func (c *Checker) probeOne(hash string) {
	breaker := c.breakerFor(hash)

	done, err := breaker.Allow()
	if err != nil {
		// Breaker open: skip this cycle, let the backoff run its course.
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	result := c.prober.Probe(ctx, keypool.BoundKey{Hash: hash, Service: c.service})
	cancel()

	switch result.Outcome {
	case OutcomeOK:
		done(nil)
		if err := c.provider.Update(hash, keypool.KeyPatch{
			ModelFamilies: result.ModelFamilies,
			ModelIDs:      result.ModelIDs,
			Tier:          result.Tier,
		}); err != nil && c.logger != nil {
			c.logger.Warn().Str("service", c.service).Str("hash", hash).Err(err).Msg("key checker update failed")
		}

	case OutcomeAuthFailure, OutcomeQuotaFailure:
		done(result.Err)
		if err := c.provider.Revoke(hash); err != nil && c.logger != nil {
			c.logger.Warn().Str("service", c.service).Str("hash", hash).Err(err).Msg("key checker revoke failed")
		}
		if c.logger != nil {
			c.logger.Warn().
				Str("service", c.service).
				Str("hash", hash).
				Bool("quota", result.Outcome == OutcomeQuotaFailure).
				Msg("key revoked: terminal probe failure")
		}

	case OutcomeTransient:
		done(result.Err)
		// No disable: bump lastChecked only, so AnyUnchecked's stall
		// guard doesn't treat a flaky-but-unprobed key as forever new.
		if err := c.provider.Update(hash, keypool.KeyPatch{}); err != nil && c.logger != nil {
			c.logger.Debug().Str("service", c.service).Str("hash", hash).Err(err).Msg("key checker transient update failed")
		}
	}
}

func (c *Checker) breakerFor(hash string) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[hash]; ok {
		return b
	}

	threshold := c.cfg.BreakerFailureThreshold
	settings := gobreaker.Settings{
		Name:        c.service + ":" + hash,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerOpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if c.logger != nil {
		logger := c.logger
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("key checker breaker state change")
		}
	}

	b := gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)
	c.breakers[hash] = b
	return b
}

func cryptoRandDuration(maxDur time.Duration) time.Duration {
	if maxDur <= 0 {
		return 0
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0
	}
	n := binary.LittleEndian.Uint64(buf[:])
	return time.Duration(n % uint64(maxDur)) //nolint:gosec // maxDur positive, bounded
}
