// Package queue holds requests that cannot yet be dispatched because
// their service's keys are all locked out, and releases them in FIFO
// order as capacity frees up. It never reorders by priority or reshuffles
// around a stalled head-of-line request other than to drop one whose
// context has already been canceled.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
)

// ErrNoKeysAvailable is the terminal error for a request whose service has
// no eligible keys at all (none enabled, or none ever likely to recover:
// no lockout period reported and no unchecked key that might still turn
// eligible).
var ErrNoKeysAvailable = errors.New("queue: no keys available for requested service")

// StallGraceDefault is how long a request keeps waiting when its
// provider reports zero eligible keys usable now but also reports at
// least one key that has never completed a capability probe — the probe
// might still make it eligible any moment, so a request arriving just
// after startup shouldn't fail immediately.
const StallGraceDefault = 10 * time.Second

// MaxWaitDefault caps how long any single wait step blocks, so the loop
// keeps re-evaluating lockout state instead of oversleeping past a
// provider update.
const MaxWaitDefault = 30 * time.Second

// Result is delivered to a caller once their request reaches the front of
// the queue and either gets a key or fails terminally.
type Result struct {
	Key keypool.BoundKey
	Err error
}

type item struct {
	ctx    context.Context
	rc     *pipeline.RequestContext
	result chan Result
}

// Queue is a single service's FIFO wait line.
type Queue struct {
	service string
	pool    *keypool.Pool
	logger  *zerolog.Logger

	stallGrace time.Duration
	maxWait    time.Duration

	mu      sync.Mutex
	items   []*item
	wake    chan struct{}
	closeCh chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New builds a Queue for service over pool. Call Start to begin serving
// it and Stop to drain and terminate.
func New(service string, pool *keypool.Pool, logger *zerolog.Logger) *Queue {
	return &Queue{
		service:    service,
		pool:       pool,
		logger:     logger,
		stallGrace: StallGraceDefault,
		maxWait:    MaxWaitDefault,
		wake:       make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop in the background.
func (q *Queue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run()
	}()
}

// Stop signals the loop to exit and waits for it, failing any items still
// waiting with context.Canceled.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.closeCh)
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range pending {
		it.result <- Result{Err: context.Canceled}
	}

	q.wg.Wait()
}

// Submit enqueues rc and returns a channel that receives exactly one
// Result once the request is dispatched or fails terminally.
func (q *Queue) Submit(ctx context.Context, rc *pipeline.RequestContext) <-chan Result {
	it := &item{ctx: ctx, rc: rc, result: make(chan Result, 1)}

	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()

	q.signal()
	return it.result
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) front() (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

func (q *Queue) popFront() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		q.items = q.items[1:]
	}
}

func (q *Queue) run() {
	for {
		it, ok := q.front()
		if !ok {
			select {
			case <-q.closeCh:
				return
			case <-q.wake:
				continue
			}
		}

		if it.ctx.Err() != nil {
			q.popFront()
			it.result <- Result{Err: it.ctx.Err()}
			continue
		}

		provider, err := q.pool.Provider(q.service)
		if err != nil {
			q.popFront()
			it.result <- Result{Err: err}
			continue
		}

		// Hold the request while every eligible key is inside its lockout
		// window; waitFor below then reports how long that lasts.
		bound, err := keypool.BoundKey{}, keypool.ErrAllKeysExhausted
		if provider.GetLockoutPeriod(it.rc.Model) <= 0 {
			bound, err = provider.Get(it.rc.Model)
		}
		if err == nil {
			q.popFront()
			it.result <- Result{Key: bound}
			continue
		}
		if !errors.Is(err, keypool.ErrAllKeysExhausted) {
			q.popFront()
			it.result <- Result{Err: err}
			continue
		}

		wait := q.waitFor(provider, it.rc.Model)
		if wait <= 0 {
			q.popFront()
			it.result <- Result{Err: ErrNoKeysAvailable}
			continue
		}
		if wait > q.maxWait {
			wait = q.maxWait
		}

		if q.logger != nil {
			q.logger.Debug().
				Str("service", q.service).
				Str("request_id", it.rc.RequestID).
				Dur("wait", wait).
				Msg("queue waiting for key lockout to clear")
		}

		timer := time.NewTimer(wait)
		select {
		case <-it.ctx.Done():
			timer.Stop()
			q.popFront()
			it.result <- Result{Err: it.ctx.Err()}
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		case <-q.closeCh:
			timer.Stop()
			return
		}
	}
}

// waitFor reports how long to wait before the next attempt: the
// provider's lockout period if positive, the stall grace period if no
// key is usable but at least one is still unchecked, or -1 if the
// request cannot possibly succeed (no eligible keys, none pending probe).
func (q *Queue) waitFor(provider keypool.Provider, model string) time.Duration {
	period := provider.GetLockoutPeriod(model)
	if period > 0 {
		return period
	}
	if provider.AnyUnchecked() {
		return q.stallGrace
	}
	return -1
}

// Len reports the current queue depth, for operator visibility.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
