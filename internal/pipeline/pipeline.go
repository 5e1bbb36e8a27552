// Package pipeline prepares an inbound request for queuing and, once a
// key has been assigned, finalizes it for dispatch. Work is split across
// that boundary deliberately: validation, token estimation, and dialect
// translation happen once, before a request ever waits in line; stamping
// credentials and finalizing the body happen only after a key is in
// hand, so a request that waits a long time in queue doesn't carry a
// stale auth header into dispatch.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/keyrelay/keyrelay/internal/backend"
	"github.com/keyrelay/keyrelay/internal/dialect"
	"github.com/keyrelay/keyrelay/internal/keypool"
)

// Errors returned while preparing a request.
var (
	ErrMissingModel = errors.New("pipeline: request body has no model field")
	ErrEmptyBody    = errors.New("pipeline: request body is empty")
)

// TokenEstimator is the external oracle for estimating a request's token
// footprint before any upstream call is made. The pipeline treats
// tokenization as a pluggable collaborator, not something it computes
// authoritatively — exact counts come from upstream usage fields after
// the fact.
type TokenEstimator interface {
	EstimateTokens(body []byte) int
}

// ByteRatioEstimator is a simple, dependency-free estimator: roughly one
// token per four bytes of UTF-8 text, which is the commonly cited
// rule-of-thumb across these providers' own docs. This is the one
// deliberately stdlib-only piece of the pipeline — real tokenizers are
// model-specific (tiktoken-style BPE tables per model family) and
// pulling one in would only be accurate for whichever service happened
// to match, which defeats the point of a pool that spans three of them.
type ByteRatioEstimator struct{}

// EstimateTokens implements TokenEstimator.
func (ByteRatioEstimator) EstimateTokens(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	return len(body)/4 + 1
}

// RequestContext carries one request's state between pipeline, queue, and
// upstream dispatch.
type RequestContext struct {
	RequestID       string
	Model           string
	Service         string
	ClientDialect   dialect.Dialect
	Body            []byte
	EstimatedTokens int
	ReceivedAt      time.Time
	Stream          bool

	// Key is populated by FinalizeAuth once the queue hands back a bound
	// credential.
	Key keypool.BoundKey
}

// Preprocessor validates, estimates, and translates inbound requests, and
// later stamps authentication once a key is assigned.
type Preprocessor struct {
	pool      *keypool.Pool
	estimator TokenEstimator
}

// NewPreprocessor builds a Preprocessor over pool. A nil estimator falls
// back to ByteRatioEstimator.
func NewPreprocessor(pool *keypool.Pool, estimator TokenEstimator) *Preprocessor {
	if estimator == nil {
		estimator = ByteRatioEstimator{}
	}
	return &Preprocessor{pool: pool, estimator: estimator}
}

// PreQueue runs the validate → estimate → translate steps that happen
// once, before a request is queued. A request that fails here never
// occupies a queue slot.
func (p *Preprocessor) PreQueue(clientDialect dialect.Dialect, rawBody []byte) (*RequestContext, error) {
	if len(rawBody) == 0 {
		return nil, ErrEmptyBody
	}

	model := gjson.GetBytes(rawBody, "model").String()
	if model == "" {
		return nil, ErrMissingModel
	}

	service, err := p.pool.ServiceForModel(model)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	translated, err := dialect.TranslateRequest(clientDialect, service, rawBody)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &RequestContext{
		RequestID:       uuid.NewString(),
		Model:           model,
		Service:         service,
		ClientDialect:   clientDialect,
		Body:            translated,
		EstimatedTokens: p.estimator.EstimateTokens(rawBody),
		ReceivedAt:      time.Now(),
		Stream:          gjson.GetBytes(rawBody, "stream").Bool(),
	}, nil
}

// FinalizeAuth stamps a dequeued request with its assigned key. The body
// is not modified; the upstream proxy applies the service's
// authentication scheme when it builds the outbound request.
func (rc *RequestContext) FinalizeAuth(key keypool.BoundKey) {
	rc.Key = key
}

// BackendDescriptor resolves rc.Service to its transport descriptor. A
// request that reached FinalizeAuth always names a known service, since
// PreQueue already validated it via the pool.
func (rc *RequestContext) BackendDescriptor() (backend.Descriptor, bool) {
	return backend.Lookup(rc.Service)
}
