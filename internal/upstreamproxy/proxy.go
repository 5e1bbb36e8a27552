// Package upstreamproxy dispatches a queued, key-bound request to its
// backend service over a per-service reverse proxy, and feeds signals
// extracted from the upstream response (rate limits, auth failures,
// usage) back into the key pool.
package upstreamproxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keyrelay/keyrelay/internal/backend"
	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
)

type contextKey string

const (
	requestContextKey    contextKey = "upstreamproxy.requestContext"
	retryStateContextKey contextKey = "upstreamproxy.retryState"
)

// Dispatcher owns one reverse proxy per service and routes a bound
// request to its owning service's proxy.
type Dispatcher struct {
	pool   *keypool.Pool
	logger *zerolog.Logger

	mu      sync.RWMutex
	proxies map[string]*serviceProxy
}

// NewDispatcher builds a Dispatcher over pool. Proxies are created lazily
// per service on first dispatch.
func NewDispatcher(pool *keypool.Pool, logger *zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		logger:  logger,
		proxies: make(map[string]*serviceProxy),
	}
}

// Dispatch proxies r to rc.Service's backend, authenticated with rc.Key,
// and streams the response (translated to the client's dialect if it
// differs from the backend's native one) to w. A failed attempt that
// still has retry budget (spec §4.6/§7: non-billing 401/403 or billing
// 403/429 → another key, non-billing 429 → bounded retry, 5xx → retry
// once) is retried against a freshly selected key before anything is
// written to w; only the attempt that finally succeeds, or the one that
// exhausts its budget, commits a response to the client.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext) error {
	sp, err := d.serviceProxyFor(rc.Service)
	if err != nil {
		return err
	}

	provider, err := d.pool.Provider(rc.Service)
	if err != nil {
		return err
	}

	return sp.dispatchWithRetry(w, r, rc, provider)
}

// dispatchWithRetry drives the bounded retry/failover loop for one
// client request. Each attempt runs through the full ReverseProxy
// pipeline (Rewrite, RoundTrip, ModifyResponse); a retryable outcome
// never reaches w (see modifyResponse and handleError), so retrying just
// means looping with a newly selected key.
func (sp *serviceProxy) dispatchWithRetry(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext, provider keypool.Provider) error {
	rs := &retryState{}

	for {
		rs.totalAttempts++
		provider.IncrementPrompt(rc.Key.Hash)

		rs.retryRequested = false
		ctx := context.WithValue(r.Context(), requestContextKey, rc)
		ctx = context.WithValue(ctx, retryStateContextKey, rs)
		sp.reverse.ServeHTTP(w, r.WithContext(ctx))

		if !rs.retryRequested {
			return nil
		}

		key, err := provider.Get(rc.Model)
		if err != nil {
			writeErrorJSON(w, http.StatusServiceUnavailable, "overloaded_error", "no keys available for the requested service")
			return nil
		}
		rc.FinalizeAuth(key)
	}
}

func (d *Dispatcher) serviceProxyFor(service string) (*serviceProxy, error) {
	d.mu.RLock()
	sp, ok := d.proxies[service]
	d.mu.RUnlock()
	if ok {
		return sp, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if sp, ok := d.proxies[service]; ok {
		return sp, nil
	}

	desc, ok := backend.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("upstreamproxy: no backend descriptor for service %q", service)
	}
	sp, err := newServiceProxy(service, desc, d.pool, d.logger)
	if err != nil {
		return nil, err
	}
	d.proxies[service] = sp
	return sp, nil
}

// serviceProxy bundles one service's backend descriptor with the
// httputil.ReverseProxy that dispatches to it.
type serviceProxy struct {
	service    string
	descriptor backend.Descriptor
	targetURL  *url.URL
	pool       *keypool.Pool
	logger     *zerolog.Logger
	reverse    *httputil.ReverseProxy
}

func newServiceProxy(service string, desc backend.Descriptor, pool *keypool.Pool, logger *zerolog.Logger) (*serviceProxy, error) {
	target, err := url.Parse(desc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstreamproxy: invalid base URL %q for service %q: %w", desc.BaseURL, service, err)
	}

	sp := &serviceProxy{
		service:    service,
		descriptor: desc,
		targetURL:  target,
		pool:       pool,
		logger:     logger,
	}

	sp.reverse = &httputil.ReverseProxy{
		Rewrite:        sp.rewrite,
		FlushInterval:  -1, // immediate flush for SSE
		ModifyResponse: sp.modifyResponse,
		ErrorHandler:   sp.handleError,
	}

	return sp, nil
}

func (sp *serviceProxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(sp.targetURL)
	pr.SetXForwarded()

	rc, _ := pr.Out.Context().Value(requestContextKey).(*pipeline.RequestContext)
	if rc == nil {
		return
	}

	sp.descriptor.Authenticate(pr.Out, rc.Key.Secret)

	forward := sp.descriptor.ForwardHeaders(pr.In.Header)
	for k, v := range forward {
		pr.Out.Header[k] = v
	}

	pr.Out.Body = httpBody(rc.Body)
	pr.Out.ContentLength = int64(len(rc.Body))
}

func (sp *serviceProxy) handleError(w http.ResponseWriter, _ *http.Request, err error) {
	if errors.Is(err, errRetryRequested) {
		// modifyResponse already recorded the signal and armed a retry;
		// nothing has been written to w, and dispatchWithRetry's loop
		// will make the next attempt. Writing anything here would
		// commit a response the caller never intended to keep.
		return
	}
	if sp.logger != nil {
		sp.logger.Error().Err(err).Str("service", sp.service).Msg("upstream connection failed")
	}
	writeErrorJSON(w, http.StatusBadGateway, "api_error", "upstream connection failed")
}

// handler exposes the reverse proxy as an http.Handler, used by tests
// that want to call ServeHTTP directly against a recorder.
func (sp *serviceProxy) handler() http.Handler { return sp.reverse }
