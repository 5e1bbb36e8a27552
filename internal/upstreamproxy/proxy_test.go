package upstreamproxy

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/backend"
	"github.com/keyrelay/keyrelay/internal/dialect"
	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
)

func newTestAnthropicPool() (*keypool.Pool, keypool.Provider) {
	provider := keypool.NewAnthropicProvider([]string{"sk-ant-a"}, []string{"claude-3"}, keypool.ProviderConfig{})
	pool := keypool.NewPool([]keypool.Provider{provider}, nil)
	return pool, provider
}

// newTestAnthropicPoolN builds a pool with n distinct keys, all serving
// "claude-3", for exercising failover across more than one credential.
func newTestAnthropicPoolN(n int) (*keypool.Pool, keypool.Provider) {
	secrets := make([]string, n)
	for i := range secrets {
		secrets[i] = fmt.Sprintf("sk-ant-%d", i)
	}
	provider := keypool.NewAnthropicProvider(secrets, []string{"claude-3"}, keypool.ProviderConfig{})
	pool := keypool.NewPool([]keypool.Provider{provider}, nil)
	return pool, provider
}

func newRetryRequestContext(key keypool.BoundKey) *pipeline.RequestContext {
	rc := &pipeline.RequestContext{
		RequestID:     "r1",
		Model:         "claude-3-opus",
		Service:       "anthropic",
		ClientDialect: dialect.AnthropicMessages,
		Body:          []byte(`{"model":"claude-3-opus"}`),
	}
	rc.FinalizeAuth(key)
	return rc
}

func TestRewrite_SetsTargetAndAuth(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)

	desc, ok := backend.Lookup("anthropic")
	require.True(t, ok)

	sp, err := newServiceProxy("anthropic", desc, pool, nil)
	require.NoError(t, err)

	rc := &pipeline.RequestContext{
		RequestID:     "r1",
		Model:         "claude-3-opus",
		Service:       "anthropic",
		ClientDialect: dialect.AnthropicMessages,
		Body:          []byte(`{"model":"claude-3-opus"}`),
	}
	rc.FinalizeAuth(key)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req = req.WithContext(contextWithRC(req, rc))

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant-a", r.Header.Get("x-api-key"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	sp.targetURL = mustParseURL(t, upstream.URL)

	rec := httptest.NewRecorder()
	sp.handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestModifyResponse_TooManyRequestsMarksCooldown(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)

	desc, _ := backend.Lookup("anthropic")
	sp, err := newServiceProxy("anthropic", desc, pool, nil)
	require.NoError(t, err)

	rc := &pipeline.RequestContext{RequestID: "r1", Model: "claude-3-opus", Service: "anthropic", ClientDialect: dialect.AnthropicMessages}
	rc.FinalizeAuth(key)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"too many"}}`))
	}))
	defer upstream.Close()
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req = req.WithContext(contextWithRC(req, rc))

	rec := httptest.NewRecorder()
	sp.handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	period := provider.GetLockoutPeriod("claude-3")
	assert.Greater(t, period, time.Duration(0))
}

func TestModifyResponse_OverloadedDoesNotApplyLongCooldown(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)

	desc, _ := backend.Lookup("anthropic")
	sp, err := newServiceProxy("anthropic", desc, pool, nil)
	require.NoError(t, err)

	rc := &pipeline.RequestContext{RequestID: "r1", Model: "claude-3-opus", Service: "anthropic", ClientDialect: dialect.AnthropicMessages}
	rc.FinalizeAuth(key)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
	}))
	defer upstream.Close()
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req = req.WithContext(contextWithRC(req, rc))

	rec := httptest.NewRecorder()
	sp.handler().ServeHTTP(rec, req)

	period := provider.GetLockoutPeriod("claude-3")
	assert.LessOrEqual(t, period, overloadedCooldown+time.Second)
}

func TestModifyResponse_UnauthorizedRevokesKey(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)

	desc, _ := backend.Lookup("anthropic")
	sp, err := newServiceProxy("anthropic", desc, pool, nil)
	require.NoError(t, err)

	rc := &pipeline.RequestContext{RequestID: "r1", Model: "claude-3-opus", Service: "anthropic", ClientDialect: dialect.AnthropicMessages}
	rc.FinalizeAuth(key)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req = req.WithContext(contextWithRC(req, rc))

	rec := httptest.NewRecorder()
	sp.handler().ServeHTTP(rec, req)

	_, err = provider.Get("claude-3")
	assert.ErrorIs(t, err, keypool.ErrAllKeysExhausted)
}

func TestDispatcher_Dispatch_RoutesUnknownServiceError(t *testing.T) {
	pool, _ := newTestAnthropicPool()
	d := NewDispatcher(pool, nil)

	rc := &pipeline.RequestContext{RequestID: "r1", Model: "gpt-4", Service: "openai"}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	err := d.Dispatch(rec, req, rc)
	assert.Error(t, err)
}

func TestDispatch_UnauthorizedFailsOverToAnotherKey(t *testing.T) {
	pool, provider := newTestAnthropicPoolN(2)
	key, err := provider.Get("claude-3")
	require.NoError(t, err)
	rc := newRetryRequestContext(key)

	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	d := NewDispatcher(pool, nil)
	sp, err := d.serviceProxyFor("anthropic")
	require.NoError(t, err)
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, d.Dispatch(rec, req, rc))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDispatch_BillingRateLimitFailsOverToAnotherKey(t *testing.T) {
	pool, provider := newTestAnthropicPoolN(2)
	key, err := provider.Get("claude-3")
	require.NoError(t, err)
	rc := newRetryRequestContext(key)

	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"insufficient_quota","message":"out of credit"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	d := NewDispatcher(pool, nil)
	sp, err := d.serviceProxyFor("anthropic")
	require.NoError(t, err)
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, d.Dispatch(rec, req, rc))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	// The first key was revoked, not merely cooled down.
	_, err = provider.Get("claude-3")
	require.NoError(t, err) // the second key remains eligible
}

func TestDispatch_PlainRateLimitRetriesBoundedThenPropagates(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)
	rc := newRetryRequestContext(key)

	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer upstream.Close()

	d := NewDispatcher(pool, nil)
	sp, err := d.serviceProxyFor("anthropic")
	require.NoError(t, err)
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, d.Dispatch(rec, req, rc))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.EqualValues(t, DefaultRateLimitRetries+1, atomic.LoadInt32(&calls))
}

func TestDispatch_ServerErrorRetriesOnceThenSucceeds(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)
	rc := newRetryRequestContext(key)

	var calls int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	d := NewDispatcher(pool, nil)
	sp, err := d.serviceProxyFor("anthropic")
	require.NoError(t, err)
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, d.Dispatch(rec, req, rc))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDispatch_UnauthorizedWithNoOtherKeyPropagates503(t *testing.T) {
	pool, provider := newTestAnthropicPool()
	key, err := provider.Get("claude-3")
	require.NoError(t, err)
	rc := newRetryRequestContext(key)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer upstream.Close()

	d := NewDispatcher(pool, nil)
	sp, err := d.serviceProxyFor("anthropic")
	require.NoError(t, err)
	sp.targetURL = mustParseURL(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, d.Dispatch(rec, req, rc))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
