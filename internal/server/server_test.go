package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/dialect"
	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
	"github.com/keyrelay/keyrelay/internal/queue"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	anthropic := keypool.NewAnthropicProvider([]string{"sk-ant"}, []string{"claude-3"}, keypool.ProviderConfig{})
	pool := keypool.NewPool([]keypool.Provider{anthropic}, nil)

	return New(Config{
		Pool:         pool,
		Preprocessor: pipeline.NewPreprocessor(pool, nil),
		Queue:        queue.NewManager(pool, nil),
		Logger:       zerolog.Nop(),
		MaxBodyBytes: 1024,
	})
}

func TestHandler_HealthReportsAvailability(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"anthropic":1`)
}

func TestHandler_ModelsListsOnlyConfiguredServices(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "claude-3-5-sonnet")
	assert.NotContains(t, body, "gpt-4o", "openai was never configured on this pool")
}

func TestHandler_ProvidersReportsAvailableKeys(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"available_keys":1`)
}

func TestHandler_RequestIDIsGeneratedAndEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHandler_RequestIDPropagatesCallerSuppliedValue(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-ID"))
}

func TestCompletionHandler_MissingModelReturns400(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_request_error")
}

func TestCompletionHandler_EmptyBodyReturns400(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompletionHandler_UnknownModelFamilyReturns400(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"mystery-1","messages":[]}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMaxBodyBytesMiddleware_RejectsOversizedBody(t *testing.T) {
	oversized := strings.Repeat("a", 2048)
	var readErr error
	handler := maxBodyBytesMiddleware(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(oversized))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Error(t, readErr)
}

func TestMaxBodyBytesMiddleware_DisabledWhenLimitIsZero(t *testing.T) {
	body := strings.Repeat("a", 2048)
	var readErr error
	handler := maxBodyBytesMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NoError(t, readErr)
}

func TestWriteQueueError_NoKeysAvailableReturns503(t *testing.T) {
	rec := httptest.NewRecorder()
	writeQueueError(rec, queue.ErrNoKeysAvailable)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWriteQueueError_CanceledContextWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	writeQueueError(rec, context.Canceled)
	assert.Zero(t, rec.Body.Len())
}

func TestDispatch_CanceledContextReturnsWithoutPanic(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	s.dispatch(rec, req, mustPreQueue(t, s))

	assert.Zero(t, rec.Body.Len())
}

func mustPreQueue(t *testing.T, s *Server) *pipeline.RequestContext {
	t.Helper()
	rc, err := s.preprocessor.PreQueue(dialect.AnthropicMessages, []byte(`{"model":"claude-3-opus","messages":[]}`))
	require.NoError(t, err)
	return rc
}
