package upstreamproxy

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/keyrelay/keyrelay/internal/pipeline"
)

func contextWithRC(r *http.Request, rc *pipeline.RequestContext) context.Context {
	return context.WithValue(r.Context(), requestContextKey, rc)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}
