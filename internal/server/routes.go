// Package server assembles the relay's HTTP surface: route registration,
// the request-id/logging/body-limit middleware stack, and the handlers
// that carry a request from its client-facing wire format through the
// queue to upstream dispatch.
package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/keyrelay/keyrelay/internal/dialect"
	"github.com/keyrelay/keyrelay/internal/keypool"
	"github.com/keyrelay/keyrelay/internal/pipeline"
	"github.com/keyrelay/keyrelay/internal/queue"
	"github.com/keyrelay/keyrelay/internal/upstreamproxy"
)

// Config wires together the already-constructed collaborators a Server
// needs: nothing here is built by the server package itself.
type Config struct {
	Pool         *keypool.Pool
	Preprocessor *pipeline.Preprocessor
	Queue        *queue.Manager
	Dispatcher   *upstreamproxy.Dispatcher
	Logger       zerolog.Logger

	// MaxBodyBytes caps an inbound request body; <= 0 disables the cap.
	MaxBodyBytes int64
}

// Server holds the relay's collaborators and builds the HTTP handler
// that routes between them.
type Server struct {
	pool         *keypool.Pool
	preprocessor *pipeline.Preprocessor
	queue        *queue.Manager
	dispatcher   *upstreamproxy.Dispatcher
	logger       zerolog.Logger
	maxBodyBytes int64
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		pool:         cfg.Pool,
		preprocessor: cfg.Preprocessor,
		queue:        cfg.Queue,
		dispatcher:   cfg.Dispatcher,
		logger:       cfg.Logger,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// routeTable maps each client-facing route to the wire dialect it
// speaks. Every entry shares the same completionHandler machinery;
// only the dialect used to decode the inbound body and encode the
// outbound one differs.
var routeTable = []struct {
	pattern string
	dialect dialect.Dialect
}{
	{"POST /v1/messages", dialect.AnthropicMessages},
	{"POST /v1/complete", dialect.AnthropicComplete},
	{"POST /v1/chat/completions", dialect.OpenAIChat},
	{"POST /v1/completions", dialect.OpenAIText},
}

// Handler builds the full HTTP handler: route registration plus the
// request-id -> logging -> body-limit middleware stack, applied
// outermost-first in that order so every log line already carries a
// request id and every oversized body is rejected before a handler ever
// touches it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, route := range routeTable {
		mux.Handle(route.pattern, &completionHandler{clientDialect: route.dialect, server: s})
	}

	mux.Handle("GET /v1/models", newModelsHandler(s.pool))
	mux.Handle("GET /v1/providers", newProvidersHandler(s.pool))
	mux.HandleFunc("GET /health", s.handleHealth)

	return buildMiddlewareChain(s, mux)
}

func buildMiddlewareChain(s *Server, h http.Handler) http.Handler {
	chained := maxBodyBytesMiddleware(s.maxBodyBytes)(h)
	chained = loggingMiddleware(chained)
	chained = requestIDMiddleware(s.logger)(chained)
	return chained
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"available": s.pool.Available(),
	})
}
