package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/keyrelay/keyrelay/internal/dialect"
	"github.com/keyrelay/keyrelay/internal/pipeline"
	"github.com/keyrelay/keyrelay/internal/queue"
)

// completionHandler serves one client-facing route, translating its
// body into whichever backend ends up owning the request's model, then
// carrying it through the queue to dispatch. clientDialect fixes the
// wire format this route speaks; the backend service itself is resolved
// per-request from the body's model field.
type completionHandler struct {
	clientDialect dialect.Dialect
	server        *Server
}

func (h *completionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds the maximum allowed size")
		return
	}

	rc, err := h.server.preprocessor.PreQueue(h.clientDialect, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	h.server.dispatch(w, r, rc)
}

// dispatch submits rc to its service's queue, waits for a key (or
// terminal failure), finalizes authentication, and hands off to the
// upstream dispatcher.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext) {
	resultCh, err := s.queue.Submit(r.Context(), rc)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", err.Error())
		return
	}

	var result queue.Result
	select {
	case result = <-resultCh:
	case <-r.Context().Done():
		return
	}

	if result.Err != nil {
		writeQueueError(w, result.Err)
		return
	}

	rc.FinalizeAuth(result.Key)

	if err := s.dispatcher.Dispatch(w, r, rc); err != nil {
		writeError(w, http.StatusBadGateway, "api_error", "failed to reach upstream service")
	}
}

func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case errors.Is(err, queue.ErrNoKeysAvailable):
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no keys available for the requested service")
	default:
		writeError(w, http.StatusBadGateway, "api_error", err.Error())
	}
}
