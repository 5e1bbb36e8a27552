package server

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/keyrelay/keyrelay/internal/logger"
)

// requestIDMiddleware stamps the request's context and an X-Request-ID
// response header with a correlation id: the inbound header's value if
// the caller already supplied one, else a freshly generated uuid. Every
// other middleware and the handlers downstream read it back via
// logger.RequestID.
func requestIDMiddleware(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, reqLogger := logger.WithRequestID(r.Context(), base, r.Header.Get("X-Request-ID"))
			w.Header().Set("X-Request-ID", logger.RequestID(ctx))
			next.ServeHTTP(w, r.WithContext(reqLogger.WithContext(ctx)))
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
// for completion logging, since http.ResponseWriter itself never
// exposes what was written.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs one line per request: method, path, status,
// and duration, at a level matched to the outcome (warn on 4xx, error on
// 5xx, info otherwise).
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		l := zerolog.Ctx(r.Context())
		event := l.Info()
		switch {
		case wrapped.statusCode >= 500:
			event = l.Error()
		case wrapped.statusCode >= 400:
			event = l.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	})
}

// maxBodyBytesMiddleware rejects a request whose body exceeds limit
// before it ever reaches the handler. A limit <= 0 disables the check.
func maxBodyBytesMiddleware(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
