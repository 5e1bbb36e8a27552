// Package logger builds the relay's structured logger and attaches
// per-request correlation ids to context.
package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/keyrelay/keyrelay/internal/config"
)

type ctxKey string

// RequestIDKey is the context key request ids are stored under.
const RequestIDKey ctxKey = "request_id"

// New builds a zerolog.Logger from cfg: JSON to stdout/stderr/a file by
// default, or a colorized console writer when cfg.Format requests it (or
// auto-detects a terminal).
func New(cfg config.LoggingConfig) (zerolog.Logger, error) {
	output, outputFile, err := selectOutput(cfg.Output)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var w io.Writer = output
	if shouldUsePretty(cfg, outputFile) {
		w = consoleWriter(output)
	}

	return zerolog.New(w).
		Level(cfg.ParseLevel()).
		With().
		Timestamp().
		Logger(), nil
}

func selectOutput(output string) (io.Writer, *os.File, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, os.Stdout, nil
	case "stderr":
		return os.Stderr, os.Stderr, nil
	default:
		path := filepath.Clean(output)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("logger: open output file %q: %w", path, err)
		}
		return f, f, nil
	}
}

func shouldUsePretty(cfg config.LoggingConfig, outputFile *os.File) bool {
	switch cfg.Format {
	case "console", "pretty":
		return true
	case "json":
		return false
	default:
		return outputFile != nil && isatty.IsTerminal(outputFile.Fd())
	}
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: "15:04:05",
	}
}

// WithRequestID stamps ctx and its logger with a request id: requestID if
// non-empty, else a freshly generated uuid.
func WithRequestID(ctx context.Context, base zerolog.Logger, requestID string) (context.Context, zerolog.Logger) {
	if requestID == "" {
		requestID = uuid.New().String()
	}
	l := base.With().Str("request_id", requestID).Logger()
	ctx = context.WithValue(ctx, RequestIDKey, requestID)
	return l.WithContext(ctx), l
}

// RequestID retrieves the request id stamped by WithRequestID, or "" if
// none was set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
