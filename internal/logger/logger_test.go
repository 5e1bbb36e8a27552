package logger

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyrelay/keyrelay/internal/config"
)

func TestNew_JSONFormatProducesWorkingLogger(t *testing.T) {
	l, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())
}

func TestNew_UnknownOutputOpensFile(t *testing.T) {
	path := t.TempDir() + "/relay.log"
	l, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	l.Info().Msg("hello")
}

func TestWithRequestID_GeneratesIDWhenEmpty(t *testing.T) {
	base := zerolog.Nop()
	ctx, _ := WithRequestID(context.Background(), base, "")
	assert.NotEmpty(t, RequestID(ctx))
}

func TestWithRequestID_PreservesGivenID(t *testing.T) {
	base := zerolog.Nop()
	ctx, _ := WithRequestID(context.Background(), base, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestRequestID_EmptyWhenNeverSet(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
}
