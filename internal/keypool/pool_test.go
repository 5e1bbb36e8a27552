package keypool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool() *Pool {
	openai := NewOpenAIProvider([]string{"sk-openai-a"}, []string{"gpt-4"}, ProviderConfig{})
	anthropic := NewAnthropicProvider([]string{"sk-anthropic-a"}, []string{"claude-3"}, ProviderConfig{})
	return NewPool([]Provider{openai, anthropic}, nil)
}

func TestPool_ServiceForModel(t *testing.T) {
	pool := newTestPool()

	service, err := pool.ServiceForModel("gpt-4-turbo")
	require.NoError(t, err)
	assert.Equal(t, "openai", service)

	service, err = pool.ServiceForModel("claude-3-opus")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", service)

	_, err = pool.ServiceForModel("llama-3")
	assert.ErrorIs(t, err, ErrUnknownModelFamily)
}

func TestPool_GetRoutesToOwningProvider(t *testing.T) {
	pool := newTestPool()

	bound, err := pool.Get("gpt-4-turbo")
	require.NoError(t, err)
	assert.Equal(t, "openai", bound.Service)
}

func TestPool_AvailablePerService(t *testing.T) {
	pool := newTestPool()
	avail := pool.Available()
	assert.Equal(t, 1, avail["openai"])
	assert.Equal(t, 1, avail["anthropic"])
}

func TestPool_UnknownServiceErrors(t *testing.T) {
	pool := newTestPool()
	_, err := pool.Provider("google-ai")
	assert.ErrorIs(t, err, ErrUnknownService)
}
