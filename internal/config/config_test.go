package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeEnv(values map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoad_SplitsCommaSeparatedKeys(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{
		"OPENAI_KEY": "sk-a, sk-b,sk-c",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-a", "sk-b", "sk-c"}, cfg.Services.OpenAIKeys)
}

func TestLoad_NoKeysConfiguredErrors(t *testing.T) {
	_, err := Load(fakeEnv(map[string]string{}))
	assert.ErrorIs(t, err, ErrNoKeysConfigured)
}

func TestLoad_CheckKeysDefaultsTrue(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{"ANTHROPIC_KEY": "sk-ant"}))
	require.NoError(t, err)
	assert.True(t, cfg.Checker.Enabled)
}

func TestLoad_CheckKeysCanBeDisabled(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{
		"ANTHROPIC_KEY": "sk-ant",
		"CHECK_KEYS":    "false",
	}))
	require.NoError(t, err)
	assert.False(t, cfg.Checker.Enabled)
}

func TestLoad_SelectionOverridesAreOptional(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{"ANTHROPIC_KEY": "sk-ant"}))
	require.NoError(t, err)
	assert.True(t, cfg.Selection.LockoutWindow.IsAbsent())

	pc := cfg.Selection.ProviderConfig()
	assert.Equal(t, time.Duration(0), pc.LockoutWindow)
}

func TestLoad_SelectionOverridesParsedWhenPresent(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{
		"ANTHROPIC_KEY":     "sk-ant",
		"LOCKOUT_WINDOW_MS": "5000",
	}))
	require.NoError(t, err)
	require.True(t, cfg.Selection.LockoutWindow.IsPresent())

	pc := cfg.Selection.ProviderConfig()
	assert.Equal(t, 5*time.Second, pc.LockoutWindow)
}

func TestLoad_ServerDefaultsWhenUnset(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{"ANTHROPIC_KEY": "sk-ant"}))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, int64(10<<20), cfg.Server.MaxBodyBytes)
}

func TestLoad_ServerOverridesFromEnv(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{
		"ANTHROPIC_KEY":  "sk-ant",
		"LISTEN_ADDR":    ":9090",
		"MAX_BODY_BYTES": "1024",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, int64(1024), cfg.Server.MaxBodyBytes)
}

func TestServicesConfig_ProvidersBuildsOnlyConfiguredServices(t *testing.T) {
	cfg, err := Load(fakeEnv(map[string]string{"OPENAI_KEY": "sk-a"}))
	require.NoError(t, err)

	providers := cfg.Services.Providers(cfg.Selection.ProviderConfig())
	require.Len(t, providers, 1)
	assert.Equal(t, "openai", providers[0].Service())
}
