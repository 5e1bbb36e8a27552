// Package config loads relay configuration from the environment: which
// services have keys configured, whether background capability checking
// and prompt logging are enabled, and the selection policy's timing
// overrides.
package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"github.com/keyrelay/keyrelay/internal/keypool"
)

// ErrNoKeysConfigured is returned when no service has at least one key
// set, which leaves the relay with nothing to serve.
var ErrNoKeysConfigured = errors.New("config: no keys configured for any service")

// Config is the complete, validated runtime configuration.
type Config struct {
	Services  ServicesConfig
	Checker   CheckerConfig
	Logging   LoggingConfig
	Selection SelectionConfig
	Server    ServerConfig
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen       string
	MaxBodyBytes int64
}

// ServicesConfig holds each service's configured keys, one comma-separated
// environment variable per service.
type ServicesConfig struct {
	OpenAIKeys    []string
	AnthropicKeys []string
	GoogleAIKeys  []string
}

// Providers builds a keypool.Provider per non-empty service, ready to hand
// to keypool.NewPool.
func (s ServicesConfig) Providers(cfg keypool.ProviderConfig) []keypool.Provider {
	var providers []keypool.Provider
	if len(s.OpenAIKeys) > 0 {
		providers = append(providers, keypool.NewOpenAIProvider(s.OpenAIKeys, []string{"gpt-", "o1-", "o3-"}, cfg))
	}
	if len(s.AnthropicKeys) > 0 {
		providers = append(providers, keypool.NewAnthropicProvider(s.AnthropicKeys, []string{"claude-"}, cfg))
	}
	if len(s.GoogleAIKeys) > 0 {
		providers = append(providers, keypool.NewGoogleAIProvider(s.GoogleAIKeys, []string{"gemini-"}, cfg))
	}
	return providers
}

// Validate checks that at least one service has keys configured.
func (s ServicesConfig) Validate() error {
	if len(s.OpenAIKeys) == 0 && len(s.AnthropicKeys) == 0 && len(s.GoogleAIKeys) == 0 {
		return ErrNoKeysConfigured
	}
	return nil
}

// CheckerConfig controls the background capability-probing loop.
type CheckerConfig struct {
	// Enabled mirrors CHECK_KEYS: when false, no background checker runs.
	// Either way keys are eligible from the moment they're configured,
	// since Providers seeds each key with its service's family prefixes.
	Enabled bool

	// Interval overrides keychecker.Config.Interval. None means "use the
	// keychecker package default".
	Interval mo.Option[time.Duration]
}

// LoggingConfig controls structured log output and the request/response
// prompt-body logging toggle. Structured operational logging (zerolog) is
// always on; PromptLogging only gates the verbose, privacy-sensitive
// prompt/response body logging.
type LoggingConfig struct {
	Level         string
	Format        string // "json", "console", or "" (auto-detect terminal)
	Output        string // "stdout", "stderr", or a file path
	PromptLogging bool
}

// ParseLevel converts Level to a zerolog.Level, defaulting to info for an
// empty or unrecognized string.
func (l LoggingConfig) ParseLevel() zerolog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SelectionConfig overrides the key pool's selection policy timing knobs.
// Zero-value Options mean "use keypool's package defaults"
// (keypool.DefaultLockoutWindow / keypool.DefaultReuseDelay).
type SelectionConfig struct {
	LockoutWindow mo.Option[time.Duration]
	ReuseDelay    mo.Option[time.Duration]
}

// ProviderConfig materializes the Option overrides into a concrete
// keypool.ProviderConfig, falling back to keypool's own defaults.
func (s SelectionConfig) ProviderConfig() keypool.ProviderConfig {
	cfg := keypool.ProviderConfig{}
	s.LockoutWindow.ForEach(func(d time.Duration) { cfg.LockoutWindow = d })
	s.ReuseDelay.ForEach(func(d time.Duration) { cfg.ReuseDelay = d })
	return cfg
}

// Validate checks the full configuration for consistency.
func (c *Config) Validate() error {
	return c.Services.Validate()
}

// EnvLookup abstracts os.LookupEnv so tests can inject a fake environment
// without mutating process-global state.
type EnvLookup func(key string) (string, bool)

// Load builds a Config from lookup, typically os.LookupEnv.
func Load(lookup EnvLookup) (*Config, error) {
	cfg := &Config{
		Services: ServicesConfig{
			OpenAIKeys:    splitKeys(lookupOr(lookup, "OPENAI_KEY", "")),
			AnthropicKeys: splitKeys(lookupOr(lookup, "ANTHROPIC_KEY", "")),
			GoogleAIKeys:  splitKeys(lookupOr(lookup, "GOOGLE_AI_KEY", "")),
		},
		Checker: CheckerConfig{
			Enabled:  parseBool(lookupOr(lookup, "CHECK_KEYS", "true")),
			Interval: parseDurationOption(lookup, "CHECK_INTERVAL_MS"),
		},
		Logging: LoggingConfig{
			PromptLogging: parseBool(lookupOr(lookup, "PROMPT_LOGGING", "false")),
			Level:         lookupOr(lookup, "LOG_LEVEL", "info"),
			Format:        lookupOr(lookup, "LOG_FORMAT", ""),
			Output:        lookupOr(lookup, "LOG_OUTPUT", "stdout"),
		},
		Selection: SelectionConfig{
			LockoutWindow: parseDurationOption(lookup, "LOCKOUT_WINDOW_MS"),
			ReuseDelay:    parseDurationOption(lookup, "REUSE_DELAY_MS"),
		},
		Server: ServerConfig{
			Listen:       lookupOr(lookup, "LISTEN_ADDR", ":8080"),
			MaxBodyBytes: int64(parseIntOr(lookup, "MAX_BODY_BYTES", 10<<20)),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookupOr(lookup EnvLookup, key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func splitKeys(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntOr(lookup EnvLookup, key string, fallback int) int {
	v, ok := lookup(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func parseDurationOption(lookup EnvLookup, key string) mo.Option[time.Duration] {
	v, ok := lookup(key)
	if !ok || v == "" {
		return mo.None[time.Duration]()
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return mo.None[time.Duration]()
	}
	return mo.Some(time.Duration(ms) * time.Millisecond)
}
