package keypool

// anthropicProvider is the Provider for the Anthropic family ("claude-*").
// It carries no selection overrides beyond the shared policy; the Tier
// extension field (trial/paid) is informational, populated by the key
// checker and surfaced through List() for operator visibility.
type anthropicProvider struct {
	*baseProvider
}

// NewAnthropicProvider constructs a Provider for the Anthropic family.
func NewAnthropicProvider(secrets []string, families []string, cfg ProviderConfig) Provider {
	return &anthropicProvider{
		baseProvider: newBaseProvider("anthropic", secrets, families, cfg),
	}
}
