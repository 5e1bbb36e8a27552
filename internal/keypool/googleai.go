package keypool

// googleAIProvider is the Provider for the Google-AI family ("gemini-*").
// Like Anthropic, it uses the shared selection policy unmodified; the
// checker populates ModelIDs from the upstream model listing so operators
// can see exactly what each key is entitled to.
type googleAIProvider struct {
	*baseProvider
}

// NewGoogleAIProvider constructs a Provider for the Google-AI family.
func NewGoogleAIProvider(secrets []string, families []string, cfg ProviderConfig) Provider {
	return &googleAIProvider{
		baseProvider: newBaseProvider("google-ai", secrets, families, cfg),
	}
}
