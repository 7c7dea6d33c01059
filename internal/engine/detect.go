package engine

import "fmt"

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// Detect returns the engine for the configured provider.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("provider %q requires an API key", ProviderOpenAI)
		}
		return NewOpenAIEngine(cfg.APIKey, cfg.BaseURL), nil
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return NewOllamaEngine(baseURL), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}
