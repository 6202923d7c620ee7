package llm

import "fmt"

// NewProvider builds the named backend. baseURL only applies to openai and
// may be empty.
func NewProvider(name, apiKey, baseURL string) (Provider, error) {
	switch name {
	case "openai", "":
		if baseURL != "" {
			return NewOpenAIProviderWithBaseURL(apiKey, baseURL), nil
		}
		return NewOpenAIProvider(apiKey), nil
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrProviderNotAvailable, name)
	}
}
