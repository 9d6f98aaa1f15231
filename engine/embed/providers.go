package embed

import (
	"fmt"
	"os"

	"github.com/tesserai/tessera/engine/config"
	"github.com/tesserai/tessera/engine/domain"
)

// Providers the factory recognizes. Cohere, Voyage, and Bedrock are
// named in configs migrated from other deployments but have no
// backend here yet; they fail fast at build time.
const (
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai_compat"
	ProviderMock         = "mock"
)

func newEncoder(ref config.ModelRef, m domain.Modality) (Encoder, error) {
	switch ref.Provider {
	case ProviderOllama:
		url := ref.URL
		if url == "" {
			url = "http://localhost:11434"
		}
		return newOllamaEncoder(url, ref.Model, ref.Dim), nil
	case ProviderOpenAICompat:
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("provider %s requires OPENAI_API_KEY", ref.Provider)
		}
		if ref.URL == "" {
			return nil, fmt.Errorf("provider %s requires a url", ref.Provider)
		}
		return newOpenAIEncoder(ref.URL, key, ref.Model, ref.Dim), nil
	case ProviderMock:
		return NewMockEncoder(ref.Dim), nil
	case "cohere", "voyage", "bedrock":
		return nil, fmt.Errorf("provider %q: %w", ref.Provider, domain.ErrUnsupportedProvider)
	default:
		return nil, fmt.Errorf("provider %q: %w", ref.Provider, domain.ErrUnsupportedProvider)
	}
}
