// Package embeddings generates text embeddings for the vector tier. Embedding
// models are external; this package only speaks their HTTP APIs.
package embeddings

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
)

// EmbeddingClient defines the interface for generating text embeddings
type EmbeddingClient interface {
	// Embed generates embeddings for multiple texts
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedOne generates an embedding for a single text
	EmbedOne(ctx context.Context, text string) ([]float32, error)
}

// Providers understood by New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// Config selects and configures an embedding provider.
type Config struct {
	Provider string
	Model    string
	// BaseURL overrides the provider endpoint. For OpenAI it is the full
	// embeddings URL; for Ollama it is the server root.
	BaseURL string
	APIKey  string `masq:"secret"`
}

// New builds the client for cfg.Provider. An empty provider returns nil
// without error: embeddings are optional.
func New(cfg Config) (EmbeddingClient, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, goerr.New("openai embeddings require an API key")
		}
		c := NewOpenAIClient(cfg.APIKey)
		if cfg.Model != "" {
			c.Model = cfg.Model
		}
		if cfg.BaseURL != "" {
			c.BaseURL = cfg.BaseURL
		}
		return c, nil
	case ProviderOllama:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOllamaURL
		}
		model := cfg.Model
		if model == "" {
			model = defaultOllamaModel
		}
		return NewOllamaClient(baseURL, model), nil
	default:
		return nil, goerr.New("unknown embedding provider", goerr.V("provider", cfg.Provider))
	}
}
