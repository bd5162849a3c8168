package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

// OllamaClient calls a local Ollama server's /api/embeddings endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *OllamaClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	body, status, err := postJSON(ctx, c.client, c.baseURL+"/api/embeddings", nil,
		ollamaEmbedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, goerr.Wrap(err, "ollama embedding failed", goerr.V("model", c.model))
	}
	if status != http.StatusOK {
		return nil, goerr.New("ollama API error",
			goerr.V("status", status), goerr.V("model", c.model), goerr.V("message", string(body)))
	}

	var parsed ollamaEmbedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, goerr.Wrap(err, "failed to decode ollama response")
	}
	if len(parsed.Embedding) == 0 {
		return nil, goerr.New("ollama returned an empty embedding", goerr.V("model", c.model))
	}

	out := make([]float32, len(parsed.Embedding))
	for i, v := range parsed.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

// Embed calls EmbedOne per text; the endpoint takes a single prompt.
func (c *OllamaClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := c.EmbedOne(ctx, text)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed text", goerr.V("index", i))
		}
		out[i] = emb
	}
	return out, nil
}
