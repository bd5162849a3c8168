package embeddings

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
)

const (
	defaultOpenAIURL = "https://api.openai.com/v1/embeddings"
	defaultModel     = "text-embedding-3-small"
)

// OpenAIClient calls the OpenAI embeddings endpoint, or any server that
// mirrors its request and response shapes.
type OpenAIClient struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewOpenAIClient(apiKey string) *OpenAIClient {
	return &OpenAIClient{
		APIKey:     apiKey,
		Model:      defaultModel,
		BaseURL:    defaultOpenAIURL,
		HTTPClient: http.DefaultClient,
	}
}

type openAIRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed sends all texts in one request. Results are placed by the index the
// API reports, so out-of-order data is fine; gaps are an error.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	header := http.Header{"Authorization": {"Bearer " + c.APIKey}}
	body, status, err := postJSON(ctx, c.HTTPClient, c.BaseURL, header, openAIRequest{Input: texts, Model: c.Model})
	if err != nil {
		return nil, goerr.Wrap(err, "openai embedding failed", goerr.V("model", c.Model))
	}

	var parsed openAIResponse
	decodeErr := json.Unmarshal(body, &parsed)
	if status != http.StatusOK || parsed.Error != nil {
		msg := string(body)
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, goerr.New("embedding API error",
			goerr.V("status", status), goerr.V("model", c.Model), goerr.V("message", msg))
	}
	if decodeErr != nil {
		return nil, goerr.Wrap(decodeErr, "failed to unmarshal embedding response")
	}

	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, goerr.New("invalid embedding index", goerr.V("index", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	for i, e := range out {
		if len(e) == 0 {
			return nil, goerr.New("missing embedding in response", goerr.V("index", i))
		}
	}
	return out, nil
}

func (c *OpenAIClient) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	out, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
