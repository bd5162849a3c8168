// Package rerank talks to a cross-encoder reranking service that exposes a
// Cohere/Jina style POST /rerank endpoint.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

const defaultModel = "bge-reranker-v2-m3"

// Client calls a reranking service.
type Client struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a client for the service at baseURL. apiKey may be empty
// for local services.
func NewClient(baseURL, model, apiKey string) *Client {
	if model == "" {
		model = defaultModel
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank returns one score per document, index-aligned with documents and
// clamped to [0,1]. The service is always asked for every document so scores
// map back by index; topN does not shrink the request.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, topN int) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(rerankRequest{
		Model:     c.Model,
		Query:     query,
		Documents: documents,
		TopN:      len(documents),
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal rerank request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, goerr.Wrap(err, "rerank request failed", goerr.V("url", c.BaseURL))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read rerank response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, goerr.New("rerank API error",
			goerr.V("status", resp.StatusCode), goerr.V("message", string(respBody)))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal rerank response")
	}

	scores := make([]float64, len(documents))
	seen := make([]bool, len(documents))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, goerr.New("rerank result index out of range", goerr.V("index", r.Index))
		}
		scores[r.Index] = clamp01(r.RelevanceScore)
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, goerr.New("rerank response missing document", goerr.V("index", i))
		}
	}
	return scores, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
