package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
)

// postJSON sends payload as JSON and returns the raw response body and
// status. Transport failures are errors; HTTP error statuses are not.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, goerr.Wrap(err, "failed to marshal embedding request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, goerr.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, goerr.Wrap(err, "embedding request failed", goerr.V("url", url))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, goerr.Wrap(err, "failed to read embedding response")
	}
	return respBody, resp.StatusCode, nil
}
