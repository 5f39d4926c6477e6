package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aipipe/aipipe/internal/provider"
)

// EmbeddingsClient issues first-party calls to the OpenAI embeddings
// endpoint. Used by the similarity engine, which needs parsed vectors
// rather than a passthrough response.
type EmbeddingsClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewEmbeddingsClient creates an EmbeddingsClient. An empty baseURL
// defaults to the canonical OpenAI API origin; a nil client uses
// http.DefaultClient.
func NewEmbeddingsClient(apiKey, baseURL string, client *http.Client) *EmbeddingsClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &EmbeddingsClient{apiKey: apiKey, baseURL: baseURL, http: client}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed returns one embedding vector per input string, in input order,
// along with the prompt token count the upstream reported.
func (c *EmbeddingsClient) Embed(ctx context.Context, model string, input []string) ([][]float64, int, error) {
	body, err := json.Marshal(embeddingRequest{Model: model, Input: input})
	if err != nil {
		return nil, 0, fmt.Errorf("openai: marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("openai: create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("openai: do embeddings request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, provider.ParseAPIError(adapterName, resp)
	}

	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, 0, fmt.Errorf("openai: decode embeddings response: %w", err)
	}

	vectors := make([][]float64, len(out.Data))
	for i, d := range out.Data {
		vectors[i] = d.Embedding
	}
	return vectors, out.Usage.PromptTokens, nil
}
