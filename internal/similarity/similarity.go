// Package similarity implements the embedding-similarity engine as a
// direct-result adapter: the pipeline serialises and meters its output
// without contacting an upstream passthrough.
package similarity

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/pricing"
	"github.com/aipipe/aipipe/internal/provider/openai"
)

const (
	adapterName      = "similarity"
	defaultModel     = "text-embedding-3-small"
	defaultPrecision = 5
)

var _ gateway.Adapter = (*Adapter)(nil)

// Adapter computes pairwise cosine similarity between document and topic
// embeddings, fetched in a single upstream embeddings call.
type Adapter struct {
	embeddings *openai.EmbeddingsClient
	table      pricing.Table
}

// New creates a similarity Adapter over the given embeddings client.
func New(embeddings *openai.EmbeddingsClient) *Adapter {
	return &Adapter{embeddings: embeddings, table: pricing.OpenAI()}
}

// Name returns the route segment the adapter is mounted under.
func (a *Adapter) Name() string { return adapterName }

// Item is one document or topic: a bare JSON string or {"value": string}.
type Item string

func (it *Item) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*it = Item(s)
		return nil
	}
	var obj struct {
		Value *string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err != nil || obj.Value == nil {
		return fmt.Errorf("item must be a string or an object with a value field")
	}
	*it = Item(*obj.Value)
	return nil
}

type request struct {
	Docs      []Item `json:"docs"`
	Topics    []Item `json:"topics"`
	Model     string `json:"model"`
	Precision *int   `json:"precision"`
}

// Result is the direct response body: a docs x topics similarity matrix.
type Result struct {
	Model      string      `json:"model"`
	Similarity [][]float64 `json:"similarity"`
	Usage      struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Transform parses the request, fetches embeddings for docs and topics in
// one upstream call, and returns the cosine matrix as a direct result.
// When topics are omitted the matrix compares the docs against themselves
// without re-embedding them.
func (a *Adapter) Transform(ctx context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
	var in request
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return nil, &gateway.StatusError{Code: http.StatusBadRequest,
			Message: "invalid similarity request: " + err.Error()}
	}
	if len(in.Docs) == 0 {
		return nil, &gateway.StatusError{Code: http.StatusBadRequest,
			Message: "docs must be a non-empty array"}
	}
	model := in.Model
	if model == "" {
		model = defaultModel
	}
	if _, ok := a.table.Lookup(model); !ok {
		return nil, &gateway.StatusError{Code: http.StatusBadRequest,
			Message: "Model " + model + " pricing unknown"}
	}
	precision := defaultPrecision
	if in.Precision != nil {
		precision = *in.Precision
	}

	input := make([]string, 0, len(in.Docs)+len(in.Topics))
	for _, d := range in.Docs {
		input = append(input, string(d))
	}
	for _, t := range in.Topics {
		input = append(input, string(t))
	}

	vectors, promptTokens, err := a.embeddings.Embed(ctx, model, input)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(input) {
		return nil, fmt.Errorf("similarity: got %d embeddings for %d inputs", len(vectors), len(input))
	}

	docVecs := vectors[:len(in.Docs)]
	topicVecs := vectors[len(in.Docs):]
	if len(in.Topics) == 0 {
		topicVecs = docVecs
	}

	matrix := make([][]float64, len(docVecs))
	for i, d := range docVecs {
		row := make([]float64, len(topicVecs))
		for j, t := range topicVecs {
			row[j] = round(cosine(d, t), precision)
		}
		matrix[i] = row
	}

	out := &Result{Model: model, Similarity: matrix}
	out.Usage.PromptTokens = promptTokens
	return &gateway.TransformResult{
		Direct: out,
		Model:  model,
		Usage:  &gateway.Usage{PromptTokens: promptTokens},
	}, nil
}

// Cost prices the single embeddings call behind the matrix.
func (a *Adapter) Cost(_ context.Context, cc *gateway.CostContext) (float64, error) {
	return a.table.Cost(cc.Model, cc.Usage), nil
}

// Parse is unused: direct results carry their usage out of Transform.
func (a *Adapter) Parse([]byte) (string, *gateway.Usage) { return "", nil }

// cosine returns the cosine similarity of two vectors; zero when either
// has zero magnitude or the lengths differ.
func cosine(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// round truncates v to n decimal places, half away from zero.
func round(v float64, n int) float64 {
	if n < 0 {
		return v
	}
	pow := math.Pow(10, float64(n))
	return math.Round(v*pow) / pow
}
