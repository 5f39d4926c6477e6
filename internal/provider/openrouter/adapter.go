// Package openrouter implements the OpenRouter-shape provider adapter.
// Pricing comes from the live model directory rather than a static table.
package openrouter

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/provider/openai"
)

const (
	defaultBaseURL = "https://openrouter.ai/api"
	adapterName    = "openrouter"

	// Attribution headers added to identity-token traffic only. Native
	// keys belong to the caller's own OpenRouter account; attributing
	// their requests to us would corrupt their analytics.
	refererValue = "https://aipipe.org"
	titleValue   = "AI Pipe"
)

var _ gateway.Adapter = (*Adapter)(nil)

// Adapter rewrites OpenRouter-bound requests and prices usage from the
// model directory.
type Adapter struct {
	apiKey    string
	baseURL   string
	directory *Directory
}

// New creates an OpenRouter Adapter. An empty baseURL defaults to the
// canonical OpenRouter API origin.
func New(apiKey, baseURL string, client *http.Client) (*Adapter, error) {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	dir, err := NewDirectory(baseURL, client)
	if err != nil {
		return nil, err
	}
	return &Adapter{apiKey: apiKey, baseURL: baseURL, directory: dir}, nil
}

// Name returns the route segment the adapter is mounted under.
func (a *Adapter) Name() string { return adapterName }

// Transform sets the bearer credential and, for identity-token requests,
// the attribution headers. The body passes through as raw bytes.
func (a *Adapter) Transform(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
	res := &gateway.TransformResult{
		URL:    a.baseURL + req.Path,
		Header: http.Header{},
	}
	if req.Native() {
		res.Header.Set("Authorization", "Bearer "+req.NativeKey)
	} else {
		res.Header.Set("Authorization", "Bearer "+a.apiKey)
		res.Header.Set("HTTP-Referer", refererValue)
		res.Header.Set("X-Title", titleValue)
	}
	return res, nil
}

// Cost prices usage from the model directory: per-token rates for each
// counter plus the flat per-request charge. Models the directory does
// not list cost zero.
func (a *Adapter) Cost(ctx context.Context, cc *gateway.CostContext) (float64, error) {
	if cc.Model == "" || cc.Usage == nil {
		return 0, nil
	}
	rates, ok, err := a.directory.Lookup(ctx, cc.Model)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	u := cc.Usage
	return float64(u.PromptTokens)*rates.Prompt +
		float64(u.CompletionTokens)*rates.Completion +
		float64(u.ReasoningTokens)*rates.InternalReasoning +
		float64(u.ImageTokens)*rates.Image +
		rates.Request, nil
}

// Parse extracts {model, usage}. OpenRouter follows the OpenAI usage
// field names, augmented with reasoning/image detail counters that the
// shared parser already lifts.
func (a *Adapter) Parse(event []byte) (string, *gateway.Usage) {
	return gjson.GetBytes(event, "model").String(), openai.ParseUsage(event)
}
