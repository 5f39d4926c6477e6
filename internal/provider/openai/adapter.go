// Package openai implements the OpenAI-shape provider adapter.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/pricing"
)

const (
	defaultBaseURL = "https://api.openai.com"
	adapterName    = "openai"
)

var _ gateway.Adapter = (*Adapter)(nil)

// Adapter rewrites OpenAI-bound requests and prices OpenAI-shape usage.
type Adapter struct {
	apiKey  string
	baseURL string
	table   pricing.Table
}

// New creates an OpenAI Adapter. If baseURL is empty, it defaults to the
// canonical OpenAI API origin.
func New(apiKey, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		table:   pricing.OpenAI(),
	}
}

// Name returns the route segment the adapter is mounted under.
func (a *Adapter) Name() string { return adapterName }

// Transform builds the upstream proxy spec: target URL, bearer credential,
// the model-pricing gate for identity tokens, and usage injection on
// streaming chat completions.
func (a *Adapter) Transform(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
	res := &gateway.TransformResult{
		URL:    a.baseURL + req.Path,
		Header: http.Header{},
	}
	if req.Native() {
		res.Header.Set("Authorization", "Bearer "+req.NativeKey)
	} else {
		res.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	if req.Method != http.MethodPost {
		return res, nil
	}
	if !strings.Contains(req.Header.Get("Content-Type"), "application/json") {
		return nil, &gateway.StatusError{Code: http.StatusBadRequest,
			Message: "POST body must be application/json"}
	}

	model := gjson.GetBytes(req.Body, "model").String()
	if !req.Native() {
		if _, ok := a.table.Lookup(model); !ok {
			return nil, &gateway.StatusError{Code: http.StatusBadRequest,
				Message: "Model " + model + " pricing unknown"}
		}
	}

	// Streaming chat completions must report usage in the stream, or the
	// request cannot be metered.
	if gjson.GetBytes(req.Body, "stream").Bool() && strings.HasSuffix(pathOnly(req.Path), "/chat/completions") {
		if body, ok := withIncludeUsage(req.Body); ok {
			res.Body = body
		}
	}
	return res, nil
}

// pathOnly strips the query string from a path suffix.
func pathOnly(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}

// withIncludeUsage sets stream_options.include_usage = true in a JSON
// body. Returns ok=false when the body cannot be decoded.
func withIncludeUsage(body []byte) ([]byte, bool) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, false
	}
	opts, _ := m["stream_options"].(map[string]any)
	if opts == nil {
		opts = map[string]any{}
	}
	opts["include_usage"] = true
	m["stream_options"] = opts
	out, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Cost prices OpenAI-shape usage from the static rate table. Unknown
// models cost zero; identity-token requests were already gated at
// transform, so only native-key traffic reaches here unpriced.
func (a *Adapter) Cost(_ context.Context, cc *gateway.CostContext) (float64, error) {
	return a.table.Cost(cc.Model, cc.Usage), nil
}

// Parse extracts {model, usage} from one OpenAI-shape JSON event,
// unwrapping an outer {response: ...} envelope if present. Field names
// are already canonical; only the modality detail counters need lifting.
func (a *Adapter) Parse(event []byte) (string, *gateway.Usage) {
	if inner := gjson.GetBytes(event, "response"); inner.IsObject() {
		event = []byte(inner.Raw)
	}
	model := gjson.GetBytes(event, "model").String()
	return model, ParseUsage(event)
}

// ParseUsage reads an OpenAI-shape usage object from an event. Shared
// with the OpenRouter adapter, whose usage follows the same field names.
func ParseUsage(event []byte) *gateway.Usage {
	u := gjson.GetBytes(event, "usage")
	if !u.Exists() || !u.IsObject() {
		return nil
	}
	return &gateway.Usage{
		PromptTokens:          int(u.Get("prompt_tokens").Int()),
		CompletionTokens:      int(u.Get("completion_tokens").Int()),
		PromptAudioTokens:     int(u.Get("prompt_tokens_details.audio_tokens").Int()),
		CompletionAudioTokens: int(u.Get("completion_tokens_details.audio_tokens").Int()),
		ReasoningTokens:       int(u.Get("completion_tokens_details.reasoning_tokens").Int()),
		ImageTokens:           int(u.Get("completion_tokens_details.image_tokens").Int()),
	}
}
