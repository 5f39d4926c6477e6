// Package gemini implements the Gemini-shape provider adapter.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/pricing"
	"github.com/aipipe/aipipe/internal/provider"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	adapterName    = "gemini"
)

var _ gateway.Adapter = (*Adapter)(nil)

// Adapter rewrites Gemini-bound requests and prices Gemini-shape usage.
type Adapter struct {
	apiKey  string
	baseURL string
	table   pricing.Table
	http    *http.Client // countTokens side-calls
}

// New creates a Gemini Adapter. An empty baseURL defaults to the
// canonical Generative Language API origin; a nil client uses
// http.DefaultClient for side-calls.
func New(apiKey, baseURL string, client *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		table:   pricing.Gemini(),
		http:    client,
	}
}

// Name returns the route segment the adapter is mounted under.
func (a *Adapter) Name() string { return adapterName }

// Transform rewrites the bearer credential to x-goog-api-key and gates
// identity-token requests on the Gemini pricing table. The model id comes
// from the body when present, else from the /models/<model>:<op> path.
func (a *Adapter) Transform(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
	res := &gateway.TransformResult{
		URL:    a.baseURL + req.Path,
		Header: http.Header{},
	}
	if req.Native() {
		res.Header.Set("x-goog-api-key", req.NativeKey)
	} else {
		res.Header.Set("x-goog-api-key", a.apiKey)
	}

	if req.Method != http.MethodPost || req.Native() {
		return res, nil
	}

	model := modelFromRequest(req.Path, req.Body)
	if model != "" {
		if _, ok := a.table.Lookup(model); !ok {
			return nil, &gateway.StatusError{Code: http.StatusBadRequest,
				Message: "Model " + model + " pricing unknown"}
		}
	}
	return res, nil
}

// modelFromRequest extracts the model id from the body's model field or
// the URL (".../models/<model>:<op>"). The "models/" resource prefix some
// clients send in the body is stripped.
func modelFromRequest(path string, body []byte) string {
	if m := gjson.GetBytes(body, "model").String(); m != "" {
		return strings.TrimPrefix(m, "models/")
	}
	return ModelFromPath(path)
}

// ModelFromPath extracts the model id from a /models/<model>:<op> path.
func ModelFromPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	i := strings.LastIndex(path, "/models/")
	if i < 0 {
		return ""
	}
	rest := path[i+len("/models/"):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// Cost prices Gemini-shape usage. embedContent responses carry no usage
// metadata (and no model field, so the parsed model is empty too): the
// model falls back to the request path and a :countTokens side-call on
// the same content supplies the billable token count.
func (a *Adapter) Cost(ctx context.Context, cc *gateway.CostContext) (float64, error) {
	model := cc.Model
	if model == "" {
		model = ModelFromPath(cc.Path)
	}
	usage := cc.Usage
	if usage == nil && strings.Contains(cc.Path, ":embedContent") {
		tokens, err := a.countTokens(ctx, model, cc.RequestBody)
		if err != nil {
			return 0, err
		}
		usage = &gateway.Usage{PromptTokens: tokens}
	}
	return a.table.Cost(model, usage), nil
}

// countTokens calls :countTokens with the embed request's content.
func (a *Adapter) countTokens(ctx context.Context, model string, requestBody []byte) (int, error) {
	content := gjson.GetBytes(requestBody, "content")
	if !content.Exists() {
		return 0, nil
	}
	body, err := json.Marshal(map[string]json.RawMessage{
		"contents": json.RawMessage("[" + content.Raw + "]"),
	})
	if err != nil {
		return 0, fmt.Errorf("gemini: marshal countTokens request: %w", err)
	}

	url := a.baseURL + "/v1beta/models/" + model + ":countTokens"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("gemini: create countTokens request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("gemini: do countTokens request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, provider.ParseAPIError(adapterName, resp)
	}

	var out struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("gemini: decode countTokens response: %w", err)
	}
	return out.TotalTokens, nil
}

// Parse canonicalises Gemini usage field names. modelVersion substitutes
// for model, which Gemini events do not carry.
func (a *Adapter) Parse(event []byte) (string, *gateway.Usage) {
	model := gjson.GetBytes(event, "model").String()
	if model == "" {
		model = gjson.GetBytes(event, "modelVersion").String()
	}
	model = strings.TrimPrefix(model, "models/")

	meta := gjson.GetBytes(event, "usageMetadata")
	if !meta.Exists() || !meta.IsObject() {
		return model, nil
	}
	completion := meta.Get("candidatesTokenCount")
	if !completion.Exists() {
		completion = meta.Get("tokenCount")
	}
	return model, &gateway.Usage{
		PromptTokens:     int(meta.Get("promptTokenCount").Int()),
		CompletionTokens: int(completion.Int()),
	}
}
