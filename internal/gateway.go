// Package gateway defines domain types and interfaces for the AIPipe gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"net/http"
	"strings"
)

// --- Usage ---

// Usage is the canonical token-count report for one completed request.
// Adapters translate provider-specific field names into this shape; the
// modality sub-counters are zero when the provider does not report them.
type Usage struct {
	PromptTokens          int `json:"prompt_tokens"`
	CompletionTokens      int `json:"completion_tokens"`
	PromptAudioTokens     int `json:"prompt_audio_tokens,omitempty"`
	CompletionAudioTokens int `json:"completion_audio_tokens,omitempty"`
	ReasoningTokens       int `json:"reasoning_tokens,omitempty"`
	ImageTokens           int `json:"image_tokens,omitempty"`
}

// --- Identity ---

// Identity is the authenticated caller bound to a verified email.
// Requests carrying a native provider key have no Identity.
type Identity struct {
	Email string `json:"email"`
}

// --- Budget ---

// BudgetPolicy is the spend ceiling applied to an identity: Limit dollars
// over a sliding window of Days UTC calendar days.
type BudgetPolicy struct {
	Limit float64 `json:"limit"`
	Days  int     `json:"days"`
}

// --- Ledger ---

// CostEntry is one per-(email, UTC date) row of the cost ledger.
type CostEntry struct {
	Email string  `json:"email"`
	Date  string  `json:"date"` // YYYY-MM-DD
	Cost  float64 `json:"cost"`
}

// --- Provider adapter contract ---

// ProxyRequest is the provider-bound view of an incoming client request.
// Path is the provider-relative suffix including the query string.
type ProxyRequest struct {
	Provider  string
	Method    string
	Path      string
	Header    http.Header
	Body      []byte
	Identity  *Identity // nil for native-key requests
	NativeKey string    // upstream-native credential, "" for identity tokens
}

// Native reports whether the request authenticated with an upstream-native
// provider key. Native requests are never metered or budget-checked.
func (r *ProxyRequest) Native() bool { return r.NativeKey != "" }

// TransformResult is the outcome of Adapter.Transform: either an upstream
// proxy spec (URL set) or a direct result (Direct set) that the pipeline
// serialises and meters without contacting a single upstream.
type TransformResult struct {
	// Proxy spec.
	URL    string
	Header http.Header // headers to add/override on the upstream request
	Body   []byte      // nil = forward the original body unchanged

	// Direct result.
	Direct any
	Model  string
	Usage  *Usage
}

// CostContext carries everything a cost calculator may need: the usage
// extracted from the response plus the original request, for adapters
// that must issue a side-call (Gemini embedContent) or a directory
// lookup (OpenRouter) to price it.
type CostContext struct {
	Model       string
	Usage       *Usage
	Path        string
	RequestBody []byte
	Native      bool
}

// Adapter is the uniform contract each upstream provider implements.
type Adapter interface {
	// Name returns the route segment the adapter is mounted under.
	Name() string
	// Transform rewrites a client request into an upstream proxy spec or a
	// direct result. Client-attributable rejections are returned as *StatusError.
	Transform(ctx context.Context, req *ProxyRequest) (*TransformResult, error)
	// Cost converts extracted usage into dollars.
	Cost(ctx context.Context, cc *CostContext) (float64, error)
	// Parse extracts the model id and canonicalised usage from one parsed
	// JSON event: a unary response body or a single SSE data frame.
	// Either return may be empty/nil when the event carries neither.
	Parse(event []byte) (model string, usage *Usage)
}

// --- Errors surfaced to clients ---

// StatusError is an error with a client-facing HTTP status and message.
// Adapter transforms return it to short-circuit the pipeline; the message
// is surfaced verbatim as {"message": ...}.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// HTTPStatus returns the status code carried by the error.
func (e *StatusError) HTTPStatus() int { return e.Code }

// --- Native provider keys ---

// ClassifyNativeKey recognises upstream-native credentials by prefix.
// Returns the provider route name and true when the token is native.
func ClassifyNativeKey(token string) (provider string, ok bool) {
	switch {
	case strings.HasPrefix(token, "sk-or-"):
		return "openrouter", true
	case strings.HasPrefix(token, "sk-"):
		return "openai", true
	case strings.HasPrefix(token, "AIza"):
		return "gemini", true
	}
	return "", false
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the auth step via mutation of the same
// pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from ctx, or nil.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if
// present, avoiding a new context.WithValue allocation.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}
