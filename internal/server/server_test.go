package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/app"
	"github.com/aipipe/aipipe/internal/auth"
	"github.com/aipipe/aipipe/internal/budget"
	"github.com/aipipe/aipipe/internal/provider"
	"github.com/aipipe/aipipe/internal/testutil"
)

type fakeCreds struct{}

func (fakeCreds) Verify(_ context.Context, credential string) (string, map[string]string, error) {
	if credential != "good-credential" {
		return "", nil, gateway.ErrUnauthorized
	}
	return "user@example.com", map[string]string{"name": "Test User"}, nil
}

type testEnv struct {
	handler  http.Handler
	auth     *auth.Service
	ledger   *testutil.FakeLedger
	recorder *testutil.FakeRecorder
	adapter  *testutil.FakeAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	authSvc := auth.New("test-secret",
		map[string]string{"revoked@example.com": "salt-v2"},
		[]string{"admin@example.com"},
		fakeCreds{})

	adapter := &testutil.FakeAdapter{AdapterName: "openai"}
	reg := provider.NewRegistry()
	reg.Register(adapter)

	ledger := testutil.NewFakeLedger()
	recorder := &testutil.FakeRecorder{}
	resolver := budget.NewResolver(map[string]gateway.BudgetPolicy{
		"*": {Limit: 1, Days: 7},
	})

	handler := New(Deps{
		Auth: authSvc,
		Pipeline: &app.Pipeline{
			Registry: reg,
			Budget:   resolver,
			Ledger:   ledger,
			Recorder: recorder,
		},
		Ledger: ledger,
		Budget: resolver,
	})
	return &testEnv{
		handler:  handler,
		auth:     authSvc,
		ledger:   ledger,
		recorder: recorder,
		adapter:  adapter,
	}
}

func (e *testEnv) do(t *testing.T, method, target, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) mint(t *testing.T, email string) string {
	t.Helper()
	token, err := e.auth.Mint(email)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func decodeMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return body.Message
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/openai/v1/chat/completions", nil)
	req.Header.Set("Access-Control-Request-Headers", "x-custom-header")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "x-custom-header" {
		t.Errorf("allow-headers = %q, want echo of request headers", got)
	}
	if got := w.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("max-age = %q", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("preflight body = %q, want empty", w.Body.String())
	}
}

func TestCORSOnErrors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/nosuchroute/x", "", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("error responses must carry CORS headers, allow-origin = %q", got)
	}
}

func TestTokenExchange(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/token?credential=good-credential", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp auth.TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Email != "user@example.com" || resp.Name != "Test User" || resp.Token == "" {
		t.Errorf("resp = %+v", resp)
	}
	// The minted token must verify against the same service.
	if _, err := env.auth.Verify(resp.Token); err != nil {
		t.Errorf("minted token failed verification: %v", err)
	}

	if w := env.do(t, http.MethodGet, "/token?credential=bad", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("bad credential status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/token", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing credential status = %d", w.Code)
	}
}

func TestProviderAuth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	if w := env.do(t, http.MethodPost, "/openai/v1/chat/completions", "", "{}"); w.Code != http.StatusUnauthorized {
		t.Errorf("missing bearer status = %d", w.Code)
	}
	w := env.do(t, http.MethodPost, "/openai/v1/chat/completions", "garbage-token", "{}")
	if w.Code != http.StatusUnauthorized || decodeMessage(t, w) != "invalid token" {
		t.Errorf("garbage token: status = %d, message = %q", w.Code, decodeMessage(t, w))
	}
}

func TestRevokedToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	// A token minted before the salt map had an entry carries no salt
	// claim; the current map entry revokes it.
	stale := auth.New("test-secret", nil, nil, nil)
	token, err := stale.Mint("revoked@example.com")
	if err != nil {
		t.Fatal(err)
	}
	w := env.do(t, http.MethodGet, "/usage", token, "")
	if w.Code != http.StatusUnauthorized || decodeMessage(t, w) != "token is no longer valid" {
		t.Errorf("status = %d, message = %q", w.Code, decodeMessage(t, w))
	}
}

func TestProviderDispatch(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"m1","usage":{"prompt_tokens":5,"completion_tokens":2}}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	env.adapter.TransformFn = func(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
		return &gateway.TransformResult{URL: upstream.URL + req.Path}, nil
	}
	env.adapter.ParseFn = func([]byte) (string, *gateway.Usage) {
		return "m1", &gateway.Usage{PromptTokens: 5, CompletionTokens: 2}
	}
	env.adapter.CostFn = func(context.Context, *gateway.CostContext) (float64, error) { return 0.01, nil }

	token := env.mint(t, "user@example.com")
	w := env.do(t, http.MethodPost, "/openai/v1/chat/completions", token, `{"model":"m1"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"m1"`) {
		t.Fatalf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if got := env.recorder.Total("user@example.com"); got != 0.01 {
		t.Errorf("metered = %v, want 0.01", got)
	}
}

func TestBudgetExceededResponse(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.ledger.Seed("user@example.com", time.Now().UTC().Format("2006-01-02"), 2)

	token := env.mint(t, "user@example.com")
	w := env.do(t, http.MethodPost, "/openai/v1/chat/completions", token, "{}")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if msg := decodeMessage(t, w); !strings.Contains(msg, "Usage $2 / $1 in 7 days") {
		t.Errorf("message = %q", msg)
	}
}

func TestUnknownProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	token := env.mint(t, "user@example.com")
	w := env.do(t, http.MethodPost, "/mystery/v1/x", token, "{}")
	if w.Code != http.StatusNotFound || !strings.Contains(decodeMessage(t, w), "Unknown provider") {
		t.Errorf("status = %d, message = %q", w.Code, decodeMessage(t, w))
	}
}

func TestUsageEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	today := time.Now().UTC().Format("2006-01-02")
	env.ledger.Seed("test@example.com", today, 0.123)

	token := env.mint(t, "test@example.com")
	w := env.do(t, http.MethodGet, "/usage", token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Email string              `json:"email"`
		Days  int                 `json:"days"`
		Cost  float64             `json:"cost"`
		Limit float64             `json:"limit"`
		Usage []gateway.CostEntry `json:"usage"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Email != "test@example.com" || resp.Days != 7 || resp.Limit != 1 || resp.Cost != 0.123 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Usage) != 1 || resp.Usage[0].Date != today {
		t.Errorf("usage rows = %+v", resp.Usage)
	}

	// Native keys carry no email to report on.
	w = env.do(t, http.MethodGet, "/usage", "sk-native-key", "")
	if w.Code != http.StatusUnauthorized || decodeMessage(t, w) != "requires AIPipe JWT token" {
		t.Errorf("native key: status = %d, message = %q", w.Code, decodeMessage(t, w))
	}
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	today := time.Now().UTC().Format("2006-01-02")
	env.ledger.Seed("a@example.com", today, 0.5)

	adminToken := env.mint(t, "admin@example.com")
	userToken := env.mint(t, "user@example.com")

	// Non-admin identity is forbidden.
	if w := env.do(t, http.MethodGet, "/admin/usage", userToken, ""); w.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d", w.Code)
	}
	// Native keys are rejected before the admin check.
	w := env.do(t, http.MethodGet, "/admin/usage", "sk-or-native", "")
	if w.Code != http.StatusUnauthorized || decodeMessage(t, w) != "requires AIPipe JWT token" {
		t.Errorf("native key: status = %d, message = %q", w.Code, decodeMessage(t, w))
	}

	// Full ledger scan.
	w = env.do(t, http.MethodGet, "/admin/usage", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin usage status = %d", w.Code)
	}
	var scan struct {
		Data []gateway.CostEntry `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &scan); err != nil {
		t.Fatal(err)
	}
	if len(scan.Data) != 1 || scan.Data[0].Email != "a@example.com" {
		t.Errorf("scan = %+v", scan.Data)
	}

	// Admin-minted token verifies like any other.
	w = env.do(t, http.MethodGet, "/admin/token?email=other@example.com", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin token status = %d", w.Code)
	}
	var minted struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &minted); err != nil {
		t.Fatal(err)
	}
	if id, err := env.auth.Verify(minted.Token); err != nil || id.Email != "other@example.com" {
		t.Errorf("minted token: id = %+v, err = %v", id, err)
	}

	// setCost overwrites.
	w = env.do(t, http.MethodPost, "/admin/cost", adminToken,
		`{"email":"a@example.com","date":"`+today+`","cost":9.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("admin cost status = %d, body = %s", w.Code, w.Body.String())
	}
	sum, _ := env.ledger.Sum(context.Background(), "a@example.com", 1)
	if sum != 9.5 {
		t.Errorf("cost after override = %v, want 9.5", sum)
	}

	// Wrong method and unknown action.
	if w := env.do(t, http.MethodGet, "/admin/cost", adminToken, ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /admin/cost status = %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/admin/bogus", adminToken, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown action status = %d", w.Code)
	}
}

func TestPassthrough(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/proxy/ftp://example.com/file", "", "")
	if w.Code != http.StatusBadRequest || decodeMessage(t, w) != "URL must begin with http" {
		t.Errorf("ftp target: status = %d, message = %q", w.Code, decodeMessage(t, w))
	}

	w = env.do(t, http.MethodGet, "/proxy/"+upstream.URL, "", "")
	if w.Code != http.StatusOK || w.Body.String() != "hello from upstream" {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Proxy-URL"); got != upstream.URL {
		t.Errorf("X-Proxy-URL = %q, want %q", got, upstream.URL)
	}
}

func TestPassthroughUpstreamFailures(t *testing.T) {
	t.Parallel()

	// The proxy routes need no auth or pipeline wiring.
	handler := New(Deps{ProxyClient: &http.Client{Timeout: 50 * time.Millisecond}})

	stall := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer stall.Close()

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+stall.URL, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusGatewayTimeout || decodeMessage(t, w) != "upstream timeout" {
		t.Errorf("stalled upstream: status = %d, message = %q", w.Code, decodeMessage(t, w))
	}

	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	req = httptest.NewRequest(http.MethodGet, "/proxy/"+deadURL, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("dead upstream: status = %d", w.Code)
	}
	if msg := decodeMessage(t, w); !strings.Contains(msg, "proxy request failed") {
		t.Errorf("dead upstream: message = %q", msg)
	}
}

func TestProviderBodyTooLarge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	token := env.mint(t, "user@example.com")

	body := strings.Repeat("a", maxRequestBody+1)
	w := env.do(t, http.MethodPost, "/openai/v1/chat/completions", token, body)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if msg := decodeMessage(t, w); msg != "request body too large" {
		t.Errorf("message = %q", msg)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz: %d %q", w.Code, w.Body.String())
	}
	if w := env.do(t, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Errorf("readyz: %d", w.Code)
	}
}
