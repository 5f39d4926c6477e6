package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/budget"
	"github.com/aipipe/aipipe/internal/provider"
	"github.com/aipipe/aipipe/internal/testutil"
)

func identityReq(providerName, path string, body []byte) *gateway.ProxyRequest {
	return &gateway.ProxyRequest{
		Provider: providerName,
		Method:   http.MethodPost,
		Path:     path,
		Header:   http.Header{"Content-Type": []string{"application/json"}},
		Body:     body,
		Identity: &gateway.Identity{Email: "user@example.com"},
	}
}

func newPipeline(adapter gateway.Adapter, rec Recorder) (*Pipeline, *testutil.FakeLedger) {
	reg := provider.NewRegistry()
	reg.Register(adapter)
	ledger := testutil.NewFakeLedger()
	return &Pipeline{
		Registry: reg,
		Budget:   budget.NewResolver(map[string]gateway.BudgetPolicy{"*": {Limit: 1, Days: 7}}),
		Ledger:   ledger,
		Recorder: rec,
	}, ledger
}

func TestServeUnknownProvider(t *testing.T) {
	t.Parallel()
	p, _ := newPipeline(&testutil.FakeAdapter{AdapterName: "openai"}, nil)
	w := httptest.NewRecorder()
	err := p.Serve(context.Background(), w, identityReq("mystery", "/x", nil))
	se := &gateway.StatusError{}
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
}

func TestServeBudgetExceeded(t *testing.T) {
	t.Parallel()
	transformed := false
	p, ledger := newPipeline(&testutil.FakeAdapter{
		AdapterName: "openai",
		TransformFn: func(context.Context, *gateway.ProxyRequest) (*gateway.TransformResult, error) {
			transformed = true
			return nil, nil
		},
	}, nil)
	ledger.Add(context.Background(), "user@example.com", 2)

	err := p.Serve(context.Background(), httptest.NewRecorder(), identityReq("openai", "/x", nil))
	if !errors.Is(err, gateway.ErrBudgetExceeded) {
		t.Fatalf("err = %v, want ErrBudgetExceeded", err)
	}
	if transformed {
		t.Error("blocked request must not reach the adapter")
	}
}

func TestServeNativeSkipsBudget(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	rec := &testutil.FakeRecorder{}
	p, ledger := newPipeline(&testutil.FakeAdapter{
		AdapterName: "openai",
		TransformFn: func(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
			return &gateway.TransformResult{URL: upstream.URL + req.Path}, nil
		},
	}, rec)
	// Over budget, but native traffic must pass.
	ledger.Add(context.Background(), "user@example.com", 5)

	req := identityReq("openai", "/v1/models", nil)
	req.Identity = nil
	req.NativeKey = "sk-native"

	w := httptest.NewRecorder()
	if err := p.Serve(context.Background(), w, req); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if n := len(rec.Events()); n != 0 {
		t.Errorf("native request was metered %d times", n)
	}
}

func TestServeDirectResult(t *testing.T) {
	t.Parallel()
	rec := &testutil.FakeRecorder{}
	p, _ := newPipeline(&testutil.FakeAdapter{
		AdapterName: "similarity",
		TransformFn: func(context.Context, *gateway.ProxyRequest) (*gateway.TransformResult, error) {
			return &gateway.TransformResult{
				Direct: map[string]any{"similarity": [][]float64{{1}}},
				Model:  "text-embedding-3-small",
				Usage:  &gateway.Usage{PromptTokens: 9},
			}, nil
		},
		CostFn: func(_ context.Context, cc *gateway.CostContext) (float64, error) {
			return float64(cc.Usage.PromptTokens) * 0.001, nil
		},
	}, rec)

	w := httptest.NewRecorder()
	if err := p.Serve(context.Background(), w, identityReq("similarity", "/", []byte(`{}`))); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("status = %d, content-type = %q", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), `"similarity"`) {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := rec.Total("user@example.com"); got != 0.009 {
		t.Errorf("metered = %v, want 0.009", got)
	}
}

func TestServeUpstreamJSON(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer adapter-key" {
			t.Errorf("auth = %q, want the adapter's override", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Custom") != "kept" {
			t.Error("client headers must be forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"m1","usage":{"prompt_tokens":10}}`))
	}))
	defer upstream.Close()

	rec := &testutil.FakeRecorder{}
	p, _ := newPipeline(&testutil.FakeAdapter{
		AdapterName: "openai",
		TransformFn: func(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
			h := http.Header{}
			h.Set("Authorization", "Bearer adapter-key")
			return &gateway.TransformResult{URL: upstream.URL + req.Path, Header: h}, nil
		},
		ParseFn: func([]byte) (string, *gateway.Usage) {
			return "m1", &gateway.Usage{PromptTokens: 10}
		},
		CostFn: func(context.Context, *gateway.CostContext) (float64, error) { return 0.05, nil },
	}, rec)

	req := identityReq("openai", "/v1/chat/completions", []byte(`{}`))
	req.Header.Set("Authorization", "Bearer aipipe-token") // must not leak upstream
	req.Header.Set("X-Custom", "kept")

	w := httptest.NewRecorder()
	if err := p.Serve(context.Background(), w, req); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(w.Body.String(), `"m1"`) {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := rec.Total("user@example.com"); got != 0.05 {
		t.Errorf("metered = %v, want 0.05", got)
	}
}

func TestServeUpstreamErrorNotMetered(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	defer upstream.Close()

	rec := &testutil.FakeRecorder{}
	p, _ := newPipeline(&testutil.FakeAdapter{
		AdapterName: "openai",
		TransformFn: func(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
			return &gateway.TransformResult{URL: upstream.URL + req.Path}, nil
		},
		CostFn: func(context.Context, *gateway.CostContext) (float64, error) { return 1, nil },
	}, rec)

	w := httptest.NewRecorder()
	if err := p.Serve(context.Background(), w, identityReq("openai", "/x", []byte(`{}`))); err != nil {
		t.Fatal(err)
	}
	// The upstream status and body relay untouched.
	if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), "bad") {
		t.Errorf("status = %d, body = %q", w.Code, w.Body.String())
	}
	if n := len(rec.Events()); n != 0 {
		t.Errorf("error response was metered %d times", n)
	}
}

func TestServeStreamRelayAndMeter(t *testing.T) {
	t.Parallel()
	frames := "data: {\"model\":\"m1\"}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4}}\n\n" +
		"data: [DONE]\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(frames))
	}))
	defer upstream.Close()

	rec := &testutil.FakeRecorder{}
	p, _ := newPipeline(&testutil.FakeAdapter{
		AdapterName: "openai",
		TransformFn: func(_ context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
			return &gateway.TransformResult{URL: upstream.URL + req.Path}, nil
		},
		ParseFn: func(event []byte) (string, *gateway.Usage) {
			if strings.Contains(string(event), "usage") {
				return "", &gateway.Usage{PromptTokens: 3, CompletionTokens: 4}
			}
			return "m1", nil
		},
		CostFn: func(_ context.Context, cc *gateway.CostContext) (float64, error) {
			if cc.Model != "m1" || cc.Usage == nil {
				return 0, fmt.Errorf("unexpected cost context: %+v", cc)
			}
			return 0.002, nil
		},
	}, rec)

	w := httptest.NewRecorder()
	if err := p.Serve(context.Background(), w, identityReq("openai", "/x", []byte(`{"stream":true}`))); err != nil {
		t.Fatal(err)
	}
	if w.Body.String() != frames {
		t.Errorf("stream bytes altered:\n%q\nwant\n%q", w.Body.String(), frames)
	}
	events := rec.Events()
	if len(events) != 1 || events[0].Cost != 0.002 {
		t.Errorf("metering events = %+v, want exactly one of 0.002", events)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()
	var _ net.Error = timeoutErr{}
	if err := classifyFetchError(&net.OpError{Err: timeoutErr{}}); !errors.Is(err, gateway.ErrUpstreamTimeout) {
		t.Errorf("timeout classified as %v", err)
	}
	if err := classifyFetchError(errors.New("connection refused")); !errors.Is(err, gateway.ErrUpstream) {
		t.Errorf("generic failure classified as %v", err)
	}
}
