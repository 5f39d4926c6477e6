// Package app wires the request pipeline: budget admission, adapter
// transform, upstream fetch, response relay, and asynchronous metering.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	gateway "github.com/aipipe/aipipe/internal"
	"github.com/aipipe/aipipe/internal/budget"
	"github.com/aipipe/aipipe/internal/provider"
	"github.com/aipipe/aipipe/internal/provider/sseutil"
	"github.com/aipipe/aipipe/internal/telemetry"
)

// Recorder accepts metered dollar amounts without blocking.
type Recorder interface {
	Record(email string, cost float64)
}

// Pipeline executes one provider-bound request end to end. All fields
// except Registry are optional; nil Metrics and Recorder disable the
// corresponding side effects, nil Client falls back to http.DefaultClient.
type Pipeline struct {
	Registry *provider.Registry
	Budget   *budget.Resolver
	Ledger   budget.Summer
	Recorder Recorder
	Client   *http.Client
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
}

func (p *Pipeline) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Serve runs the pipeline for one request and writes the response. A
// non-nil error means no response bytes were written yet and the caller
// owns the error rendering; once the upstream status line is relayed all
// failures are handled internally (logged, stream truncated).
func (p *Pipeline) Serve(ctx context.Context, w http.ResponseWriter, req *gateway.ProxyRequest) error {
	adapter, ok := p.Registry.Get(req.Provider)
	if !ok {
		return &gateway.StatusError{Code: http.StatusNotFound,
			Message: "Unknown provider: " + req.Provider}
	}

	// Native-key traffic is a pure passthrough: no budget, no metering.
	if !req.Native() {
		if err := p.admit(ctx, req); err != nil {
			return err
		}
	}

	res, err := adapter.Transform(ctx, req)
	if err != nil {
		return err
	}

	if res.Direct != nil {
		return p.serveDirect(ctx, w, req, adapter, res)
	}
	return p.serveUpstream(ctx, w, req, adapter, res)
}

func (p *Pipeline) admit(ctx context.Context, req *gateway.ProxyRequest) error {
	if p.Budget == nil || req.Identity == nil {
		return nil
	}
	err := p.Budget.Admit(ctx, p.Ledger, req.Identity.Email)
	if errors.Is(err, gateway.ErrBudgetExceeded) && p.Metrics != nil {
		p.Metrics.BudgetRejects.Inc()
	}
	return err
}

// serveDirect renders an adapter-computed result and meters it.
func (p *Pipeline) serveDirect(ctx context.Context, w http.ResponseWriter, req *gateway.ProxyRequest, adapter gateway.Adapter, res *gateway.TransformResult) error {
	body, err := json.Marshal(res.Direct)
	if err != nil {
		return fmt.Errorf("marshal direct result: %w", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		p.logger().LogAttrs(ctx, slog.LevelWarn, "direct result write failed",
			slog.String("error", err.Error()))
	}
	p.meter(ctx, req, adapter, res.Model, res.Usage)
	return nil
}

// serveUpstream forwards the request and relays the response, metering
// JSON and SSE bodies.
func (p *Pipeline) serveUpstream(ctx context.Context, w http.ResponseWriter, req *gateway.ProxyRequest, adapter gateway.Adapter, res *gateway.TransformResult) error {
	body := res.Body
	if body == nil {
		body = req.Body
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, res.URL, reader)
	if err != nil {
		return fmt.Errorf("%w: build upstream request: %v", gateway.ErrUpstream, err)
	}
	provider.FilterRequestHeader(out.Header, req.Header)
	for key, vals := range res.Header {
		out.Header[key] = vals
	}

	start := time.Now()
	resp, err := p.client().Do(out)
	if p.Metrics != nil {
		p.Metrics.UpstreamDuration.WithLabelValues(req.Provider).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if p.Metrics != nil {
			p.Metrics.UpstreamErrors.WithLabelValues(req.Provider).Inc()
		}
		return classifyFetchError(err)
	}
	defer resp.Body.Close()

	provider.CopyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		p.relayStream(ctx, w, req, adapter, resp.Body)
	case strings.HasPrefix(contentType, "application/json"):
		p.relayJSON(ctx, w, req, adapter, resp.StatusCode, resp.Body)
	default:
		if _, err := io.Copy(w, resp.Body); err != nil {
			p.logger().LogAttrs(ctx, slog.LevelWarn, "response relay failed",
				slog.String("provider", req.Provider),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// relayStream pipes SSE bytes through the splitter, flushing after every
// chunk, and meters the latched pair when the stream ends for any reason.
func (p *Pipeline) relayStream(ctx context.Context, w http.ResponseWriter, req *gateway.ProxyRequest, adapter gateway.Adapter, upstream io.Reader) {
	rc := http.NewResponseController(w)
	splitter := sseutil.NewSplitter(flushWriter{w: w, rc: rc}, adapter.Parse,
		func(model string, usage *gateway.Usage) {
			p.meter(ctx, req, adapter, model, usage)
		})
	defer splitter.Close()

	if _, err := io.Copy(splitter, upstream); err != nil {
		p.logger().LogAttrs(ctx, slog.LevelWarn, "stream relay interrupted",
			slog.String("provider", req.Provider),
			slog.String("error", err.Error()))
	}
}

// relayJSON buffers a unary JSON body, relays it, and meters it when the
// upstream reported success.
func (p *Pipeline) relayJSON(ctx context.Context, w http.ResponseWriter, req *gateway.ProxyRequest, adapter gateway.Adapter, status int, upstream io.Reader) {
	body, err := io.ReadAll(upstream)
	if err != nil {
		p.logger().LogAttrs(ctx, slog.LevelWarn, "response read failed",
			slog.String("provider", req.Provider),
			slog.String("error", err.Error()))
		return
	}
	if _, err := w.Write(body); err != nil {
		p.logger().LogAttrs(ctx, slog.LevelWarn, "response write failed",
			slog.String("provider", req.Provider),
			slog.String("error", err.Error()))
	}
	if status >= 200 && status < 300 {
		model, usage := adapter.Parse(body)
		p.meter(ctx, req, adapter, model, usage)
	}
}

// meter prices the extracted usage and enqueues the debit. It never
// affects the response: failures are logged and swallowed, and the cost
// side-calls run on a cancellation-free context so a client disconnect
// cannot skip the charge.
func (p *Pipeline) meter(ctx context.Context, req *gateway.ProxyRequest, adapter gateway.Adapter, model string, usage *gateway.Usage) {
	if req.Native() || req.Identity == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	cost, err := adapter.Cost(ctx, &gateway.CostContext{
		Model:       model,
		Usage:       usage,
		Path:        req.Path,
		RequestBody: req.Body,
	})
	if err != nil {
		p.logger().LogAttrs(ctx, slog.LevelError, "cost calculation failed",
			slog.String("provider", req.Provider),
			slog.String("model", model),
			slog.String("email", req.Identity.Email),
			slog.String("error", err.Error()))
		return
	}
	if cost <= 0 {
		return
	}
	if p.Metrics != nil {
		p.Metrics.MeteredCost.WithLabelValues(req.Provider).Add(cost)
	}
	if p.Recorder != nil {
		p.Recorder.Record(req.Identity.Email, cost)
	}
}

// classifyFetchError maps transport failures onto the gateway sentinels.
func classifyFetchError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", gateway.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
}

// flushWriter flushes after every write so SSE frames reach the client
// as they arrive.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	if ferr := f.rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
		return n, ferr
	}
	return n, nil
}
