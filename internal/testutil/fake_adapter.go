// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"

	gateway "github.com/aipipe/aipipe/internal"
)

// FakeAdapter is a configurable gateway.Adapter for testing.
type FakeAdapter struct {
	AdapterName string
	TransformFn func(ctx context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error)
	CostFn      func(ctx context.Context, cc *gateway.CostContext) (float64, error)
	ParseFn     func(event []byte) (string, *gateway.Usage)
}

// Name returns the configured adapter name.
func (f *FakeAdapter) Name() string { return f.AdapterName }

// Transform delegates to TransformFn or returns an empty proxy spec that
// forwards to URL "" (callers supply TransformFn for upstream tests).
func (f *FakeAdapter) Transform(ctx context.Context, req *gateway.ProxyRequest) (*gateway.TransformResult, error) {
	if f.TransformFn != nil {
		return f.TransformFn(ctx, req)
	}
	return &gateway.TransformResult{URL: "http://fake.invalid" + req.Path}, nil
}

// Cost delegates to CostFn or meters zero.
func (f *FakeAdapter) Cost(ctx context.Context, cc *gateway.CostContext) (float64, error) {
	if f.CostFn != nil {
		return f.CostFn(ctx, cc)
	}
	return 0, nil
}

// Parse delegates to ParseFn or reports nothing.
func (f *FakeAdapter) Parse(event []byte) (string, *gateway.Usage) {
	if f.ParseFn != nil {
		return f.ParseFn(event)
	}
	return "", nil
}
