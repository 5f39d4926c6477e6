// Package provider contains shared plumbing for provider adapters: the
// adapter registry, the tuned upstream transport, and header filtering.
package provider

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/aipipe/aipipe/internal"
)

// Registry maps route names to adapters.
type Registry struct {
	adapters map[string]gateway.Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]gateway.Adapter)}
}

// Register adds an adapter under its route name.
func (r *Registry) Register(a gateway.Adapter) {
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a route name.
func (r *Registry) Get(name string) (gateway.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching for the upstream fetch path.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// dropRequest headers that are platform-injected or recomputed by the
// HTTP client and must not reach the upstream.
var dropRequest = map[string]struct{}{
	"Content-Length":  {},
	"Host":            {},
	"Accept-Encoding": {},
	"Authorization":   {}, // re-set by the adapter's transform
}

// FilterRequestHeader copies client request headers into dst, dropping
// hop-by-hop, platform-injected (cf-*), and credential headers.
func FilterRequestHeader(dst, src http.Header) {
	for key, vals := range src {
		if _, hop := hopByHop[key]; hop {
			continue
		}
		if _, drop := dropRequest[key]; drop {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "cf-") {
			continue
		}
		dst[key] = vals
	}
}

// dropResponse headers stripped from upstream responses before relaying.
var dropResponse = map[string]struct{}{
	"Transfer-Encoding":       {},
	"Connection":              {},
	"Content-Security-Policy": {},
}

// CopyResponseHeader copies upstream response headers into dst, stripping
// transport framing and the upstream's CSP.
func CopyResponseHeader(dst, src http.Header) {
	for key, vals := range src {
		if _, drop := dropResponse[key]; drop {
			continue
		}
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
}
