package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/aipipe/aipipe/internal/provider"
)

const passthroughTimeout = 30 * time.Second

// handlePassthrough relays /proxy/<absolute-url> to the named URL with a
// wall-clock timeout. No authentication.
func (s *server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.RequestURI(), "/proxy/")
	if !strings.HasPrefix(raw, "http") {
		writeJSON(w, http.StatusBadRequest, errorResponse("URL must begin with http"))
		return
	}
	// Path normalisation collapses "//" after the scheme; restore it.
	target := raw
	if !strings.Contains(target, "://") {
		target = strings.Replace(target, ":/", "://", 1)
	}

	ctx, cancel := context.WithTimeout(r.Context(), passthroughTimeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid proxy URL: "+err.Error()))
		return
	}
	provider.FilterRequestHeader(out.Header, r.Header)
	// Unlike the provider path, no adapter re-sets credentials here; the
	// caller's Authorization forwards untouched.
	if vals := r.Header["Authorization"]; len(vals) > 0 {
		out.Header["Authorization"] = vals
	}

	resp, err := s.proxyClient().Do(out)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout()) {
			writeJSON(w, http.StatusGatewayTimeout, errorResponse("upstream timeout"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse("proxy request failed: "+err.Error()))
		return
	}
	defer resp.Body.Close()

	provider.CopyResponseHeader(w.Header(), resp.Header)
	w.Header().Set("X-Proxy-URL", raw)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (s *server) proxyClient() *http.Client {
	if s.deps.ProxyClient != nil {
		return s.deps.ProxyClient
	}
	return http.DefaultClient
}
