package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	gateway "github.com/aipipe/aipipe/internal"
)

// maxRequestBody bounds buffered request bodies. Provider requests are
// JSON payloads, not uploads.
const maxRequestBody = 10 << 20

// handleProvider authenticates the bearer and runs the pipeline for
// /{provider}/... routes.
func (s *server) handleProvider(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse("missing bearer token"))
		return
	}

	var identity *gateway.Identity
	var nativeKey string
	if _, native := gateway.ClassifyNativeKey(token); native {
		// Native keys pass through to whichever provider the route names;
		// a mismatched key is the upstream's 401 to give.
		nativeKey = token
	} else {
		var err error
		identity, err = s.deps.Auth.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		r = r.WithContext(gateway.ContextWithIdentity(r.Context(), identity))
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse("request body too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse("failed to read request body"))
		return
	}

	preq := &gateway.ProxyRequest{
		Provider:  providerName,
		Method:    r.Method,
		Path:      providerPath(r, providerName),
		Header:    r.Header,
		Body:      body,
		Identity:  identity,
		NativeKey: nativeKey,
	}

	if err := s.deps.Pipeline.Serve(r.Context(), w, preq); err != nil {
		writeError(w, err)
	}
}

// providerPath strips the provider segment, keeping the upstream suffix
// with its query string.
func providerPath(r *http.Request, providerName string) string {
	path := strings.TrimPrefix(r.URL.Path, "/"+providerName)
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}
	return path
}
