package server

import (
	"net/http"
	"strings"

	gateway "github.com/aipipe/aipipe/internal"
)

// handleToken exchanges a third-party OIDC credential for an identity token.
func (s *server) handleToken(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("credential")
	if credential == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("credential is required"))
		return
	}
	resp, err := s.deps.Auth.MintFromCredential(r.Context(), credential)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// bearerToken extracts the Authorization bearer credential, or "".
func bearerToken(r *http.Request) string {
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return t
	}
	return ""
}

// requireIdentity authenticates an identity-token-only endpoint. Native
// provider keys are rejected: they carry no email to act on.
func (s *server) requireIdentity(w http.ResponseWriter, r *http.Request) (*gateway.Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse("missing bearer token"))
		return nil, false
	}
	if _, native := gateway.ClassifyNativeKey(token); native {
		writeJSON(w, http.StatusUnauthorized, errorResponse("requires AIPipe JWT token"))
		return nil, false
	}
	identity, err := s.deps.Auth.Verify(token)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return identity, true
}
