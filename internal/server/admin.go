package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/aipipe/aipipe/internal"
)

// handleAdmin dispatches /admin/{usage|token|cost}. All actions are
// identity-token-only and require admin membership.
func (s *server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if !s.deps.Auth.IsAdmin(identity.Email) {
		writeJSON(w, http.StatusForbidden, errorResponse("admin access required"))
		return
	}

	switch chi.URLParam(r, "action") {
	case "usage":
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"))
			return
		}
		s.handleAdminUsage(w, r)
	case "token":
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"))
			return
		}
		s.handleAdminToken(w, r)
	case "cost":
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"))
			return
		}
		s.handleAdminCost(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorResponse("unknown admin action"))
	}
}

type adminUsageResponse struct {
	Data []gateway.CostEntry `json:"data"`
}

// handleAdminUsage returns the full ledger scan.
func (s *server) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.AllUsage(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []gateway.CostEntry{}
	}
	writeJSON(w, http.StatusOK, adminUsageResponse{Data: entries})
}

type adminTokenResponse struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// handleAdminToken mints an identity token for an arbitrary email.
func (s *server) handleAdminToken(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("email is required"))
		return
	}
	token, err := s.deps.Auth.Mint(email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminTokenResponse{Token: token, Email: email})
}

// handleAdminCost overwrites one ledger row.
func (s *server) handleAdminCost(w http.ResponseWriter, r *http.Request) {
	var entry gateway.CostEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}
	if entry.Email == "" || entry.Date == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("email and date are required"))
		return
	}
	if err := s.deps.Ledger.SetCost(r.Context(), entry.Email, entry.Date, entry.Cost); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
