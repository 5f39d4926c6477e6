package server

import (
	"net/http"

	"github.com/aipipe/aipipe/internal/storage"
)

// usageResponse is the self-usage report plus the caller's effective
// budget so clients can render remaining headroom.
type usageResponse struct {
	storage.UsageReport
	Limit float64 `json:"limit"`
}

// handleUsage reports the bearer identity's windowed spend.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	policy := s.deps.Budget.Lookup(identity.Email)
	report, err := s.deps.Ledger.Usage(r.Context(), identity.Email, policy.Days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{UsageReport: *report, Limit: policy.Limit})
}
