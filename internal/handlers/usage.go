package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labfoundry/labgate/internal/middleware"
	"github.com/labfoundry/labgate/internal/tunnel"
	"github.com/labfoundry/labgate/internal/usage"
)

// Orch is set from main.go during init.
var Orch *tunnel.Orchestrator

// IssueTicket reserves lab time for the caller and returns a one-time
// connection ticket with the current usage snapshot.
func IssueTicket(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)

	res, err := Orch.IssueTicket(id)
	switch {
	case errors.Is(err, usage.ErrNoPrincipal):
		writeError(w, http.StatusUnauthorized, "Unable to resolve user principal")
		return
	case errors.Is(err, usage.ErrQuotaExhausted):
		writeError(w, http.StatusForbidden, "No lab hours remaining")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to issue ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":    res.Ticket.Value,
		"expiresAt": formatTimestamp(res.Ticket.ExpiresAt),
		"plan":      res.Ticket.Plan,
		"usage":     res.Snapshot,
	})
}

// GetUsage reports the caller's consumption within the current period.
func GetUsage(w http.ResponseWriter, r *http.Request) {
	id := middleware.GetIdentity(r)

	plan := Orch.Ledger.ResolvePlan(id)
	snap, err := Orch.Ledger.SnapshotFor(id.Principal(), plan)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unable to resolve user principal")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPremiumOverride reports the global premium override flag.
func GetPremiumOverride(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"premium": Orch.Ledger.PremiumOverrideEnabled(),
	})
}

// SetPremiumOverride toggles the global premium override. Admin only.
func SetPremiumOverride(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Premium bool `json:"premium"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	Orch.Ledger.SetPremiumOverride(body.Premium)
	writeJSON(w, http.StatusOK, map[string]bool{"premium": body.Premium})
}
