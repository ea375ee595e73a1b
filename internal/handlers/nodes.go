package handlers

import "net/http"

// ListNodes returns the ids of the lab nodes this gateway can reach.
// Hosts and credentials stay server-side.
func ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": Orch.Targets.IDs(),
	})
}
