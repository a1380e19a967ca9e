package api

import (
	"net/http"
)

// handleListDenylist returns revocation ledger entries.
//
// Query parameters (exactly one required):
//   - user_id: all deny entries for a user across devices
//   - device_id: all deny entries for one device
func (s *Server) handleListDenylist(w http.ResponseWriter, r *http.Request) {
	if s.denylist == nil {
		writeInternalError(w, "revocation ledger not configured")
		return
	}

	q := r.URL.Query()
	userID := q.Get("user_id")
	deviceID := q.Get("device_id")

	if (userID == "") == (deviceID == "") {
		writeBadRequest(w, "exactly one of user_id or device_id is required")
		return
	}

	var err error
	var entries any
	if userID != "" {
		entries, err = s.denylist.ListByUser(r.Context(), userID)
	} else {
		entries, err = s.denylist.ListByDevice(r.Context(), deviceID)
	}
	if err != nil {
		s.logger.Error("failed to list deny entries", "error", err)
		writeInternalError(w, "failed to list deny entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
