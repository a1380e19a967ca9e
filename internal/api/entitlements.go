package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/keyway-access/keyway-core/internal/entitlement"
)

// handleEntitlementEvent accepts an entitlement change from the
// resource service and publishes it on the in-process bus.
//
// Returns 202 regardless of what the revocation listener does with it:
// the entitlement change has already committed upstream, so listener
// outcomes must never bounce back to the caller.
func (s *Server) handleEntitlementEvent(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeInternalError(w, "entitlement bus not configured")
		return
	}

	var event entitlement.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if event.Type != entitlement.EventAssigned && event.Type != entitlement.EventUnassigned {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "type must be assigned or unassigned")
		return
	}
	if event.UnitID == "" || event.UserID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "unit_id and user_id are required")
		return
	}

	// Detached from the request context: a client disconnect must not
	// abort the ledger update mid-write.
	s.bus.Publish(context.WithoutCancel(r.Context()), event)

	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}
