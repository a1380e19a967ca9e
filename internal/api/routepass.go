package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/keyway-access/keyway-core/internal/audit"
	"github.com/keyway-access/keyway-core/internal/credential"
)

// issuePassRequest is the request body for POST /route-passes.
type issuePassRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// issuePassResponse is the response body for POST /route-passes.
type issuePassResponse struct {
	Pass  *credential.RoutePass `json:"pass"`
	Token string                `json:"token"`
}

// handleIssueRoutePass signs a route pass for one (user, device) pair
// and records the issuance so later revocations can reason about the
// outstanding credential window.
func (s *Server) handleIssueRoutePass(w http.ResponseWriter, r *http.Request) {
	var req issuePassRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "user_id and device_id are required")
		return
	}

	token, expiresAt, err := s.signer.BuildRoutePass(req.UserID, req.DeviceID, s.passTTL)
	if err != nil {
		s.logger.Error("route pass signing failed", "user_id", req.UserID, "error", err)
		writeInternalError(w, "failed to sign route pass")
		return
	}

	pass := &credential.RoutePass{
		UserID:    req.UserID,
		DeviceID:  req.DeviceID,
		ExpiresAt: expiresAt,
	}
	if s.passes != nil {
		if err := s.passes.Record(r.Context(), pass); err != nil {
			// The token is already signed; refusing to return it now would
			// leave a live credential the ledger never saw.
			s.logger.Error("route pass record failed", "user_id", req.UserID, "error", err)
			writeInternalError(w, "failed to record route pass")
			return
		}
	}

	s.auditLog(audit.ActionRoutePassIssued, audit.EntityRoutePass, pass.ID, callerSubject(r), map[string]any{
		"user_id":   req.UserID,
		"device_id": req.DeviceID,
	})

	writeJSON(w, http.StatusCreated, issuePassResponse{Pass: pass, Token: token})
}

// handleListRoutePasses returns a user's recent route passes.
//
// Query parameters:
//   - user_id: required user filter
//   - limit: max results (default 50)
func (s *Server) handleListRoutePasses(w http.ResponseWriter, r *http.Request) {
	if s.passes == nil {
		writeInternalError(w, "route pass store not configured")
		return
	}

	q := r.URL.Query()
	userID := q.Get("user_id")
	if userID == "" {
		writeBadRequest(w, "user_id query parameter is required")
		return
	}

	const defaultLimit = 50
	limit := defaultLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	passes, err := s.passes.ListByUser(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("failed to list route passes", "user_id", userID, "error", err)
		writeInternalError(w, "failed to list route passes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"passes": passes,
		"count":  len(passes),
	})
}
