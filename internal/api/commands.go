package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keyway-access/keyway-core/internal/audit"
	"github.com/keyway-access/keyway-core/internal/command"
)

// handleSubmitCommand enqueues a command for a gateway.
//
// Submission is idempotent on idempotency_key: a repeat submission
// returns the original command with 200 instead of 201.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req command.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	cmd, created, err := s.commands.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrInvalidCommand),
			errors.Is(err, command.ErrInvalidPayload),
			errors.Is(err, command.ErrUnknownCommandType):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			s.logger.Error("command submission failed", "error", err)
			writeInternalError(w, "failed to enqueue command")
		}
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.auditLog(audit.ActionCommandEnqueued, audit.EntityCommand, cmd.ID, callerSubject(r), map[string]any{
			"command_type": string(cmd.Type),
			"gateway_id":   cmd.GatewayID,
			"device_id":    cmd.DeviceID,
		})
	}
	writeJSON(w, status, cmd)
}

// handleGetCommand returns a single command by ID.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cmd, err := s.commands.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, command.ErrCommandNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		s.logger.Error("failed to get command", "id", id, "error", err)
		writeInternalError(w, "failed to get command")
		return
	}

	writeJSON(w, http.StatusOK, cmd)
}

// handleListCommands returns a facility's recent commands.
//
// Query parameters:
//   - facility_id: required facility filter
//   - limit: max results (default 50)
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	facilityID := q.Get("facility_id")
	if facilityID == "" {
		writeBadRequest(w, "facility_id query parameter is required")
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	cmds, err := s.commands.ListByFacility(r.Context(), facilityID, limit)
	if err != nil {
		s.logger.Error("failed to list commands", "facility_id", facilityID, "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// handleListAttempts returns a command's delivery attempt history.
func (s *Server) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	attempts, err := s.commands.Attempts(r.Context(), id)
	if err != nil {
		if errors.Is(err, command.ErrCommandNotFound) {
			writeNotFound(w, "command not found")
			return
		}
		s.logger.Error("failed to list attempts", "id", id, "error", err)
		writeInternalError(w, "failed to list attempts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// handleCancelCommand removes a command from dispatch. Commands that
// have already reached a terminal state cannot be cancelled.
func (s *Server) handleCancelCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.commands.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, command.ErrCommandNotFound):
			writeNotFound(w, "command not found")
		case errors.Is(err, command.ErrNotCancellable):
			writeConflict(w, "command is already in a terminal state")
		default:
			s.logger.Error("failed to cancel command", "id", id, "error", err)
			writeInternalError(w, "failed to cancel command")
		}
		return
	}

	s.auditLog(audit.ActionCommandCancelled, audit.EntityCommand, id, callerSubject(r), nil)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": string(command.StatusCancelled),
	})
}
