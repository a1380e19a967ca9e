package api

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/keyway-access/keyway-core/internal/audit"
	"github.com/keyway-access/keyway-core/internal/signer"
)

// timeSyncRequest is the request body for POST /signer/time-sync.
type timeSyncRequest struct {
	RequestedTS int64 `json:"requested_ts"`
}

// handleTimeSync signs a time-sync token. The issued timestamp never
// regresses below a previously issued one, so a replayed older request
// cannot roll device clocks back.
func (s *Server) handleTimeSync(w http.ResponseWriter, r *http.Request) {
	var req timeSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	token, issued, err := s.signer.BuildTimeSync(r.Context(), req.RequestedTS)
	if err != nil {
		s.logger.Error("time-sync signing failed", "error", err)
		writeInternalError(w, "failed to sign time-sync token")
		return
	}

	s.auditLog(audit.ActionTimeSynced, audit.EntitySigner, "", callerSubject(r), map[string]any{
		"requested_ts": req.RequestedTS,
		"issued_ts":    issued,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"issued_ts": issued,
	})
}

// rotateRequest is the request body for POST /signer/rotate.
//
// Two shapes are accepted. The current shape carries the new public key
// and timestamp directly. The legacy shape, still sent by older ops
// tooling, carries a raw JSON payload with a detached root signature;
// it is verified and re-issued as a compact token.
type rotateRequest struct {
	NewPublicKey string `json:"new_public_key,omitempty"`
	TS           int64  `json:"ts,omitempty"`

	Payload   string `json:"payload,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// handleRotate signs an operations-key rotation with the root key. A
// timestamp at or below the last issued one is a conflict: some earlier
// rotation or time-sync already claimed it.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	var token string
	var err error
	switch {
	case req.Payload != "":
		token, err = s.rotateFromLegacy(r, req)
	case req.NewPublicKey != "":
		var key []byte
		key, err = base64.StdEncoding.DecodeString(req.NewPublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeValidation, "new_public_key is not valid base64")
			return
		}
		token, err = s.signer.BuildKeyRotation(r.Context(), ed25519.PublicKey(key), req.TS)
	default:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "either new_public_key or payload is required")
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, signer.ErrStaleTimestamp):
			writeConflict(w, "rotation timestamp does not advance the issued-timestamp counter")
		case errors.Is(err, signer.ErrTokenInvalid), errors.Is(err, signer.ErrInvalidKey):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		default:
			s.logger.Error("key rotation failed", "error", err)
			writeInternalError(w, "failed to sign key rotation")
		}
		return
	}

	s.auditLog(audit.ActionKeyRotated, audit.EntitySigner, "", callerSubject(r), map[string]any{
		"legacy": req.Payload != "",
	})

	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// rotateFromLegacy decodes and verifies the legacy raw-payload rotation shape.
func (s *Server) rotateFromLegacy(r *http.Request, req rotateRequest) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		return "", fmt.Errorf("%w: payload is not valid base64", signer.ErrTokenInvalid)
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: signature is not valid base64", signer.ErrTokenInvalid)
	}
	return s.signer.RotateFromRaw(r.Context(), payload, sig)
}
