package denylist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keyway-access/keyway-core/internal/command"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
	"github.com/keyway-access/keyway-core/internal/signer"
)

// SyncEnqueuer queues follow-up commands. Satisfied by command.Service.
type SyncEnqueuer interface {
	Submit(ctx context.Context, req command.SubmitRequest) (*command.Command, bool, error)
}

// ActivationGuard re-checks deny state after a key activation lands.
// A revocation can commit while the activating ADD_KEY is still in the
// queue; once the activation succeeds the device trusts a user the
// ledger denies. The guard closes that window by queueing a denylist
// sync carrying the device's current deny state.
type ActivationGuard struct {
	ledger Repository
	tokens TokenBuilder
	queue  SyncEnqueuer
	logger *logging.Logger
}

// NewActivationGuard creates a guard; register AfterSuccess with the
// dispatcher via command.WithSuccessHook.
func NewActivationGuard(ledger Repository, tokens TokenBuilder, queue SyncEnqueuer, logger *logging.Logger) *ActivationGuard {
	return &ActivationGuard{
		ledger: ledger,
		tokens: tokens,
		queue:  queue,
		logger: logger.With("component", "activation_guard"),
	}
}

// AfterSuccess is a command.SuccessHook. Best-effort: the activation
// already succeeded, so failures here are logged, never propagated.
func (g *ActivationGuard) AfterSuccess(ctx context.Context, cmd *command.Command, _ *command.Result) {
	if cmd.Type != command.TypeAddKey {
		return
	}

	var p command.AddKeyPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		g.logger.Error("decoding add-key payload", "command_id", cmd.ID, "error", err)
		return
	}

	entries, err := g.ledger.ListByDevice(ctx, cmd.DeviceID)
	if err != nil {
		g.logger.Error("listing deny entries", "device_id", cmd.DeviceID, "error", err)
		return
	}

	now := time.Now().UTC()
	var denied *Entry
	for i := range entries {
		e := &entries[i]
		if e.UserID != p.UserID {
			continue
		}
		if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			continue
		}
		denied = e
		break
	}
	if denied == nil {
		return
	}

	denyEntry := signer.DenyEntry{Subject: p.UserID}
	if denied.ExpiresAt != nil {
		denyEntry.Expiry = denied.ExpiresAt.Unix()
	}
	token, err := g.tokens.BuildDenyAdd([]signer.DenyEntry{denyEntry}, []string{cmd.DeviceID})
	if err != nil {
		g.logger.Error("building deny-add token", "device_id", cmd.DeviceID, "error", err)
		return
	}

	payload, err := json.Marshal(command.DenylistSyncPayload{Token: token})
	if err != nil {
		g.logger.Error("encoding denylist sync payload", "command_id", cmd.ID, "error", err)
		return
	}

	// Keyed on the activation command's ID: re-observing the same
	// success never queues a second sync.
	_, created, err := g.queue.Submit(ctx, command.SubmitRequest{
		FacilityID:     cmd.FacilityID,
		GatewayID:      cmd.GatewayID,
		DeviceID:       cmd.DeviceID,
		Type:           command.TypeDenylistSync,
		Payload:        payload,
		IdempotencyKey: "deny-recheck-" + cmd.ID,
		Priority:       cmd.Priority + 1,
	})
	if err != nil {
		g.logger.Error("queueing denylist sync", "command_id", cmd.ID, "error", err)
		return
	}
	if created {
		g.logger.Warn("key activated for denied user, denylist sync queued",
			"command_id", cmd.ID,
			"device_id", cmd.DeviceID,
			"user_id", p.UserID,
		)
	}
}
