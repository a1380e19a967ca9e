package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keyway-access/keyway-core/internal/command"
	"github.com/keyway-access/keyway-core/internal/infrastructure/logging"
)

// Presence answers whether a gateway currently has a live connection.
type Presence interface {
	IsOnline(gatewayID string) bool
}

// TimeSyncSigner issues monotonic time-sync tokens.
type TimeSyncSigner interface {
	BuildTimeSync(ctx context.Context, requested int64) (string, int64, error)
}

// Executor translates queued commands into transport operations. It
// satisfies command.Executor for the dispatcher.
type Executor struct {
	transport *Transport
	presence  Presence
	signer    TimeSyncSigner
	logger    *logging.Logger
}

// NewExecutor creates a command executor.
func NewExecutor(transport *Transport, presence Presence, signer TimeSyncSigner, logger *logging.Logger) *Executor {
	return &Executor{
		transport: transport,
		presence:  presence,
		signer:    signer,
		logger:    logger.With("component", "gateway_executor"),
	}
}

// Execute carries one command to its gateway. An offline gateway is a
// transient failure: the command stays in the queue and retries under
// backoff rather than timing out an RPC that cannot be answered.
func (e *Executor) Execute(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	if !e.presence.IsOnline(cmd.GatewayID) {
		return nil, fmt.Errorf("%w: %s", command.ErrGatewayOffline, cmd.GatewayID)
	}

	switch cmd.Type {
	case command.TypeAddKey:
		return e.addKey(ctx, cmd)
	case command.TypeRevokeKey:
		return e.revokeKey(ctx, cmd)
	case command.TypeDenylistSync:
		return e.denylistSync(ctx, cmd)
	case command.TypeTimeSync:
		return e.timeSync(ctx, cmd)
	case command.TypeKeyRotation:
		return e.keyRotation(ctx, cmd)
	default:
		// Unknown types are rejected at enqueue; reaching this means the
		// row predates a schema change. Permanent, but still operator
		// territory: it stays failed until cancelled.
		return nil, fmt.Errorf("%w: %q", command.ErrUnknownCommandType, cmd.Type)
	}
}

func (e *Executor) addKey(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	var p command.AddKeyPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrInvalidPayload, err)
	}

	resp, err := e.transport.AddKey(ctx, cmd.GatewayID, cmd.DeviceID, p)
	if err != nil {
		return nil, err
	}
	return &command.Result{Data: resp.Data}, nil
}

func (e *Executor) revokeKey(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	var p command.RevokeKeyPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrInvalidPayload, err)
	}

	resp, err := e.transport.RevokeKey(ctx, cmd.GatewayID, cmd.DeviceID, p.KeyCode, p.PublicKey)
	if err != nil {
		return nil, err
	}
	return &command.Result{Data: resp.Data}, nil
}

func (e *Executor) denylistSync(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	var p command.DenylistSyncPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrInvalidPayload, err)
	}

	resp, err := e.transport.Call(ctx, cmd.GatewayID, cmd.DeviceID, "denylist_sync",
		map[string]string{"token": p.Token})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %s", ErrRPCFailed, resp.Error)
	}
	return &command.Result{Data: resp.Data}, nil
}

// timeSync signs a fresh monotonic token and delivers it to the
// command's facility channel, so every gateway there hears the same
// announcement.
func (e *Executor) timeSync(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	var p command.TimeSyncPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrInvalidPayload, err)
	}

	token, issued, err := e.signer.BuildTimeSync(ctx, p.RequestedTS)
	if err != nil {
		return nil, fmt.Errorf("signing time sync: %w", err)
	}
	if err := e.transport.UnicastToFacility(ctx, cmd.FacilityID, token); err != nil {
		return nil, err
	}
	return &command.Result{Data: map[string]string{"issued_ts": fmt.Sprintf("%d", issued)}}, nil
}

// keyRotation broadcasts a pre-signed rotation token fleet-wide: every
// gateway must learn the new operations key.
func (e *Executor) keyRotation(ctx context.Context, cmd *command.Command) (*command.Result, error) {
	var p command.KeyRotationPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrInvalidPayload, err)
	}

	if err := e.transport.Broadcast(ctx, []byte(p.Token)); err != nil {
		return nil, err
	}
	return &command.Result{}, nil
}
