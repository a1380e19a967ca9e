package command

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the payload shape of a command.
type Type string

// Supported command types. Unknown types are rejected at enqueue, not
// discovered at execution time.
const (
	TypeAddKey       Type = "ADD_KEY"
	TypeRevokeKey    Type = "REVOKE_KEY"
	TypeDenylistSync Type = "DENYLIST_SYNC"
	TypeTimeSync     Type = "TIME_SYNC"
	TypeKeyRotation  Type = "KEY_ROTATION"
)

// AddKeyPayload provisions an access key for a user on a device. The
// device assigns the key code and returns it in the RPC result.
type AddKeyPayload struct {
	UserID     string `json:"user_id"`
	PublicKey  string `json:"public_key,omitempty"`
	AccessCode string `json:"access_code,omitempty"`
}

// RevokeKeyPayload removes a previously provisioned key from a device.
type RevokeKeyPayload struct {
	KeyCode   string `json:"key_code"`
	PublicKey string `json:"public_key,omitempty"`
}

// DenylistSyncPayload pushes a signed denylist token to a device that
// missed the original facility-channel delivery.
type DenylistSyncPayload struct {
	Token string `json:"token"`
}

// TimeSyncPayload requests a time announcement; the signer may issue a
// later timestamp to preserve monotonicity.
type TimeSyncPayload struct {
	RequestedTS int64 `json:"requested_ts"`
}

// KeyRotationPayload carries a root-signed operations-key rotation token.
type KeyRotationPayload struct {
	Token string `json:"token"`
}

// ValidatePayload decodes and validates a raw payload against its
// command type. Each type has a fixed shape; anything unrecognised or
// structurally wrong is rejected here, at the boundary.
func ValidatePayload(cmdType Type, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}

	switch cmdType {
	case TypeAddKey:
		var p AddKeyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.UserID == "" {
			return fmt.Errorf("%w: add key requires user_id", ErrInvalidPayload)
		}
	case TypeRevokeKey:
		var p RevokeKeyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.KeyCode == "" && p.PublicKey == "" {
			return fmt.Errorf("%w: revoke key requires key_code or public_key", ErrInvalidPayload)
		}
	case TypeDenylistSync:
		var p DenylistSyncPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.Token == "" {
			return fmt.Errorf("%w: denylist sync requires token", ErrInvalidPayload)
		}
	case TypeTimeSync:
		var p TimeSyncPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
	case TypeKeyRotation:
		var p KeyRotationPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if p.Token == "" {
			return fmt.Errorf("%w: key rotation requires token", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommandType, cmdType)
	}
	return nil
}
