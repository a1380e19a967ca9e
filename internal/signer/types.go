package signer

import (
	"github.com/golang-jwt/jwt/v5"
)

// Issuer identifies which key tier signed a token.
const (
	IssuerOps  = "ops"
	IssuerRoot = "root"
)

// Command types carried in the "cmd" claim.
const (
	CommandDenyAdd     = "DENYLIST_ADD"
	CommandDenyRemove  = "DENYLIST_REMOVE"
	CommandTimeSync    = "TIME_SYNC"
	CommandKeyRotation = "KEY_ROTATION"
	CommandRoutePass   = "ROUTE_PASS"
)

// DenyEntry is one subject in a denylist add/remove command.
// Expiry is a Unix timestamp in seconds; zero means the deny is
// permanent and never lapses on-device.
type DenyEntry struct {
	Subject string `json:"subject"`
	Expiry  int64  `json:"expiry,omitempty"`
}

// CommandClaims is the claim set of every Keyway command token.
// Command-specific fields are populated per command type and omitted
// otherwise; Issuer and IssuedAt are always present.
type CommandClaims struct {
	jwt.RegisteredClaims
	Command      string      `json:"cmd"`
	DenyAdd      []DenyEntry `json:"denylist_add,omitempty"`
	DenyRemove   []DenyEntry `json:"denylist_remove,omitempty"`
	Devices      []string    `json:"devices,omitempty"`
	NewPublicKey string      `json:"new_public_key,omitempty"`
	TS           int64       `json:"ts,omitempty"`
	UserID       string      `json:"user_id,omitempty"`
	DeviceID     string      `json:"device_id,omitempty"`
}
