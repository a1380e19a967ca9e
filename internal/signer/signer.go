package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer builds Ed25519-signed command tokens. Routine commands use the
// operations key; key rotation uses the root key.
type Signer struct {
	ops     ed25519.PrivateKey
	root    ed25519.PrivateKey
	counter TimestampCounter
}

// New creates a Signer from base64-encoded Ed25519 seeds (32 bytes each,
// as stored in configuration) and a monotonic timestamp counter.
func New(opsSeed, rootSeed string, counter TimestampCounter) (*Signer, error) {
	ops, err := decodeSeed(opsSeed)
	if err != nil {
		return nil, fmt.Errorf("operations key: %w", err)
	}
	root, err := decodeSeed(rootSeed)
	if err != nil {
		return nil, fmt.Errorf("root key: %w", err)
	}
	return &Signer{ops: ops, root: root, counter: counter}, nil
}

// decodeSeed expands a base64 Ed25519 seed into a private key.
func decodeSeed(encoded string) (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes, want %d", ErrInvalidKey, len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// OpsPublicKey returns the operations public key.
func (s *Signer) OpsPublicKey() ed25519.PublicKey {
	return s.ops.Public().(ed25519.PublicKey)
}

// RootPublicKey returns the root public key.
func (s *Signer) RootPublicKey() ed25519.PublicKey {
	return s.root.Public().(ed25519.PublicKey)
}

// BuildDenyAdd signs a denylist-add command for the given entries,
// scoped to exactly the listed device IDs.
func (s *Signer) BuildDenyAdd(entries []DenyEntry, devices []string) (string, error) {
	claims := s.baseClaims(IssuerOps, CommandDenyAdd)
	claims.DenyAdd = entries
	claims.Devices = devices
	return s.sign(claims, s.ops)
}

// BuildDenyRemove signs a denylist-remove command for the given entries,
// scoped to exactly the listed device IDs.
func (s *Signer) BuildDenyRemove(entries []DenyEntry, devices []string) (string, error) {
	claims := s.baseClaims(IssuerOps, CommandDenyRemove)
	claims.DenyRemove = entries
	claims.Devices = devices
	return s.sign(claims, s.ops)
}

// BuildTimeSync signs a time-sync command. The issued timestamp is
// max(requested, last issued), so a device can never be told a time
// earlier than one already announced.
func (s *Signer) BuildTimeSync(ctx context.Context, requested int64) (string, int64, error) {
	issued, err := s.counter.Advance(ctx, requested)
	if err != nil {
		return "", 0, err
	}

	claims := s.baseClaims(IssuerOps, CommandTimeSync)
	claims.TS = issued
	token, err := s.sign(claims, s.ops)
	if err != nil {
		return "", 0, err
	}
	return token, issued, nil
}

// BuildKeyRotation signs a rotation of the operations key with the root
// key. The timestamp must strictly advance the monotonic counter;
// ErrStaleTimestamp signals a conflict with a previously issued value.
func (s *Signer) BuildKeyRotation(ctx context.Context, newPublicKey ed25519.PublicKey, ts int64) (string, error) {
	if len(newPublicKey) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: public key is %d bytes, want %d", ErrInvalidKey, len(newPublicKey), ed25519.PublicKeySize)
	}
	if err := s.counter.AdvanceStrict(ctx, ts); err != nil {
		return "", err
	}

	claims := s.baseClaims(IssuerRoot, CommandKeyRotation)
	claims.NewPublicKey = base64.StdEncoding.EncodeToString(newPublicKey)
	claims.TS = ts
	return s.sign(claims, s.root)
}

// BuildRoutePass signs a short-lived access credential permitting one
// user to unlock one device until the TTL lapses.
func (s *Signer) BuildRoutePass(userID, deviceID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	claims := s.baseClaims(IssuerOps, CommandRoutePass)
	claims.UserID = userID
	claims.DeviceID = deviceID
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token, err := s.sign(claims, s.ops)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// legacyRotation is the raw-payload shape accepted on the legacy
// rotation path: JSON bytes signed directly with the root key, no JWS
// framing.
type legacyRotation struct {
	NewPublicKey string `json:"new_public_key"`
	TS           int64  `json:"ts"`
}

// RotateFromRaw accepts the legacy rotation submission: a raw JSON
// payload plus a detached Ed25519 signature. The signature is checked
// against the root key and the embedded timestamp against the same
// monotonic counter as BuildKeyRotation. Returns the re-issued compact
// token for delivery to devices.
func (s *Signer) RotateFromRaw(ctx context.Context, payload, sig []byte) (string, error) {
	if !ed25519.Verify(s.RootPublicKey(), payload, sig) {
		return "", fmt.Errorf("%w: bad root signature", ErrTokenInvalid)
	}

	var req legacyRotation
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	newKey, err := base64.StdEncoding.DecodeString(req.NewPublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return s.BuildKeyRotation(ctx, ed25519.PublicKey(newKey), req.TS)
}

// baseClaims constructs the claims every command token carries.
func (s *Signer) baseClaims(issuer, command string) *CommandClaims {
	return &CommandClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
			ID:       uuid.NewString(),
		},
		Command: command,
	}
}

// sign produces the compact JWS string for a claim set.
func (s *Signer) sign(claims *CommandClaims, key ed25519.PrivateKey) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", claims.Command, err)
	}
	return signed, nil
}
