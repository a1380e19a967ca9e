// Package signer builds and verifies authenticated gateway command tokens
// for Keyway Core.
//
// Tokens are compact JWS strings (header.claims.signature, each part
// base64url-encoded) signed with Ed25519. Two key tiers exist:
//
//   - The operations key signs routine commands: denylist add/remove,
//     time sync, and route passes.
//   - The root key signs exactly one thing — rotation of the operations
//     key. It is the highest-trust key and is used rarely.
//
// Time-sync and key-rotation claims carry a timestamp constrained by a
// process-wide monotonic counter persisted in SQLite: each issued value
// must be greater than or equal to every previously issued one, so
// devices never observe time moving backward. Concurrent issuers are
// serialized with a compare-and-swap update; a stale rotation request
// is rejected with ErrStaleTimestamp rather than silently accepted.
//
// Verification selects the public key by the token's issuer claim and
// fails closed: any structural or cryptographic defect rejects the
// whole token.
package signer
