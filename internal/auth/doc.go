// Package auth issues and validates the service tokens that protect
// the HTTP API.
//
// These are ordinary HS256 JWTs for operators and machine clients of
// the backend itself — entirely separate from the Ed25519 command
// tokens the signer package builds for gateways. Full identity
// management (accounts, passwords, sessions) lives in the resource
// service; this package only needs to know who is calling and at what
// tier.
package auth
