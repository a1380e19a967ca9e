package signer

import "errors"

// Domain errors for the signer package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, signer.ErrStaleTimestamp) {
//	    // respond 409 Conflict
//	}
var (
	// ErrTokenInvalid is returned for any structural or cryptographic
	// token failure. The verifier never partially trusts a token.
	ErrTokenInvalid = errors.New("signer: invalid token")

	// ErrStaleTimestamp is returned when a time-sync or key-rotation
	// timestamp does not advance the monotonic counter. Distinct from
	// ErrTokenInvalid so callers can report a conflict, not a bad request.
	ErrStaleTimestamp = errors.New("signer: stale timestamp")

	// ErrInvalidKey is returned when a signing key cannot be decoded.
	ErrInvalidKey = errors.New("signer: invalid key")

	// ErrUnknownIssuer is returned when a token's issuer claim matches
	// no configured key tier.
	ErrUnknownIssuer = errors.New("signer: unknown issuer")
)

// errCASExhausted is returned when the counter's compare-and-swap loop
// loses its retry budget to contention.
var errCASExhausted = errors.New("signer: counter contention")
