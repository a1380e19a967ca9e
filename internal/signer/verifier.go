package signer

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks command tokens against the configured public keys.
// The key is selected by the token's issuer claim; anything malformed,
// unsigned, or signed by the wrong tier is rejected outright.
type Verifier struct {
	ops  ed25519.PublicKey
	root ed25519.PublicKey
}

// NewVerifier creates a Verifier for the given public keys.
func NewVerifier(ops, root ed25519.PublicKey) *Verifier {
	return &Verifier{ops: ops, root: root}
}

// VerifierFor derives a Verifier from a Signer's key pairs.
func VerifierFor(s *Signer) *Verifier {
	return NewVerifier(s.OpsPublicKey(), s.RootPublicKey())
}

// Verify validates a compact token and returns its claims. It fails
// closed: structural defects, unknown issuers, wrong algorithms, and
// signature mismatches all reject the token.
func (v *Verifier) Verify(tokenString string) (*CommandClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CommandClaims{}, func(t *jwt.Token) (any, error) {
		claims, ok := t.Claims.(*CommandClaims)
		if !ok {
			return nil, ErrTokenInvalid
		}
		switch claims.Issuer {
		case IssuerOps:
			return v.ops, nil
		case IssuerRoot:
			return v.root, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownIssuer, claims.Issuer)
		}
	}, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CommandClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Command == "" {
		return nil, fmt.Errorf("%w: missing command type", ErrTokenInvalid)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing issued-at", ErrTokenInvalid)
	}
	if claims.Issuer == IssuerRoot && claims.Command != CommandKeyRotation {
		return nil, fmt.Errorf("%w: root key may only sign key rotation", ErrTokenInvalid)
	}

	return claims, nil
}
