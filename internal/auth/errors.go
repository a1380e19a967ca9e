package auth

import "errors"

// Domain errors for the auth package.
var (
	// ErrTokenInvalid is returned when a service token fails validation.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrInsufficientRole is returned when a caller's role does not
	// permit the requested operation.
	ErrInsufficientRole = errors.New("auth: insufficient role")
)
