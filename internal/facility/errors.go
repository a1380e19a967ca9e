package facility

import "errors"

// Domain errors for the facility package.
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("facility: device not found")

	// ErrInvalidDevice is returned when device binding validation fails.
	ErrInvalidDevice = errors.New("facility: invalid device")
)
