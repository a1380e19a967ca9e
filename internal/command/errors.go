package command

import "errors"

// Domain errors for the command package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, command.ErrCommandNotFound) {
//	    // handle not found case
//	}
var (
	// ErrCommandNotFound is returned when a command ID does not exist.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrUnknownCommandType is returned when a command type is not recognised.
	ErrUnknownCommandType = errors.New("command: unknown command type")

	// ErrInvalidPayload is returned when a payload fails validation for
	// its command type.
	ErrInvalidPayload = errors.New("command: invalid payload")

	// ErrInvalidCommand is returned when required command fields are missing.
	ErrInvalidCommand = errors.New("command: invalid")

	// ErrNotCancellable is returned when cancelling a command that has
	// already reached a terminal state.
	ErrNotCancellable = errors.New("command: not cancellable")

	// ErrGatewayOffline is a transient execution failure: the gateway has
	// no live transport right now. The command stays queued for retry.
	ErrGatewayOffline = errors.New("command: gateway offline")
)
