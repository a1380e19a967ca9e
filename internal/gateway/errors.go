package gateway

import "errors"

// Domain errors for the gateway package.
var (
	// ErrRPCTimeout is returned when a gateway does not reply within the
	// configured window. Transient: the command retries under backoff.
	ErrRPCTimeout = errors.New("gateway: rpc timeout")

	// ErrRPCFailed is returned when a gateway replies with success=false.
	ErrRPCFailed = errors.New("gateway: rpc failed")
)
