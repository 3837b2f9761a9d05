package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the rust-analyzer client.
var (
	// ErrNotStarted indicates the client has not been started.
	ErrNotStarted = errors.New("rust-analyzer client not started")

	// ErrAlreadyStarted indicates the client is already running.
	ErrAlreadyStarted = errors.New("rust-analyzer client already started")

	// ErrShutdown indicates the client has been shut down.
	ErrShutdown = errors.New("rust-analyzer client shut down")

	// ErrTimeout indicates a request timed out.
	ErrTimeout = errors.New("request timed out")

	// ErrExecutableNotFound indicates rust-analyzer could not be located.
	ErrExecutableNotFound = errors.New("rust-analyzer not found in PATH or ~/.cargo/bin")
)

// RPCError represents a JSON-RPC error payload from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}
