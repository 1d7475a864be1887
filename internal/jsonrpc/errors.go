package jsonrpc

import (
	"errors"
	"fmt"
)

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

var (
	// ErrFraming marks a line that is not valid JSON or not a JSON object.
	ErrFraming = errors.New("framing error")
	// ErrProtocol marks valid JSON that lacks the fields JSON-RPC 2.0 requires,
	// or an error envelope returned for a request.
	ErrProtocol = errors.New("protocol error")
)

// Error is a JSON-RPC error object. It satisfies the error interface so an
// error envelope can travel as a Go error; errors.Is(err, ErrProtocol) holds.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Is reports ErrProtocol as a match.
func (e *Error) Is(target error) bool { return target == ErrProtocol }
