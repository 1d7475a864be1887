package stdio

import (
	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-harness/internal/outbound"
	"github.com/ggoodman/mcp-stdio-harness/supervisor"
)

// Re-export the error taxonomy so consumers need not import internal
// packages.
var (
	ErrFraming          = jsonrpc.ErrFraming
	ErrProtocol         = jsonrpc.ErrProtocol
	ErrOrphan           = outbound.ErrOrphan
	ErrTimeout          = outbound.ErrTimeout
	ErrProcessExited    = outbound.ErrProcessExited
	ErrDispatcherClosed = outbound.ErrDispatcherClosed
)

type (
	// RPCError is an error envelope returned by the child.
	RPCError = jsonrpc.Error
	// DispatchError reports a request that never reached the child.
	DispatchError = outbound.DispatchError
	// OrphanError reports a response that matched no pending request.
	OrphanError = outbound.OrphanError
	// SpawnError reports a child that could not be launched.
	SpawnError = supervisor.SpawnError
	// ExitError carries the child's exit status.
	ExitError = supervisor.ExitError
)
