// Package supervisor owns the lifecycle of a child process that is driven
// over its standard streams.
//
// A Supervisor is configured with an executable and arguments and starts at
// most one live Child at a time. The child's stdout and stderr are delivered
// to caller-supplied writers; its stdin is exposed for the request writer.
// Shutdown always ends in terminate-then-kill:
//
//	Stop              : close stdin, wait GracePeriod, then as ctx cancel
//	ctx cancel        : SIGTERM
//	after GracePeriod : SIGKILL
//	exit observed     : Done closed, Status populated
//
// Cancelling the context passed to Start is the hook for external
// interruption: callers wire it to signal.NotifyContext so an interrupted
// harness never leaves an orphaned child behind.
package supervisor
