// Package stdio drives a single child process that speaks line-delimited
// JSON-RPC 2.0 over its standard streams. It is the client-side counterpart
// of a stdio MCP server: the session spawns the child through a
// supervisor.Supervisor, writes requests to its stdin and correlates the
// replies that arrive on its stdout.
//
// Characteristics
//
//	Connection model : 1 session <-> 1 child process
//	Correlation      : integer ids from 1, one outcome per request
//	Concurrency      : one control loop owns all protocol state
//	Transport        : newline-delimited JSON on stdin/stdout
//	Diagnostics      : stderr, noise and protocol defects go to a report.Reporter
//
// Every event that touches protocol state is queued to the control loop and
// handled in arrival order: chunks of stdout and stderr, requests to send,
// deadline expiries, abandoned waits and the child's exit. The child's exit
// is queued only after its output has been fully delivered, so a reply
// written just before exit still settles its call.
//
// Example:
//
//	sup := supervisor.New(supervisor.Config{Command: "node", Args: []string{"build/index.js"}})
//	sess, err := stdio.Start(ctx, sup, stdio.WithDefaultTimeout(10*time.Second))
//	if err != nil { return err }
//	defer sess.Close(context.Background())
//	out := sess.Call(ctx, "tools/list", nil, 0)
//	if out.Status != stdio.StatusResolved { ... }
//
// Call never blocks indefinitely: every outcome is terminal, whether the
// peer answered, returned an error envelope, missed its deadline or exited.
package stdio
