package outbound

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
)

// State is the resolution state of an outgoing call.
type State int

const (
	StatePending State = iota
	StateResolved
	StateFailed
	StateTimedOut
	StateProcessExited
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateProcessExited:
		return "process-exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrOrphan marks a response whose id matches no pending call.
	ErrOrphan = errors.New("orphan response")
	// ErrTimeout marks a call that received no response before its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrProcessExited marks a call that was still pending when the child exited.
	ErrProcessExited = errors.New("process exited")
)

// OrphanError describes an unmatched response.
type OrphanError struct {
	ID     string
	Reason string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("orphan response id=%q: %s", e.ID, e.Reason)
}

func (e *OrphanError) Unwrap() error { return ErrOrphan }

// Call is one outgoing request and its eventual outcome. Fields other than
// the identity are written only by the Correlator; readers must wait on Done.
type Call struct {
	ID           int64
	Method       string
	Params       json.RawMessage
	DispatchedAt time.Time
	Timeout      time.Duration

	state     State
	result    json.RawMessage
	rpcErr    *jsonrpc.Error
	err       error
	raw       string
	settledAt time.Time
	done      chan struct{}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// State reports the current state. It is only stable after Done is closed.
func (c *Call) State() State { return c.state }

// Result returns the raw result of a resolved call.
func (c *Call) Result() json.RawMessage { return c.result }

// RPCError returns the error envelope of a failed call.
func (c *Call) RPCError() *jsonrpc.Error { return c.rpcErr }

// Err returns the settling error: the error envelope, ErrTimeout or
// ErrProcessExited (possibly wrapped), or nil when resolved.
func (c *Call) Err() error { return c.err }

// Raw returns the response line that settled the call, if any.
func (c *Call) Raw() string { return c.raw }

// Latency is the time between dispatch and settlement.
func (c *Call) Latency() time.Duration {
	if c.settledAt.IsZero() {
		return 0
	}
	return c.settledAt.Sub(c.DispatchedAt)
}

func (c *Call) settle(state State, at time.Time) {
	c.state = state
	c.settledAt = at
	close(c.done)
}

// DefaultSettledMemory bounds how many settled ids are remembered for
// orphan classification.
const DefaultSettledMemory = 1024

// Correlator matches inbound responses to outstanding calls by id. It is
// owned by a single control loop and is not safe for concurrent use.
type Correlator struct {
	nextID  int64
	pending map[int64]*Call
	settled *lru.Cache[int64, State]
}

// NewCorrelator builds a Correlator remembering up to memory settled ids.
func NewCorrelator(memory int) *Correlator {
	if memory <= 0 {
		memory = DefaultSettledMemory
	}
	settled, err := lru.New[int64, State](memory)
	if err != nil {
		// Only reachable with a non-positive size, excluded above.
		panic(err)
	}
	return &Correlator{pending: make(map[int64]*Call), settled: settled}
}

// Register allocates the next id and records a pending call. Ids start at 1
// and are never reused.
func (c *Correlator) Register(method string, params json.RawMessage, now time.Time, timeout time.Duration) *Call {
	c.nextID++
	call := &Call{
		ID:           c.nextID,
		Method:       method,
		Params:       params,
		DispatchedAt: now,
		Timeout:      timeout,
		done:         make(chan struct{}),
	}
	c.pending[call.ID] = call
	return call
}

// Withdraw removes a pending call whose request never reached the peer and
// settles it with err.
func (c *Correlator) Withdraw(id int64, err error, now time.Time) *Call {
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	call.err = err
	call.settle(StateFailed, now)
	c.settled.Add(id, StateFailed)
	return call
}

// Resolve settles the pending call matching resp.ID. Responses for unknown or
// already settled ids return an *OrphanError.
func (c *Correlator) Resolve(resp *jsonrpc.Response, now time.Time) (*Call, error) {
	if resp == nil || resp.ID.IsNil() {
		return nil, &OrphanError{Reason: "response has no id"}
	}
	key := resp.ID.String()
	id, ok := resp.ID.Int64()
	if !ok {
		return nil, &OrphanError{ID: key, Reason: "unknown id"}
	}
	call, ok := c.pending[id]
	if !ok {
		if prev, seen := c.settled.Get(id); seen {
			return nil, &OrphanError{ID: key, Reason: fmt.Sprintf("already settled (%s)", prev)}
		}
		return nil, &OrphanError{ID: key, Reason: "unknown id"}
	}

	delete(c.pending, id)
	call.raw = resp.Raw()
	if resp.Error != nil {
		call.rpcErr = resp.Error
		call.err = resp.Error
		call.settle(StateFailed, now)
	} else {
		call.result = resp.Result
		call.settle(StateResolved, now)
	}
	c.settled.Add(id, call.state)
	return call, nil
}

// Expire settles a still-pending call as timed out. cause, when non-nil, is
// wrapped alongside ErrTimeout. It returns nil when the call already settled.
func (c *Correlator) Expire(id int64, cause error, now time.Time) *Call {
	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if cause != nil && !errors.Is(cause, ErrTimeout) {
		call.err = fmt.Errorf("%w: %w", ErrTimeout, cause)
	} else {
		call.err = ErrTimeout
	}
	call.settle(StateTimedOut, now)
	c.settled.Add(id, StateTimedOut)
	return call
}

// FailAll settles every pending call as process-exited and returns them in
// id order.
func (c *Correlator) FailAll(cause error, now time.Time) []*Call {
	if len(c.pending) == 0 {
		return nil
	}
	err := ErrProcessExited
	if cause != nil && !errors.Is(cause, ErrProcessExited) {
		err = fmt.Errorf("%w: %w", ErrProcessExited, cause)
	}
	calls := make([]*Call, 0, len(c.pending))
	for id := int64(1); id <= c.nextID && len(c.pending) > 0; id++ {
		call, ok := c.pending[id]
		if !ok {
			continue
		}
		delete(c.pending, id)
		call.err = err
		call.settle(StateProcessExited, now)
		c.settled.Add(id, StateProcessExited)
		calls = append(calls, call)
	}
	return calls
}

// Lookup returns a pending call by id.
func (c *Correlator) Lookup(id int64) (*Call, bool) {
	call, ok := c.pending[id]
	return call, ok
}

// Pending reports how many calls await a response.
func (c *Correlator) Pending() int { return len(c.pending) }
