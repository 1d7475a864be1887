package outbound

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
)

// ErrDispatcherClosed indicates the dispatcher is closed.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// DispatchError reports a request or notification that could not be written
// to the peer. ID is zero for notifications.
type DispatchError struct {
	Method string
	ID     int64
	Err    error
}

func (e *DispatchError) Error() string {
	if e.ID == 0 {
		return fmt.Sprintf("dispatch %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("dispatch %s (id=%d): %v", e.Method, e.ID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Dispatcher serializes outgoing requests onto the child's input stream,
// registering each with the Correlator before the bytes are written so a fast
// reply always finds its bookkeeping. Like the Correlator it belongs to one
// control loop.
type Dispatcher struct {
	w   io.Writer
	c   *Correlator
	now func() time.Time

	closeErr error
}

// NewDispatcher constructs a Dispatcher writing to w.
func NewDispatcher(w io.Writer, c *Correlator, now func() time.Time) *Dispatcher {
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{w: w, c: c, now: now}
}

// Dispatch sends a request and returns its pending call. Failures never
// leave a pending entry behind.
func (d *Dispatcher) Dispatch(method string, params any, timeout time.Duration) (*Call, error) {
	if d.closeErr != nil {
		return nil, &DispatchError{Method: method, Err: d.closeErr}
	}
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return nil, &DispatchError{Method: method, Err: err}
	}

	call := d.c.Register(method, raw, d.now(), timeout)
	line, err := jsonrpc.EncodeRequest(jsonrpc.NewRequestID(call.ID), method, raw)
	if err == nil {
		_, err = d.w.Write(line)
	}
	if err != nil {
		derr := &DispatchError{Method: method, ID: call.ID, Err: err}
		d.c.Withdraw(call.ID, derr, d.now())
		return nil, derr
	}
	return call, nil
}

// Notify writes a notification. Nothing is registered since no reply is due.
func (d *Dispatcher) Notify(method string, params any) error {
	if d.closeErr != nil {
		return &DispatchError{Method: method, Err: d.closeErr}
	}
	line, err := jsonrpc.EncodeNotification(method, params)
	if err != nil {
		return &DispatchError{Method: method, Err: err}
	}
	if _, err := d.w.Write(line); err != nil {
		return &DispatchError{Method: method, Err: err}
	}
	return nil
}

// Close rejects every later dispatch with err.
func (d *Dispatcher) Close(err error) {
	if d.closeErr != nil {
		return
	}
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.closeErr = err
}

