package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ggoodman/mcp-stdio-harness/internal/framer"
	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-harness/internal/logctx"
	"github.com/ggoodman/mcp-stdio-harness/internal/outbound"
	"github.com/ggoodman/mcp-stdio-harness/report"
	"github.com/ggoodman/mcp-stdio-harness/supervisor"
)

// eventQueueDepth bounds how many events may wait for the control loop.
const eventQueueDepth = 256

// Status is the terminal outcome of a Call.
type Status int

const (
	StatusResolved Status = iota
	StatusFailed
	StatusTimedOut
	StatusProcessExited
	StatusDispatchFailed
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed-out"
	case StatusProcessExited:
		return "process-exited"
	case StatusDispatchFailed:
		return "dispatch-failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Outcome is the settled result of one request.
type Outcome struct {
	// ID is the correlation id, zero when the request was never dispatched.
	ID     int64
	Method string
	// Params are the params exactly as they were sent.
	Params json.RawMessage
	Status Status
	// Result is set when Status is StatusResolved.
	Result json.RawMessage
	// Error is the error envelope when Status is StatusFailed.
	Error *jsonrpc.Error
	// Err explains every status other than StatusResolved.
	Err error
	// Raw is the response line that settled the call.
	Raw          string
	DispatchedAt time.Time
	Latency      time.Duration
}

// OK reports a resolved call.
func (o Outcome) OK() bool { return o.Status == StatusResolved }

// Fatal reports an outcome after which the child cannot be driven further:
// it exited, or its input stream refused the write.
func (o Outcome) Fatal() bool {
	switch o.Status {
	case StatusProcessExited:
		return true
	case StatusDispatchFailed:
		var derr *outbound.DispatchError
		return errors.Is(o.Err, outbound.ErrProcessExited) || (errors.As(o.Err, &derr) && derr.ID != 0)
	default:
		return false
	}
}

// Session drives one child process. Its exported methods are safe for
// concurrent use; all protocol state lives on the control loop.
type Session struct {
	logger         *slog.Logger
	reporter       *report.Reporter
	onNotify       NotificationHandler
	defaultTimeout time.Duration
	now            func() time.Time

	child   *supervisor.Child
	ctx     context.Context
	baseCtx context.Context
	events  chan event
	closed  chan struct{}
	closing atomic.Bool
	status  supervisor.ExitStatus

	// Owned by the control loop.
	stdout framer.Framer
	stderr framer.Framer
	corr   *outbound.Correlator
	disp   *outbound.Dispatcher
	stdin  *stdinWriter
	timers map[int64]*time.Timer
}

type event interface{ isEvent() }

type (
	streamEvent struct {
		chunk  []byte
		stderr bool
	}
	callEvent struct {
		ctx     context.Context
		method  string
		params  any
		timeout time.Duration
		reply   chan callReply
	}
	notifyEvent struct {
		ctx    context.Context
		method string
		params any
		reply  chan error
	}
	expireEvent  struct{ id int64 }
	abandonEvent struct {
		id    int64
		cause error
	}
	writeFailedEvent struct {
		err  error
		lost [][]byte
	}
	exitEvent struct{}
)

func (streamEvent) isEvent()      {}
func (callEvent) isEvent()        {}
func (notifyEvent) isEvent()      {}
func (expireEvent) isEvent()      {}
func (abandonEvent) isEvent()     {}
func (writeFailedEvent) isEvent() {}
func (exitEvent) isEvent()        {}

type callReply struct {
	call *outbound.Call
	err  error
}

// Start spawns the supervisor's child and begins driving it. Cancelling ctx
// terminates the child; pending calls then settle as process-exited.
func Start(ctx context.Context, sup *supervisor.Supervisor, opts ...Option) (*Session, error) {
	s := &Session{
		logger:         slog.Default(),
		defaultTimeout: 10 * time.Second,
		now:            time.Now,
		events:         make(chan event, eventQueueDepth),
		closed:         make(chan struct{}),
		corr:           outbound.NewCorrelator(0),
		timers:         make(map[int64]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.reporter == nil {
		s.reporter = report.New(s.logger)
	}

	child, err := sup.Start(ctx, streamWriter{s: s}, streamWriter{s: s, stderr: true})
	if err != nil {
		return nil, err
	}
	s.child = child
	s.ctx = ctx
	s.stdin = newStdinWriter(child.Stdin(), s.writeFailed)
	s.disp = outbound.NewDispatcher(s.stdin, s.corr, s.now)
	s.baseCtx = logctx.WithChildData(context.WithoutCancel(ctx), &logctx.ChildData{Identity: child.Identity()})

	go func() {
		<-child.Done()
		s.events <- exitEvent{}
	}()
	go s.run()
	return s, nil
}

// Call sends a request and waits for its outcome. A non-positive timeout
// uses the session default. Cancelling ctx settles the call as timed out.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	exited := Outcome{Method: method, Status: StatusProcessExited}
	// A send can still succeed once the loop is gone, so check first.
	select {
	case <-s.closed:
		exited.Err = s.exitErr()
		return exited
	default:
	}

	reply := make(chan callReply, 1)
	select {
	case s.events <- callEvent{ctx: ctx, method: method, params: params, timeout: timeout, reply: reply}:
	case <-s.closed:
		exited.Err = s.exitErr()
		return exited
	case <-ctx.Done():
		return Outcome{Method: method, Status: StatusTimedOut, Err: fmt.Errorf("%w: %w", outbound.ErrTimeout, ctx.Err())}
	}

	// The event may sit behind the exit and never be read.
	var r callReply
	select {
	case r = <-reply:
	case <-s.closed:
		select {
		case r = <-reply:
		default:
			exited.Err = s.exitErr()
			return exited
		}
	}
	if r.err != nil {
		return Outcome{Method: method, Status: StatusDispatchFailed, Err: r.err}
	}

	call := r.call
	select {
	case <-call.Done():
	case <-ctx.Done():
		select {
		case s.events <- abandonEvent{id: call.ID, cause: ctx.Err()}:
		case <-s.closed:
		}
		<-call.Done()
	}
	return outcomeOf(call)
}

// Notify sends a notification. It fails only when the child cannot be
// written to.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-s.closed:
		return &outbound.DispatchError{Method: method, Err: s.exitErr()}
	default:
	}

	reply := make(chan error, 1)
	select {
	case s.events <- notifyEvent{ctx: ctx, method: method, params: params, reply: reply}:
	case <-s.closed:
		return &outbound.DispatchError{Method: method, Err: s.exitErr()}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-s.closed:
		select {
		case err := <-reply:
			return err
		default:
			return &outbound.DispatchError{Method: method, Err: s.exitErr()}
		}
	}
}

// Done is closed once the child has exited and every pending call settled.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Status returns the child's exit status once Done is closed.
func (s *Session) Status() supervisor.ExitStatus {
	select {
	case <-s.closed:
		return s.status
	default:
		return supervisor.ExitStatus{Code: -1}
	}
}

// Identity labels the child in logs.
func (s *Session) Identity() string { return s.child.Identity() }

// Reporter returns the anomaly reporter.
func (s *Session) Reporter() *report.Reporter { return s.reporter }

// Close stops the child (closing stdin, then terminate-then-kill) and waits
// for the session to wind down. If ctx ends first the child is killed and
// ctx's error returned alongside the status.
func (s *Session) Close(ctx context.Context) (supervisor.ExitStatus, error) {
	s.closing.Store(true)
	status := s.child.Stop(ctx)
	<-s.closed
	return status, ctx.Err()
}

func (s *Session) exitErr() error {
	return fmt.Errorf("%w: %w", outbound.ErrProcessExited, &supervisor.ExitError{Identity: s.child.Identity(), Status: s.status})
}

func (s *Session) run() {
	for ev := range s.events {
		switch ev := ev.(type) {
		case streamEvent:
			if ev.stderr {
				s.handleStderr(ev.chunk)
			} else {
				s.handleStdout(ev.chunk)
			}
		case callEvent:
			ev.reply <- s.dispatch(ev)
		case notifyEvent:
			ev.reply <- s.notify(ev)
		case expireEvent:
			s.expire(ev.id, nil)
		case abandonEvent:
			s.expire(ev.id, ev.cause)
		case writeFailedEvent:
			s.handleWriteFailed(ev)
		case exitEvent:
			s.handleExit()
			return
		}
	}
}

func (s *Session) dispatch(ev callEvent) callReply {
	call, err := s.disp.Dispatch(ev.method, ev.params, ev.timeout)
	if err != nil {
		rpc := &logctx.RPCMessage{Method: ev.method, Type: "request"}
		var derr *outbound.DispatchError
		if errors.As(err, &derr) && derr.ID != 0 {
			rpc.ID = strconv.FormatInt(derr.ID, 10)
		}
		s.logger.WarnContext(logctx.WithRPCMessage(s.logCtx(ev.ctx), rpc), "dispatch failed",
			slog.String("method", ev.method),
			slog.String("err", err.Error()),
		)
		return callReply{err: err}
	}
	ctx := logctx.WithRPCMessage(s.logCtx(ev.ctx), &logctx.RPCMessage{Method: ev.method, ID: strconv.FormatInt(call.ID, 10), Type: "request"})
	s.logger.InfoContext(ctx, "sending request", slog.String("method", ev.method), slog.Int64("id", call.ID))
	if ev.timeout > 0 {
		s.timers[call.ID] = time.AfterFunc(ev.timeout, func() {
			select {
			case s.events <- expireEvent{id: call.ID}:
			case <-s.closed:
			}
		})
	}
	return callReply{call: call}
}

func (s *Session) notify(ev notifyEvent) error {
	ctx := logctx.WithRPCMessage(s.logCtx(ev.ctx), &logctx.RPCMessage{Method: ev.method, Type: "notification"})
	if err := s.disp.Notify(ev.method, ev.params); err != nil {
		s.logger.WarnContext(ctx, "notification failed", slog.String("err", err.Error()))
		return err
	}
	s.logger.DebugContext(ctx, "sent notification", slog.String("method", ev.method))
	return nil
}

func (s *Session) expire(id int64, cause error) {
	call := s.corr.Expire(id, cause, s.now())
	if call == nil {
		return
	}
	s.stopTimer(id)
	s.logger.WarnContext(s.baseCtx, "request timed out",
		slog.String("method", call.Method),
		slog.Int64("id", call.ID),
		slog.Duration("after", call.Latency()),
	)
}

func (s *Session) handleStdout(chunk []byte) {
	for _, line := range s.stdout.Feed(chunk) {
		switch line.Kind {
		case framer.KindNoise:
			s.reporter.Report(s.baseCtx, report.Event{Kind: report.KindNonProtocol, Message: "non-protocol output", Raw: line.Text})
		case framer.KindCandidate:
			s.handleMessage(jsonrpc.Decode([]byte(line.Text)))
		}
	}
}

func (s *Session) handleStderr(chunk []byte) {
	for _, line := range s.stderr.Feed(chunk) {
		s.reporter.Stderr(s.baseCtx, line.Text)
	}
}

func (s *Session) handleMessage(msg jsonrpc.Inbound) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		call, err := s.corr.Resolve(m, s.now())
		if err != nil {
			s.reporter.Error(s.baseCtx, err, m.Raw())
			return
		}
		s.stopTimer(call.ID)
		ctx := logctx.WithRPCMessage(s.baseCtx, &logctx.RPCMessage{Method: call.Method, ID: strconv.FormatInt(call.ID, 10), Type: "response"})
		s.logger.DebugContext(ctx, "response received",
			slog.String("state", call.State().String()),
			slog.Duration("latency", call.Latency()),
		)
	case *jsonrpc.Notification:
		ctx := logctx.WithRPCMessage(s.baseCtx, &logctx.RPCMessage{Method: m.Method, Type: "notification"})
		s.logger.DebugContext(ctx, "notification received")
		if s.onNotify != nil {
			s.onNotify(ctx, m)
		}
	case *jsonrpc.Malformed:
		s.reporter.Error(s.baseCtx, m, m.Raw())
	}
}

// writeFailed runs on the stdin goroutine.
func (s *Session) writeFailed(err error, lost [][]byte) {
	select {
	case s.events <- writeFailedEvent{err: err, lost: lost}:
	case <-s.closed:
	}
}

// handleWriteFailed settles the calls whose request lines never reached the
// child. Later dispatches fail synchronously with the same error.
func (s *Session) handleWriteFailed(ev writeFailedEvent) {
	now := s.now()
	for _, line := range ev.lost {
		method := gjson.GetBytes(line, "method").String()
		id := gjson.GetBytes(line, "id")
		if !id.Exists() {
			s.logger.WarnContext(s.baseCtx, "notification not delivered",
				slog.String("method", method),
				slog.String("err", ev.err.Error()),
			)
			continue
		}
		derr := &outbound.DispatchError{Method: method, ID: id.Int(), Err: ev.err}
		if call := s.corr.Withdraw(derr.ID, derr, now); call != nil {
			s.stopTimer(call.ID)
			s.logger.WarnContext(s.baseCtx, "dispatch failed",
				slog.String("method", method),
				slog.Int64("id", call.ID),
				slog.String("err", ev.err.Error()),
			)
		}
	}
}

func (s *Session) handleExit() {
	s.status = s.child.Status()
	now := s.now()

	if tail, ok := s.stdout.Flush(); ok {
		s.reporter.Report(s.baseCtx, report.Event{
			Kind:    report.KindFraming,
			Message: "unterminated output",
			Raw:     tail,
			Err:     jsonrpc.ErrFraming,
		})
	}
	if tail, ok := s.stderr.Flush(); ok {
		s.reporter.Stderr(s.baseCtx, tail)
	}

	exitErr := &supervisor.ExitError{Identity: s.child.Identity(), Status: s.status}
	for _, call := range s.corr.FailAll(exitErr, now) {
		s.stopTimer(call.ID)
		s.logger.WarnContext(s.baseCtx, "request abandoned by exiting child",
			slog.String("method", call.Method),
			slog.Int64("id", call.ID),
		)
	}
	closeErr := fmt.Errorf("%w: %w", outbound.ErrProcessExited, exitErr)
	s.disp.Close(closeErr)
	s.stdin.Close()

	if !s.closing.Load() && s.ctx.Err() == nil {
		s.reporter.Report(s.baseCtx, report.Event{
			Kind:    report.KindProcess,
			Message: "child exited unexpectedly",
			Raw:     s.status.String(),
			Err:     exitErr,
		})
	}
	close(s.closed)
	s.drain(closeErr)
}

// drain answers requests that were queued behind the exit. Callers also
// watch closed, so late senders are never stranded.
func (s *Session) drain(cause error) {
	for {
		select {
		case ev := <-s.events:
			switch ev := ev.(type) {
			case callEvent:
				ev.reply <- callReply{err: &outbound.DispatchError{Method: ev.method, Err: cause}}
			case notifyEvent:
				ev.reply <- &outbound.DispatchError{Method: ev.method, Err: cause}
			}
		default:
			return
		}
	}
}

func (s *Session) stopTimer(id int64) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// logCtx keeps the caller's log data while attaching the child identity.
func (s *Session) logCtx(ctx context.Context) context.Context {
	if ctx == nil {
		return s.baseCtx
	}
	return logctx.WithChildData(ctx, &logctx.ChildData{Identity: s.child.Identity()})
}

func outcomeOf(call *outbound.Call) Outcome {
	o := Outcome{
		ID:           call.ID,
		Method:       call.Method,
		Params:       call.Params,
		Result:       call.Result(),
		Error:        call.RPCError(),
		Err:          call.Err(),
		Raw:          call.Raw(),
		DispatchedAt: call.DispatchedAt,
		Latency:      call.Latency(),
	}
	switch call.State() {
	case outbound.StateResolved:
		o.Status = StatusResolved
	case outbound.StateFailed:
		o.Status = StatusFailed
		var derr *outbound.DispatchError
		if o.Error == nil && errors.As(o.Err, &derr) {
			o.Status = StatusDispatchFailed
		}
	case outbound.StateTimedOut:
		o.Status = StatusTimedOut
	case outbound.StateProcessExited:
		o.Status = StatusProcessExited
	}
	return o
}

// streamWriter hands each chunk the child writes to the control loop. exec
// calls Write from its copy goroutines; Wait returns only after they finish,
// which is what orders the exit event after all output.
type streamWriter struct {
	s      *Session
	stderr bool
}

func (w streamWriter) Write(p []byte) (int, error) {
	chunk := append([]byte(nil), p...)
	w.s.events <- streamEvent{chunk: chunk, stderr: w.stderr}
	return len(p), nil
}
