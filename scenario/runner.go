package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-stdio-harness/internal/logctx"
	"github.com/ggoodman/mcp-stdio-harness/mcp"
	"github.com/ggoodman/mcp-stdio-harness/stdio"
)

// State is the runner's position in a run.
type State int

const (
	StateIdle State = iota
	StateHandshaking
	StateRunning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Step statuses beyond the stdio call statuses.
const (
	StatusNotified = "notified"
	StatusSkipped  = "skipped"
)

// Caller is the part of a stdio.Session the runner drives.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) stdio.Outcome
	Notify(ctx context.Context, method string, params any) error
	Done() <-chan struct{}
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout sets the deadline for steps without their own.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRunID labels the summary and log records of the run.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// Runner executes one Scenario against a Caller.
type Runner struct {
	caller  Caller
	logger  *slog.Logger
	timeout time.Duration
	runID   string
	catalog *Catalog

	mu    sync.Mutex
	state State
	index int
}

// NewRunner constructs a Runner in StateIdle.
func NewRunner(c Caller, opts ...Option) *Runner {
	r := &Runner{
		caller:  c,
		logger:  slog.Default(),
		timeout: 10 * time.Second,
		catalog: NewCatalog(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current state and, while running, the step index.
func (r *Runner) State() (State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.index
}

func (r *Runner) set(s State, index int) {
	r.mu.Lock()
	r.state, r.index = s, index
	r.mu.Unlock()
}

// Run executes sc and always returns a summary in a terminal state.
func (r *Runner) Run(ctx context.Context, sc Scenario) *Summary {
	ctx = logctx.WithRunData(ctx, &logctx.RunData{RunID: r.runID, Scenario: sc.Name})
	sum := &Summary{RunID: r.runID, Scenario: sc.Name, StartedAt: time.Now()}
	defer func() {
		sum.Duration = time.Since(sum.StartedAt)
		sum.State, _ = r.State()
	}()

	r.set(StateHandshaking, -1)
	hs := r.execute(ctx, -1, sc.Handshake)
	sum.Handshake = hs
	if hs.Status != stdio.StatusResolved.String() {
		reason := fmt.Sprintf("handshake %s", hs.Status)
		if ctx.Err() != nil {
			reason = "interrupted"
		}
		r.abort(ctx, sum, reason)
		r.skip(sum, sc.Steps, 0)
		return sum
	}

	if sc.SendInitialized() {
		if err := r.caller.Notify(ctx, mcp.InitializedNotificationMethod.String(), nil); err != nil {
			r.abort(ctx, sum, fmt.Sprintf("initialized notification: %v", err))
			r.skip(sum, sc.Steps, 0)
			return sum
		}
	}

	for i, step := range sc.Steps {
		r.set(StateRunning, i)
		if reason := r.wait(ctx, step.Delay.D()); reason != "" {
			r.abort(ctx, sum, reason)
			r.skip(sum, sc.Steps, i)
			return sum
		}

		res := r.execute(ctx, i, step)
		sum.Steps = append(sum.Steps, res)
		// An interrupt also takes the child down, so it is checked first.
		switch {
		case ctx.Err() != nil:
			r.abort(ctx, sum, "interrupted")
			r.skip(sum, sc.Steps, i+1)
			return sum
		case res.fatal:
			r.abort(ctx, sum, fmt.Sprintf("step %d (%s): %s", i+1, res.Name, res.Status))
			r.skip(sum, sc.Steps, i+1)
			return sum
		}
	}

	r.set(StateCompleted, len(sc.Steps))
	r.logger.InfoContext(ctx, "scenario completed", slog.Int("steps", len(sc.Steps)), slog.Int("failed", sum.Failed()))
	return sum
}

// wait sleeps for d unless the run is interrupted or the child exits first.
// It returns the reason for stopping early, or "".
func (r *Runner) wait(ctx context.Context, d time.Duration) string {
	if d <= 0 {
		return ""
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return ""
	case <-ctx.Done():
		return "interrupted"
	case <-r.caller.Done():
		return "child exited"
	}
}

func (r *Runner) execute(ctx context.Context, index int, step Step) StepResult {
	ctx = logctx.WithStepData(ctx, &logctx.StepData{Index: index, Name: step.Label()})
	res := StepResult{Index: index, Name: step.Label(), Method: step.Method}

	if step.Notification {
		if err := r.caller.Notify(ctx, step.Method, paramsOf(step)); err != nil {
			res.Status = stdio.StatusDispatchFailed.String()
			res.Error = err.Error()
			res.fatal = true
			return res
		}
		res.Status = StatusNotified
		res.Passed = true
		return res
	}

	if step.Method == mcp.ToolsCallMethod.String() {
		if check, ok := r.catalog.Check(step.Params); ok {
			res.Checks = append(res.Checks, check)
			if !check.OK {
				r.logger.WarnContext(ctx, "tool arguments do not match the advertised schema", slog.String("detail", check.Detail))
			}
		}
	}

	timeout := step.Timeout.D()
	if timeout <= 0 {
		timeout = r.timeout
	}
	out := r.caller.Call(ctx, step.Method, paramsOf(step), timeout)
	res.ID = out.ID
	res.Status = out.Status.String()
	res.Latency = out.Latency
	res.Result = out.Result
	res.fatal = out.Fatal()
	if out.Error != nil {
		res.Error = out.Error.Error()
	} else if out.Err != nil {
		res.Error = out.Err.Error()
	}

	failed := out.Status == stdio.StatusFailed && out.Error != nil
	res.Checks = append(res.Checks, step.Expect.Evaluate(out.Raw, failed)...)
	expectError := step.Expect != nil && step.Expect.Error
	res.Passed = (out.OK() || (expectError && failed)) && allOK(res.Checks)

	if out.OK() && step.Method == mcp.ToolsListMethod.String() {
		if n, err := r.catalog.Learn(out.Result); err != nil {
			r.logger.WarnContext(ctx, "tools/list result not understood", slog.String("err", err.Error()))
		} else {
			r.logger.DebugContext(ctx, "learned tool schemas", slog.Int("tools", n))
		}
	}

	level := slog.LevelInfo
	if !res.Passed {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "step finished",
		slog.String("method", step.Method),
		slog.Int64("id", out.ID),
		slog.String("status", res.Status),
		slog.Duration("latency", out.Latency),
		slog.Bool("passed", res.Passed),
	)
	return res
}

func (r *Runner) abort(ctx context.Context, sum *Summary, reason string) {
	state, index := r.State()
	r.set(StateAborted, index)
	sum.AbortReason = reason
	r.logger.WarnContext(ctx, "scenario aborted", slog.String("reason", reason), slog.String("during", state.String()))
}

func (r *Runner) skip(sum *Summary, steps []Step, from int) {
	for i := from; i < len(steps); i++ {
		sum.Steps = append(sum.Steps, StepResult{
			Index:  i,
			Name:   steps[i].Label(),
			Method: steps[i].Method,
			Status: StatusSkipped,
		})
	}
}

// paramsOf returns nil for empty params so they are sent as {}.
func paramsOf(step Step) any {
	if len(step.Params) == 0 {
		return nil
	}
	return step.Params
}

func allOK(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}
