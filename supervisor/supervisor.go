package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a child gets between the termination signal
// and a forced kill.
const DefaultGracePeriod = 3 * time.Second

// State is the lifecycle state of a supervised child.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateClosing
	StateExited
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	case StateExited:
		return "exited"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrChildRunning is returned by Start while a previous child is still alive.
var ErrChildRunning = errors.New("a child process is already running")

// Config identifies the executable to supervise.
type Config struct {
	// Command is the executable path or name resolved through PATH.
	Command string
	// Args are passed to the executable verbatim.
	Args []string
	// Env entries are appended to the harness environment.
	Env []string
	// Dir is the working directory; empty means the harness's own.
	Dir string
	// GracePeriod bounds the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

// SpawnError reports that the executable could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Command, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus describes how a child ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the child was killed by a signal or
	// never produced one.
	Code int `json:"code"`
	// Signal names the terminating signal, if any.
	Signal string `json:"signal,omitempty"`
	// Err is set when the child crashed without a process state to report.
	Err error `json:"-"`
}

// Clean reports a zero exit without signal or crash.
func (s ExitStatus) Clean() bool { return s.Err == nil && s.Code == 0 && s.Signal == "" }

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return fmt.Sprintf("crashed: %v", s.Err)
	case s.Signal != "":
		return fmt.Sprintf("killed by %s", s.Signal)
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// ExitError carries an ExitStatus through error chains.
type ExitError struct {
	Identity string
	Status   ExitStatus
}

func (e *ExitError) Error() string { return fmt.Sprintf("%s %s", e.Identity, e.Status) }
func (e *ExitError) Unwrap() error { return e.Status.Err }

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// Supervisor launches a configured executable and owns at most one live child
// at a time.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	child *Child
}

// New constructs a Supervisor. A zero GracePeriod becomes DefaultGracePeriod.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	s := &Supervisor{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Current returns the most recently started child, live or not.
func (s *Supervisor) Current() *Child {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

// Start spawns the child with its stdout and stderr copied to the given
// writers. Exec finishes copying both streams before the child is reported
// as exited, so no output is lost to the exit race.
//
// Cancelling ctx asks the child to terminate (SIGTERM) and kills it if it is
// still running after the grace period.
func (s *Supervisor) Start(ctx context.Context, stdout, stderr io.Writer) (*Child, error) {
	if s.cfg.Command == "" {
		return nil, &SpawnError{Command: "<empty>", Err: errors.New("command is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child != nil && !s.child.exited() {
		return nil, ErrChildRunning
	}

	cctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(cctx, s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = s.cfg.GracePeriod

	child := &Child{
		cmd:      cmd,
		identity: filepath.Base(s.cfg.Command),
		grace:    s.cfg.GracePeriod,
		logger:   s.logger,
		cancel:   cancel,
		state:    StateStarting,
		done:     make(chan struct{}),
	}
	cmd.Cancel = func() error {
		child.setState(StateClosing)
		return terminate(cmd.Process)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	child.stdin = stdin

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}

	child.pid = cmd.Process.Pid
	child.identity = fmt.Sprintf("%s[%d]", filepath.Base(s.cfg.Command), child.pid)
	child.setState(StateRunning)
	s.child = child
	s.logger.Info("child started",
		slog.String("child", child.identity),
		slog.String("command", s.cfg.Command),
		slog.Any("args", s.cfg.Args),
	)

	go child.wait()
	return child, nil
}

// Child is one spawned process. Only the Supervisor and the child's own wait
// goroutine mutate its state.
type Child struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	pid      int
	identity string
	grace    time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc

	mu     sync.Mutex
	state  State
	status ExitStatus

	stopOnce sync.Once
	done     chan struct{}
}

// Identity is "<command>[<pid>]", used to label log records.
func (c *Child) Identity() string { return c.identity }

// Pid returns the operating system process id.
func (c *Child) Pid() int { return c.pid }

// Stdin is the child's input stream. Writes fail once the child has exited.
func (c *Child) Stdin() io.Writer { return c.stdin }

// Done is closed after the child exited and its output was fully delivered.
func (c *Child) Done() <-chan struct{} { return c.done }

// State reports the current lifecycle state.
func (c *Child) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the exit status. It is only meaningful after Done is closed.
func (c *Child) Status() ExitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Terminate delivers sig to the child. Signalling an exited child is not an
// error.
func (c *Child) Terminate(sig os.Signal) error {
	if c.exited() {
		return nil
	}
	c.setState(StateClosing)
	if err := c.cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal %s: %w", c.identity, err)
	}
	return nil
}

// Kill forces the child to exit immediately.
func (c *Child) Kill() error {
	if c.exited() {
		return nil
	}
	c.setState(StateClosing)
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", c.identity, err)
	}
	return nil
}

// Stop closes stdin and gives the child the grace period to exit on its own.
// A child still running after that receives SIGTERM and, one more grace
// period later, SIGKILL. If ctx ends first the child is killed at once. Stop
// blocks until the child has exited and returns its status.
func (c *Child) Stop(ctx context.Context) ExitStatus {
	c.stopOnce.Do(func() {
		if c.exited() {
			return
		}
		c.logger.Debug("stopping child", slog.String("child", c.identity), slog.Duration("grace", c.grace))
		c.setState(StateClosing)
		_ = c.stdin.Close()
		go func() {
			timer := time.NewTimer(c.grace)
			defer timer.Stop()
			select {
			case <-c.done:
			case <-timer.C:
				// Cancelling the command context runs cmd.Cancel (SIGTERM)
				// and arms WaitDelay, after which exec kills the process.
				c.cancel()
			}
		}()
	})

	select {
	case <-c.done:
	case <-ctx.Done():
		_ = c.Kill()
		<-c.done
	}
	return c.Status()
}

func (c *Child) wait() {
	err := c.cmd.Wait()
	status := exitStatus(c.cmd.ProcessState, err)

	c.mu.Lock()
	c.status = status
	if c.cmd.ProcessState == nil {
		c.state = StateCrashed
	} else {
		c.state = StateExited
	}
	state := c.state
	c.mu.Unlock()

	c.cancel()
	c.logger.Info("child exited",
		slog.String("child", c.identity),
		slog.String("state", state.String()),
		slog.Int("code", status.Code),
		slog.String("signal", status.Signal),
	)
	close(c.done)
}

func (c *Child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Child) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExited || c.state == StateCrashed {
		return
	}
	c.state = s
}

func exitStatus(ps *os.ProcessState, err error) ExitStatus {
	if ps == nil {
		if err == nil {
			err = errors.New("process state unavailable")
		}
		return ExitStatus{Code: -1, Err: err}
	}
	st := ExitStatus{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
	}
	return st
}

func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return err
		}
		// Platforms without SIGTERM delivery fall back to a hard kill.
		return p.Kill()
	}
	return nil
}
