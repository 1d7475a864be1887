package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "SUPERVISOR_TEST_HELPER"

// TestMain lets the test binary double as the supervised child.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	os.Exit(m.Run())
}

func runHelper(mode string) int {
	switch mode {
	case "echo":
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			fmt.Fprintln(os.Stdout, sc.Text())
		}
		return 0
	case "exit3":
		fmt.Fprintln(os.Stderr, "fatal: giving up")
		return 3
	case "burst":
		for i := 0; i < 2000; i++ {
			fmt.Fprintf(os.Stdout, "line %d\n", i)
		}
		return 0
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Fprintln(os.Stdout, "ready")
		time.Sleep(time.Minute)
		return 0
	case "sleep":
		fmt.Fprintln(os.Stdout, "ready")
		time.Sleep(time.Minute)
		return 0
	default:
		return 2
	}
}

func helperConfig(mode string) Config {
	return Config{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         []string{helperEnv + "=" + mode},
		GracePeriod: 500 * time.Millisecond,
	}
}

// syncBuffer is a bytes.Buffer safe for exec's copy goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 5*time.Millisecond)
}

func TestStart_EchoAndCleanExit(t *testing.T) {
	var stdout syncBuffer
	sup := New(helperConfig("echo"))
	child, err := sup.Start(context.Background(), &stdout, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, child.State())
	assert.Contains(t, child.Identity(), fmt.Sprintf("[%d]", child.Pid()))

	_, err = io.WriteString(child.Stdin(), "hello\n")
	require.NoError(t, err)
	waitFor(t, func() bool { return stdout.String() == "hello\n" })

	status := child.Stop(context.Background())
	assert.True(t, status.Clean(), "status: %s", status)
	assert.Equal(t, StateExited, child.State())
}

func TestStart_AllOutputDeliveredBeforeDone(t *testing.T) {
	var stdout syncBuffer
	child, err := New(helperConfig("burst")).Start(context.Background(), &stdout, io.Discard)
	require.NoError(t, err)

	<-child.Done()
	assert.Equal(t, 2000, bytes.Count([]byte(stdout.String()), []byte("\n")))
}

func TestStart_NonZeroExit(t *testing.T) {
	var stderr syncBuffer
	child, err := New(helperConfig("exit3")).Start(context.Background(), io.Discard, &stderr)
	require.NoError(t, err)

	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	assert.Equal(t, 3, child.Status().Code)
	assert.False(t, child.Status().Clean())
	assert.Contains(t, stderr.String(), "giving up")
}

func TestStart_SpawnError(t *testing.T) {
	_, err := New(Config{Command: "/definitely/not/a/real/binary"}).Start(context.Background(), nil, nil)
	var spawn *SpawnError
	require.ErrorAs(t, err, &spawn)
	assert.Equal(t, "/definitely/not/a/real/binary", spawn.Command)

	_, err = New(Config{}).Start(context.Background(), nil, nil)
	require.ErrorAs(t, err, &spawn)
}

func TestStart_OneLiveChild(t *testing.T) {
	sup := New(helperConfig("sleep"))
	child, err := sup.Start(context.Background(), io.Discard, io.Discard)
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), io.Discard, io.Discard)
	require.ErrorIs(t, err, ErrChildRunning)

	child.Stop(context.Background())
	assert.Same(t, child, sup.Current())

	next, err := sup.Start(context.Background(), io.Discard, io.Discard)
	require.NoError(t, err)
	next.Stop(context.Background())
}

func TestStop_EscalatesToKill(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not delivered on windows")
	}
	var stdout syncBuffer
	child, err := New(helperConfig("ignore-term")).Start(context.Background(), &stdout, io.Discard)
	require.NoError(t, err)
	waitFor(t, func() bool { return stdout.String() == "ready\n" })

	started := time.Now()
	status := child.Stop(context.Background())
	assert.GreaterOrEqual(t, time.Since(started), 400*time.Millisecond, "kill should wait for the grace period")
	assert.Equal(t, "killed", status.Signal)
	assert.Equal(t, -1, status.Code)
}

func TestContextCancelTerminates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not delivered on windows")
	}
	ctx, cancel := context.WithCancel(context.Background())
	var stdout syncBuffer
	child, err := New(helperConfig("sleep")).Start(ctx, &stdout, io.Discard)
	require.NoError(t, err)
	waitFor(t, func() bool { return stdout.String() == "ready\n" })

	cancel()
	select {
	case <-child.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child survived cancellation")
	}
	assert.Equal(t, "terminated", child.Status().Signal)
}

func TestTerminateAndKillAfterExit(t *testing.T) {
	child, err := New(helperConfig("exit3")).Start(context.Background(), io.Discard, io.Discard)
	require.NoError(t, err)
	<-child.Done()

	assert.NoError(t, child.Terminate(syscall.SIGTERM))
	assert.NoError(t, child.Kill())
	status := child.Stop(context.Background())
	assert.Equal(t, 3, status.Code)
}

func TestExitError(t *testing.T) {
	cause := errors.New("wait: i/o")
	err := error(&ExitError{Identity: "server[12]", Status: ExitStatus{Code: -1, Err: cause}})
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "server[12] crashed")

	assert.Equal(t, "killed by terminated", ExitStatus{Code: -1, Signal: "terminated"}.String())
	assert.Equal(t, "exit code 0", ExitStatus{}.String())
}
