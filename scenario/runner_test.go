package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-harness/mcp"
	"github.com/ggoodman/mcp-stdio-harness/stdio"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type sent struct {
	Method       string
	Notification bool
	Timeout      time.Duration
}

// fakeCaller answers calls with reply, numbering requests from 1.
type fakeCaller struct {
	mu     sync.Mutex
	sent   []sent
	nextID int64
	done   chan struct{}
	reply  func(id int64, method string, params any) stdio.Outcome
}

func newFakeCaller(reply func(id int64, method string, params any) stdio.Outcome) *fakeCaller {
	return &fakeCaller{done: make(chan struct{}), reply: reply}
}

func (f *fakeCaller) Call(_ context.Context, method string, params any, timeout time.Duration) stdio.Outcome {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.sent = append(f.sent, sent{Method: method, Timeout: timeout})
	f.mu.Unlock()
	out := f.reply(id, method, params)
	out.ID, out.Method = id, method
	return out
}

func (f *fakeCaller) Notify(_ context.Context, method string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{Method: method, Notification: true})
	return nil
}

func (f *fakeCaller) Done() <-chan struct{} { return f.done }

func (f *fakeCaller) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Method
	}
	return out
}

func resolved(id int64, result string) stdio.Outcome {
	return stdio.Outcome{
		Status: stdio.StatusResolved,
		Result: json.RawMessage(result),
		Raw:    fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result),
	}
}

func rpcFailure(id int64, code jsonrpc.ErrorCode, msg string) stdio.Outcome {
	return stdio.Outcome{
		Status: stdio.StatusFailed,
		Error:  &jsonrpc.Error{Code: code, Message: msg},
		Err:    &jsonrpc.Error{Code: code, Message: msg},
		Raw:    fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":%d,"message":%q}}`, id, code, msg),
	}
}

// weatherReplies answers like a healthy weather server.
func weatherReplies(id int64, method string, _ any) stdio.Outcome {
	switch method {
	case mcp.InitializeMethod.String():
		return resolved(id, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"weather","version":"1.0.0"}}`)
	case mcp.ToolsListMethod.String():
		return resolved(id, `{"tools":[{"name":"get-forecast","inputSchema":{"type":"object"}},{"name":"get-alerts","inputSchema":{"type":"object"}}]}`)
	default:
		return resolved(id, `{"content":[{"type":"text","text":"ok"}]}`)
	}
}

func TestRunner_Default(t *testing.T) {
	caller := newFakeCaller(weatherReplies)
	r := NewRunner(caller, WithLogger(quietLogger), WithRunID("run-1"), WithTimeout(3*time.Second))

	state, _ := r.State()
	assert.Equal(t, StateIdle, state)

	sum := r.Run(context.Background(), Default())
	assert.Equal(t, StateCompleted, sum.State)
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, "weather", sum.Scenario)
	assert.Empty(t, sum.AbortReason)
	assert.Zero(t, sum.Failed())

	assert.Equal(t, int64(1), sum.Handshake.ID)
	assert.True(t, sum.Handshake.Passed)
	require.Len(t, sum.Steps, 3)
	for i, st := range sum.Steps {
		assert.Equal(t, i, st.Index)
		assert.Equal(t, int64(i+2), st.ID)
		assert.True(t, st.Passed, "step %d: %+v", i, st.Checks)
	}

	assert.Equal(t, []string{
		"initialize",
		"notifications/initialized",
		"tools/list",
		"tools/call",
		"tools/call",
	}, caller.methods())
	for _, s := range caller.sent {
		if !s.Notification {
			assert.Equal(t, 3*time.Second, s.Timeout)
		}
	}

	// Arguments were checked against the listed schemas.
	assert.Equal(t, "schema", sum.Steps[1].Checks[0].Kind)
	assert.True(t, sum.Steps[1].Checks[0].OK)
}

func TestRunner_HandshakeFailureSkipsSteps(t *testing.T) {
	caller := newFakeCaller(func(id int64, method string, _ any) stdio.Outcome {
		return rpcFailure(id, jsonrpc.ErrorCodeInvalidParams, "unsupported protocol version")
	})
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(context.Background(), Default())

	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, "handshake failed", sum.AbortReason)
	assert.False(t, sum.Handshake.Passed)
	assert.Contains(t, sum.Handshake.Error, "unsupported protocol version")
	require.Len(t, sum.Steps, 3)
	for _, st := range sum.Steps {
		assert.Equal(t, StatusSkipped, st.Status)
	}
	assert.Equal(t, 1, sum.Failed())
	assert.Equal(t, []string{"initialize"}, caller.methods())
}

func TestRunner_FailedStepContinues(t *testing.T) {
	caller := newFakeCaller(func(id int64, method string, params any) stdio.Outcome {
		if method == mcp.ToolsCallMethod.String() && id == 3 {
			return rpcFailure(id, jsonrpc.ErrorCodeInvalidParams, "unknown tool")
		}
		return weatherReplies(id, method, params)
	})
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(context.Background(), Default())

	assert.Equal(t, StateCompleted, sum.State)
	require.Len(t, sum.Steps, 3)
	assert.Equal(t, stdio.StatusFailed.String(), sum.Steps[1].Status)
	assert.False(t, sum.Steps[1].Passed)
	assert.True(t, sum.Steps[2].Passed)
	assert.Equal(t, 1, sum.Failed())
}

func TestRunner_ExpectedError(t *testing.T) {
	caller := newFakeCaller(func(id int64, method string, params any) stdio.Outcome {
		if method == "bogus/method" {
			return rpcFailure(id, jsonrpc.ErrorCodeMethodNotFound, "method not found")
		}
		return weatherReplies(id, method, params)
	})
	sc := Default()
	sc.Steps = []Step{{
		Name:   "unknown method",
		Method: "bogus/method",
		Expect: &Expectation{Error: true, Equals: map[string]any{"error.code": -32601}},
	}}
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(context.Background(), sc)

	assert.Equal(t, StateCompleted, sum.State)
	require.Len(t, sum.Steps, 1)
	assert.True(t, sum.Steps[0].Passed, "%+v", sum.Steps[0].Checks)
}

func TestRunner_ProcessExitAborts(t *testing.T) {
	caller := newFakeCaller(func(id int64, method string, params any) stdio.Outcome {
		if method == mcp.ToolsListMethod.String() {
			return stdio.Outcome{Status: stdio.StatusProcessExited, Err: stdio.ErrProcessExited}
		}
		return weatherReplies(id, method, params)
	})
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(context.Background(), Default())

	assert.Equal(t, StateAborted, sum.State)
	assert.Contains(t, sum.AbortReason, "step 1 (list tools)")
	require.Len(t, sum.Steps, 3)
	assert.Equal(t, stdio.StatusProcessExited.String(), sum.Steps[0].Status)
	assert.Equal(t, StatusSkipped, sum.Steps[1].Status)
	assert.Equal(t, StatusSkipped, sum.Steps[2].Status)
	assert.Equal(t, 1, sum.Failed())
}

func TestRunner_DelayInterruptedByExit(t *testing.T) {
	caller := newFakeCaller(weatherReplies)
	sc := Default()
	sc.Steps[1].Delay = Duration(time.Minute)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(caller.done)
	}()
	start := time.Now()
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(context.Background(), sc)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, "child exited", sum.AbortReason)
	require.Len(t, sum.Steps, 3)
	assert.True(t, sum.Steps[0].Passed)
	assert.Equal(t, StatusSkipped, sum.Steps[1].Status)
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	caller := newFakeCaller(func(id int64, method string, params any) stdio.Outcome {
		if method == mcp.ToolsListMethod.String() {
			cancel()
			return stdio.Outcome{Status: stdio.StatusTimedOut, Err: fmt.Errorf("%w: %w", stdio.ErrTimeout, context.Canceled)}
		}
		return weatherReplies(id, method, params)
	})
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(ctx, Default())

	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, "interrupted", sum.AbortReason)
	require.Len(t, sum.Steps, 3)
	assert.Equal(t, StatusSkipped, sum.Steps[2].Status)
}

func TestRunner_NotificationStep(t *testing.T) {
	caller := newFakeCaller(weatherReplies)
	f := false
	sc := Scenario{
		Name:        "notify",
		Handshake:   Default().Handshake,
		Initialized: &f,
		Steps: []Step{
			{Method: mcp.CancelledNotificationMethod.String(), Notification: true, Params: map[string]any{"requestId": 9}},
			{Method: mcp.PingMethod.String()},
		},
	}
	sum := NewRunner(caller, WithLogger(quietLogger)).Run(context.Background(), sc)

	assert.Equal(t, StateCompleted, sum.State)
	assert.Equal(t, StatusNotified, sum.Steps[0].Status)
	assert.Zero(t, sum.Steps[0].ID)
	assert.Equal(t, int64(2), sum.Steps[1].ID)
	assert.Equal(t, []string{"initialize", "notifications/cancelled", "ping"}, caller.methods())
}

func TestRender(t *testing.T) {
	caller := newFakeCaller(func(id int64, method string, params any) stdio.Outcome {
		if method == mcp.ToolsListMethod.String() {
			return stdio.Outcome{Status: stdio.StatusProcessExited, Err: errors.New("child exited")}
		}
		return weatherReplies(id, method, params)
	})
	sum := NewRunner(caller, WithLogger(quietLogger), WithRunID("abc")).Run(context.Background(), Default())

	var buf bytes.Buffer
	Render(&buf, sum, RenderOptions{NoColor: true, Verbose: true})
	out := buf.String()

	assert.Contains(t, out, `Scenario "weather" (run abc)`)
	assert.Contains(t, out, "initialize")
	assert.Contains(t, out, "resolved")
	assert.Contains(t, out, "list tools")
	assert.Contains(t, out, "process-exited")
	assert.Contains(t, out, "get alerts")
	assert.Contains(t, out, StatusSkipped)
	assert.Contains(t, out, "State: aborted")
	assert.Contains(t, out, "Failed: 1")
	assert.NotContains(t, out, "\x1b[")

	buf.Reset()
	require.NoError(t, sum.WriteJSON(&buf))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "aborted", decoded["state"])
	assert.Equal(t, "abc", decoded["runId"])
}
