// Package fakeserver is a small weather MCP server spoken over stdio. It
// backs the harness's own tests and the weather-server example, and can be
// told to misbehave in a handful of scripted ways.
package fakeserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-harness/mcp"
)

// ModeEnv selects a Mode when the server runs as a re-executed test binary.
const ModeEnv = "MCP_FAKESERVER_MODE"

// Banner is written to stderr on startup.
const Banner = "Weather MCP Server running on stdio"

// Mode selects a behavior.
type Mode string

const (
	// ModeNormal answers every request once.
	ModeNormal Mode = "normal"
	// ModeNoisy adds free-form stdout lines, extra stderr output and a log
	// notification around each reply.
	ModeNoisy Mode = "noisy"
	// ModeSplit writes every reply in several small chunks.
	ModeSplit Mode = "split"
	// ModeCrash answers initialize and exits with status 1 on the next request.
	ModeCrash Mode = "crash"
	// ModeDuplicate writes every reply twice.
	ModeDuplicate Mode = "duplicate"
	// ModeSilent never answers tools/call.
	ModeSilent Mode = "silent"
	// ModeGarbage precedes every reply with an invalid line and a reply to an
	// id that was never sent.
	ModeGarbage Mode = "garbage"
	// ModeUnterminated writes a partial line and exits after initialize.
	ModeUnterminated Mode = "unterminated"
	// ModeDeaf never reads its input and never exits on its own.
	ModeDeaf Mode = "deaf"
	// ModeHangup closes its input before answering initialize, then stays
	// alive without reading.
	ModeHangup Mode = "hangup"
)

// supportedVersions are echoed back when a client asks for them; anything
// else is answered with the oldest revision.
var supportedVersions = []string{mcp.ProtocolVersion20241105, "2025-03-26", "2025-06-18"}

// Info identifies the server in initialize results.
var Info = mcp.ImplementationInfo{Name: "weather", Version: "1.0.0"}

// Tools lists the tools the server exposes.
var Tools = []mcp.Tool{
	{
		Name:        "get-forecast",
		Description: "Get weather forecast for a location",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"latitude":{"type":"number","minimum":-90,"maximum":90,"description":"Latitude of the location"},"longitude":{"type":"number","minimum":-180,"maximum":180,"description":"Longitude of the location"}},"required":["latitude","longitude"]}`),
	},
	{
		Name:        "get-alerts",
		Description: "Get weather alerts for a state",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"state":{"type":"string","minLength":2,"maxLength":2,"description":"Two-letter state code (e.g. CA, NY)"}},"required":["state"]}`),
	},
}

// RunIfRequested serves on the process's standard streams and exits when
// ModeEnv is set. Test binaries call it from TestMain so they can re-execute
// themselves as the server.
func RunIfRequested() {
	mode := os.Getenv(ModeEnv)
	if mode == "" {
		return
	}
	if err := Serve(context.Background(), os.Stdin, os.Stdout, os.Stderr, Mode(mode)); err != nil {
		var ee *ExitError
		if !errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if ee.Code != 0 {
			fmt.Fprintln(os.Stderr, ee.Reason)
		}
		os.Exit(ee.Code)
	}
	os.Exit(0)
}

// ExitError asks the hosting process to exit with Code.
type ExitError struct {
	Code   int
	Reason string
}

func (e *ExitError) Error() string { return e.Reason }

// Serve reads requests from in until EOF or ctx ends and writes replies to
// out. Diagnostics go to errOut.
func Serve(ctx context.Context, in io.Reader, out, errOut io.Writer, mode Mode) error {
	if mode == "" {
		mode = ModeNormal
	}
	s := &server{in: in, out: out, errOut: errOut, mode: mode}
	fmt.Fprintln(errOut, Banner)
	switch mode {
	case ModeDeaf:
		<-ctx.Done()
		return nil
	case ModeHangup:
		return s.hangup(ctx)
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			lines <- append([]byte(nil), sc.Bytes()...)
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := s.handle(line); err != nil {
				return err
			}
		}
	}
}

// hangup reads one request with no read left in flight, so closing the input
// really drops the read end of the pipe before the reply goes out.
func (s *server) hangup(ctx context.Context) error {
	line, err := bufio.NewReader(s.in).ReadBytes('\n')
	if err != nil {
		return err
	}
	if c, ok := s.in.(io.Closer); ok {
		_ = c.Close()
	}
	if err := s.handle(line); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

type server struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer
	mode   Mode

	mu       sync.Mutex
	requests int
}

func (s *server) handle(line []byte) error {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		return s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "Parse error", nil))
	}
	if req.ID.IsNil() {
		// Notifications need no reply.
		return nil
	}

	s.mu.Lock()
	s.requests++
	n := s.requests
	s.mu.Unlock()

	switch s.mode {
	case ModeCrash:
		if n > 1 {
			return &ExitError{Code: 1, Reason: "fatal: weather service unavailable"}
		}
	case ModeSilent:
		if req.Method == mcp.ToolsCallMethod.String() {
			return nil
		}
	case ModeNoisy:
		fmt.Fprintf(s.out, "handling %s\n", req.Method)
		fmt.Fprintf(s.errOut, "[debug] request %d: %s\n", n, req.Method)
		if err := s.notify(mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageParams{
			Level: mcp.LoggingLevelInfo,
			Data:  json.RawMessage(fmt.Sprintf("%q", "handling "+req.Method)),
		}); err != nil {
			return err
		}
	case ModeGarbage:
		fmt.Fprintln(s.out, `{"jsonrpc": "2.0", "id": }`)
		fmt.Fprintln(s.out, `{"jsonrpc":"2.0","id":999,"result":{}}`)
	}

	resp := s.dispatch(&req)
	if err := s.write(resp); err != nil {
		return err
	}
	if s.mode == ModeDuplicate {
		return s.write(resp)
	}
	if s.mode == ModeUnterminated && req.Method == mcp.InitializeMethod.String() {
		fmt.Fprint(s.out, `{"jsonrpc":"2.0","id":2,"res`)
		return &ExitError{Code: 0, Reason: "done"}
	}
	return nil
}

func (s *server) dispatch(req *jsonrpc.Request) *jsonrpc.Response {
	switch req.Method {
	case mcp.InitializeMethod.String():
		var init mcp.InitializeRequest
		if err := json.Unmarshal(req.Params, &init); err != nil || init.ProtocolVersion == "" {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "initialize requires a protocolVersion", nil)
		}
		version := mcp.ProtocolVersion20241105
		if slices.Contains(supportedVersions, init.ProtocolVersion) {
			version = init.ProtocolVersion
		}
		res := mcp.InitializeResult{ProtocolVersion: version, ServerInfo: Info}
		res.Capabilities.Tools = &struct {
			ListChanged bool `json:"listChanged"`
		}{}
		return s.result(req.ID, res)
	case mcp.PingMethod.String():
		return s.result(req.ID, struct{}{})
	case mcp.ToolsListMethod.String():
		return s.result(req.ID, mcp.ListToolsResult{Tools: Tools})
	case mcp.ToolsCallMethod.String():
		var call mcp.CallToolRequest
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
		}
		text, err := callTool(call)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
		}
		return s.result(req.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}}})
	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "Method not found: "+req.Method, nil)
	}
}

func (s *server) result(id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	resp, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
	return resp
}

func (s *server) notify(method mcp.Method, params any) error {
	b, err := jsonrpc.EncodeNotification(method.String(), params)
	if err != nil {
		return err
	}
	_, err = s.out.Write(b)
	return err
}

func (s *server) write(resp *jsonrpc.Response) error {
	b, err := jsonrpc.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if s.mode != ModeSplit {
		_, err = s.out.Write(b)
		return err
	}
	for len(b) > 0 {
		n := min(7, len(b))
		if _, err := s.out.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
		time.Sleep(time.Millisecond)
	}
	return nil
}

func callTool(call mcp.CallToolRequest) (string, error) {
	switch call.Name {
	case "get-forecast":
		var args struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || args.Latitude == nil || args.Longitude == nil {
			return "", errors.New("get-forecast requires numeric latitude and longitude")
		}
		if *args.Latitude < -90 || *args.Latitude > 90 || *args.Longitude < -180 || *args.Longitude > 180 {
			return "", errors.New("coordinates out of range")
		}
		return fmt.Sprintf("Forecast for %.4f,%.4f:\n\nTonight:\nTemperature: 54°F\nWind: 5 mph W\nClear\n---\nTomorrow:\nTemperature: 68°F\nWind: 10 mph NW\nSunny",
			*args.Latitude, *args.Longitude), nil
	case "get-alerts":
		var args struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil || len(args.State) != 2 {
			return "", errors.New("get-alerts requires a two-letter state code")
		}
		return "No active alerts for " + strings.ToUpper(args.State), nil
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}
