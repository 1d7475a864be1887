package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification (without ID)
// as it is written to the peer.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id,omitempty"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
}

// Inbound is one decoded line from the peer. It is exactly one of *Response,
// *Notification or *Malformed.
type Inbound interface {
	// Raw returns the line the message was decoded from.
	Raw() string
	inbound()
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             *RequestID      `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`

	raw string
}

func (r *Response) Raw() string { return r.raw }
func (*Response) inbound()      {}

// Notification is a peer-initiated message without an id.
type Notification struct {
	Method string
	Params json.RawMessage

	raw string
}

func (n *Notification) Raw() string { return n.raw }
func (*Notification) inbound()      {}

// Malformed carries a line that could not be classified along with the
// reason. Err is ErrFraming or ErrProtocol.
type Malformed struct {
	Line   string
	Reason string
	Err    error
	// Method and ID are populated when the line got far enough to carry them,
	// e.g. a server-initiated request.
	Method string
	ID     *RequestID
}

func (m *Malformed) Raw() string { return m.Line }
func (*Malformed) inbound()      {}

func (m *Malformed) Error() string { return fmt.Sprintf("%v: %s", m.Err, m.Reason) }
func (m *Malformed) Unwrap() error { return m.Err }

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// EncodeRequest serializes a request envelope as a single newline-terminated
// line. Nil params are sent as an empty object.
func EncodeRequest(id *RequestID, method string, params any) ([]byte, error) {
	if id.IsNil() {
		return nil, fmt.Errorf("request %q requires an id", method)
	}
	return encode(id, method, params)
}

// EncodeNotification serializes a notification (no id) as a single line.
func EncodeNotification(method string, params any) ([]byte, error) {
	return encode(nil, method, params)
}

// EncodeResponse serializes a response as a single line.
func EncodeResponse(resp *Response) ([]byte, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return append(b, '\n'), nil
}

func encode(id *RequestID, method string, params any) ([]byte, error) {
	if method == "" {
		return nil, fmt.Errorf("method is required")
	}
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(&Request{
		JSONRPCVersion: ProtocolVersion,
		ID:             id,
		Method:         method,
		Params:         raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	return append(b, '\n'), nil
}

// MarshalParams converts params to their wire form. nil and empty raw
// messages become {}.
func MarshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(bytes.TrimSpace(p)) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("params are not valid JSON")
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, p); err != nil {
			return nil, fmt.Errorf("compact params: %w", err)
		}
		return buf.Bytes(), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		if string(b) == "null" {
			return json.RawMessage(`{}`), nil
		}
		return b, nil
	}
}

// Decode classifies one candidate line. It never fails: anything that is not
// a well-formed response or notification comes back as *Malformed.
func Decode(line []byte) Inbound {
	raw := string(line)
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return malformed(raw, ErrFraming, "not a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return malformed(raw, ErrFraming, fmt.Sprintf("invalid JSON: %v", err))
	}

	var version string
	if v, ok := fields["jsonrpc"]; !ok || json.Unmarshal(v, &version) != nil || version != ProtocolVersion {
		return malformed(raw, ErrProtocol, fmt.Sprintf("invalid JSON-RPC version: expected %q, got %s", ProtocolVersion, string(fields["jsonrpc"])))
	}

	idRaw, hasID := fields["id"]
	methodRaw, hasMethod := fields["method"]
	resultRaw, hasResult := fields["result"]
	errRaw, hasError := fields["error"]
	if hasError && string(errRaw) == "null" {
		hasError = false
	}

	switch {
	case hasMethod:
		var method string
		if err := json.Unmarshal(methodRaw, &method); err != nil || method == "" {
			return malformed(raw, ErrProtocol, "method must be a non-empty string")
		}
		if hasResult || hasError {
			return malformed(raw, ErrProtocol, "request message cannot have result or error fields")
		}
		if hasID {
			m := malformed(raw, ErrProtocol, "server-initiated requests are not supported")
			m.Method = method
			var id RequestID
			if json.Unmarshal(idRaw, &id) == nil {
				m.ID = &id
			}
			return m
		}
		return &Notification{Method: method, Params: fields["params"], raw: raw}

	case hasResult && hasError:
		return malformed(raw, ErrProtocol, "response message cannot have both result and error fields")

	case hasResult || hasError:
		if !hasID {
			return malformed(raw, ErrProtocol, "response message is missing an id")
		}
		var id RequestID
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return malformed(raw, ErrProtocol, err.Error())
		}
		resp := &Response{JSONRPCVersion: version, ID: &id, raw: raw}
		if hasResult {
			resp.Result = resultRaw
			return resp
		}
		var rpcErr Error
		if err := json.Unmarshal(errRaw, &rpcErr); err != nil {
			return malformed(raw, ErrProtocol, fmt.Sprintf("invalid error object: %v", err))
		}
		resp.Error = &rpcErr
		return resp

	default:
		return malformed(raw, ErrProtocol, "message has neither method nor result/error")
	}
}

func malformed(raw string, class error, reason string) *Malformed {
	return &Malformed{Line: raw, Reason: reason, Err: class}
}
