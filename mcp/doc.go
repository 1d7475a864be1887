// Package mcp contains the slice of Model Context Protocol data types the
// harness speaks as a client: the initialize handshake, tool listing and tool
// invocation. The types mirror the wire representation (exported structs with
// json tags, string constants for method names) and carry no transport logic;
// the stdio session frames them and the scenario runner builds them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Scenario files refer to methods by their wire
// string; the constants are used wherever the harness itself originates a
// message.
//
// # Tool Schemas
//
// Tool.InputSchema is kept as raw JSON. The harness never interprets the
// schema structurally; it hands the bytes to a JSON Schema validator when
// checking tools/call arguments.
//
// Example (client handshake params):
//
//	req := mcp.InitializeRequest{
//	    ProtocolVersion: mcp.ProtocolVersion20241105,
//	    Capabilities:    mcp.ClientCapabilities{Tools: &struct{}{}},
//	    ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
//	}
package mcp
