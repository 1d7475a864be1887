// Package scenario scripts a run against a stdio JSON-RPC server: a
// handshake request followed by an ordered list of steps, each awaited until
// it settles before the next one starts.
//
// A Runner moves through
//
//	Idle -> Handshaking -> Running(i) -> Completed | Aborted
//
// A failed or timed-out step is recorded and the run continues. The run is
// aborted only when the handshake fails, the child exits, the child stops
// accepting input, or the context is cancelled. Completed means every step
// was attempted.
//
// Expectations attached to a step are evaluated with gjson paths over the
// raw response line (so "id", "result.tools" and "error.code" are all
// addressable). They are recorded in the Summary and never change the flow
// of a run. Arguments of tools/call steps are additionally checked against
// the inputSchema the server advertised in an earlier tools/list.
//
// Scenarios are usually loaded from YAML:
//
//	name: weather
//	handshake:
//	  name: initialize
//	  method: initialize
//	  params:
//	    protocolVersion: "2024-11-05"
//	steps:
//	  - name: list tools
//	    method: tools/list
//	    expect:
//	      minItems: {result.tools: 1}
//
// Default returns the built-in weather scenario.
package scenario
