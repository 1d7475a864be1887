package scenario

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-stdio-harness/internal/fakeserver"
	"github.com/ggoodman/mcp-stdio-harness/mcp"
)

const initializeReply = `{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"weather","version":"1.0.0"}}}`

func failing(checks []Check) []Check {
	var out []Check
	for _, c := range checks {
		if !c.OK {
			out = append(out, c)
		}
	}
	return out
}

func TestEvaluate_Nil(t *testing.T) {
	var e *Expectation
	assert.Nil(t, e.Evaluate(initializeReply, false))
}

func TestEvaluate_DefaultHandshake(t *testing.T) {
	checks := Default().Handshake.Expect.Evaluate(initializeReply, false)
	require.Len(t, checks, 2)
	assert.Empty(t, failing(checks))
}

func TestEvaluate_NoResponse(t *testing.T) {
	e := &Expectation{Exists: []string{"result"}}
	checks := e.Evaluate("", false)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].OK)
	assert.Equal(t, "response", checks[0].Kind)

	checks = e.Evaluate("{not json", false)
	require.Len(t, checks, 1)
	assert.False(t, checks[0].OK)
}

func TestEvaluate_Failures(t *testing.T) {
	e := &Expectation{
		Exists:   []string{"result.missing"},
		Absent:   []string{"result.serverInfo"},
		Equals:   map[string]any{"id": 2, "result.serverInfo.name": "weather"},
		MinItems: map[string]int{"result.capabilities": 1},
	}
	bad := failing(e.Evaluate(initializeReply, false))
	require.Len(t, bad, 4)

	kinds := map[string]string{}
	for _, c := range bad {
		kinds[c.Kind+" "+c.Path] = c.Detail
	}
	assert.Equal(t, "missing", kinds["exists result.missing"])
	assert.Contains(t, kinds["absent result.serverInfo"], "present")
	assert.Equal(t, "got 1, want 2", kinds["equals id"])
	assert.Equal(t, "not an array", kinds["minItems result.capabilities"])
}

func TestEvaluate_EqualsObjects(t *testing.T) {
	e := &Expectation{Equals: map[string]any{
		"result.serverInfo":   map[string]any{"version": "1.0.0", "name": "weather"},
		"result.capabilities": map[string]any{"tools": map[string]any{}},
	}}
	assert.Empty(t, failing(e.Evaluate(initializeReply, false)))
}

func TestEvaluate_ErrorEnvelope(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":4,"error":{"code":-32602,"message":"unknown tool"}}`

	want := &Expectation{Error: true, Equals: map[string]any{"error.code": -32602}}
	checks := want.Evaluate(raw, true)
	assert.Empty(t, failing(checks))

	unwanted := &Expectation{}
	bad := failing(unwanted.Evaluate(raw, true))
	require.Len(t, bad, 1)
	assert.Equal(t, "error", bad[0].Kind)
	assert.Contains(t, bad[0].Detail, "unknown tool")

	missing := failing(want.Evaluate(initializeReply, false))
	require.NotEmpty(t, missing)
	assert.Equal(t, "expected an error envelope", missing[0].Detail)
}

func TestCatalog(t *testing.T) {
	result, err := json.Marshal(mcp.ListToolsResult{Tools: fakeserver.Tools})
	require.NoError(t, err)

	c := NewCatalog()
	_, ok := c.Check(map[string]any{"name": "get-forecast"})
	assert.False(t, ok, "catalog is empty")

	n, err := c.Learn(result)
	require.NoError(t, err)
	assert.Equal(t, len(fakeserver.Tools), n)
	assert.True(t, c.Known("get-forecast"))
	assert.False(t, c.Known("get-weather"))

	check, ok := c.Check(map[string]any{
		"name":      "get-forecast",
		"arguments": map[string]any{"latitude": 37.7749, "longitude": -122.4194},
	})
	require.True(t, ok)
	assert.True(t, check.OK, check.Detail)

	check, ok = c.Check(map[string]any{
		"name":      "get-forecast",
		"arguments": map[string]any{"latitude": 137.0, "longitude": -122.4194},
	})
	require.True(t, ok)
	assert.False(t, check.OK)
	assert.NotEmpty(t, check.Detail)

	check, ok = c.Check(map[string]any{"name": "get-alerts"})
	require.True(t, ok)
	assert.False(t, check.OK, "state is required")

	_, ok = c.Check(map[string]any{"name": "get-weather"})
	assert.False(t, ok)
}

func TestCatalog_BadSchema(t *testing.T) {
	c := NewCatalog()
	_, err := c.Learn(json.RawMessage(`{"tools":[{"name":"broken","inputSchema":{"type":17}}]}`))
	require.NoError(t, err)
	assert.True(t, c.Known("broken"))

	check, ok := c.Check(map[string]any{"name": "broken"})
	require.True(t, ok)
	assert.False(t, check.OK)
	assert.Contains(t, check.Detail, "does not compile")

	_, err = c.Learn(json.RawMessage(`[]`))
	assert.Error(t, err)
}
