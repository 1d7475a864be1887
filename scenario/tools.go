package scenario

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ggoodman/mcp-stdio-harness/mcp"
)

// Catalog holds the compiled input schemas of the tools a server listed.
type Catalog struct {
	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema
	errs    map[string]error
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{schemas: make(map[string]*jsonschema.Schema), errs: make(map[string]error)}
}

// Learn compiles the tools in a tools/list result. Tools whose schema does
// not compile are remembered with their error.
func (c *Catalog) Learn(result json.RawMessage) (int, error) {
	var list mcp.ListToolsResult
	if err := json.Unmarshal(result, &list); err != nil {
		return 0, fmt.Errorf("decode tools/list result: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tool := range list.Tools {
		schema, err := compileSchema(tool.Name, tool.InputSchema)
		if err != nil {
			c.errs[tool.Name] = err
			delete(c.schemas, tool.Name)
			continue
		}
		c.schemas[tool.Name] = schema
		delete(c.errs, tool.Name)
	}
	return len(list.Tools), nil
}

// Known reports whether name was listed.
func (c *Catalog) Known(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.schemas[name]
	_, bad := c.errs[name]
	return ok || bad
}

// Check validates the params of a tools/call step. ok is false when the
// catalog has nothing to say about the tool.
func (c *Catalog) Check(params map[string]any) (Check, bool) {
	name, _ := params["name"].(string)
	if name == "" {
		return Check{}, false
	}
	c.mu.Lock()
	schema, ok := c.schemas[name]
	compileErr := c.errs[name]
	c.mu.Unlock()

	check := Check{Kind: "schema", Path: name}
	switch {
	case compileErr != nil:
		check.Detail = "tool schema does not compile: " + compileErr.Error()
		return check, true
	case !ok:
		return Check{}, false
	}

	args := params["arguments"]
	if args == nil {
		args = map[string]any{}
	}
	// Round-trip through JSON so the validator sees plain JSON values.
	b, err := json.Marshal(args)
	if err != nil {
		check.Detail = fmt.Sprintf("arguments are not JSON: %v", err)
		return check, true
	}
	var instance any
	if err := json.Unmarshal(b, &instance); err != nil {
		check.Detail = fmt.Sprintf("arguments are not JSON: %v", err)
		return check, true
	}
	if err := schema.Validate(instance); err != nil {
		check.Detail = err.Error()
		return check, true
	}
	check.OK = true
	return check, true
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("tool %q: input schema is required", name)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	loc := "tool-" + url.PathEscape(name) + ".json"
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
