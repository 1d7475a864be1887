package scenario

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ggoodman/mcp-stdio-harness/mcp"
)

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string like \"500ms\"", value.Line)
	}
	v, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// JSONSchema describes Duration as a string for schema reflection.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 250ms or 2s",
	}
}

// Expectation describes what a response should look like. Paths use gjson
// syntax over the whole response envelope.
type Expectation struct {
	Exists   []string       `yaml:"exists,omitempty" json:"exists,omitempty" jsonschema:"description=Paths that must be present"`
	Absent   []string       `yaml:"absent,omitempty" json:"absent,omitempty" jsonschema:"description=Paths that must not be present"`
	Equals   map[string]any `yaml:"equals,omitempty" json:"equals,omitempty" jsonschema:"description=Path to expected value"`
	Error    bool           `yaml:"error,omitempty" json:"error,omitempty" jsonschema:"description=The request is expected to return an error envelope"`
	MinItems map[string]int `yaml:"minItems,omitempty" json:"minItems,omitempty" jsonschema:"description=Array paths with a minimum length"`
}

// Step is one scripted request or notification.
type Step struct {
	Name         string         `yaml:"name" json:"name"`
	Method       string         `yaml:"method" json:"method"`
	Params       map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Delay        Duration       `yaml:"delay,omitempty" json:"delay,omitempty" jsonschema:"description=Wait before dispatching"`
	Timeout      Duration       `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"description=Per-request deadline; defaults to the run timeout"`
	Notification bool           `yaml:"notification,omitempty" json:"notification,omitempty" jsonschema:"description=Send without an id and do not wait for a reply"`
	Expect       *Expectation   `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// Label is the step name, falling back to the method.
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Method
}

// Scenario is a handshake followed by ordered steps.
type Scenario struct {
	Name string `yaml:"name" json:"name"`
	// Handshake must resolve for the run to proceed.
	Handshake Step `yaml:"handshake" json:"handshake"`
	// Initialized controls the notifications/initialized message sent after a
	// successful handshake. Unset means true.
	Initialized *bool  `yaml:"initialized,omitempty" json:"initialized,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// SendInitialized reports whether notifications/initialized follows the
// handshake.
func (s Scenario) SendInitialized() bool { return s.Initialized == nil || *s.Initialized }

// Validate checks the structure of a scenario.
func (s Scenario) Validate() error {
	var errs []error
	if s.Handshake.Method == "" {
		errs = append(errs, errors.New("handshake: method is required"))
	}
	if s.Handshake.Notification {
		errs = append(errs, errors.New("handshake: must be a request"))
	}
	for i, st := range s.Steps {
		if strings.TrimSpace(st.Method) == "" {
			errs = append(errs, fmt.Errorf("steps[%d]: method is required", i))
		}
		if st.Delay < 0 || st.Timeout < 0 {
			errs = append(errs, fmt.Errorf("steps[%d]: durations must not be negative", i))
		}
	}
	return errors.Join(errs...)
}

// Default is the built-in weather scenario: initialize, list tools, then
// call get-forecast and get-alerts.
func Default() Scenario {
	return Scenario{
		Name: "weather",
		Handshake: Step{
			Name:   "initialize",
			Method: mcp.InitializeMethod.String(),
			Params: map[string]any{
				"protocolVersion": mcp.ProtocolVersion20241105,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"clientInfo":      map[string]any{"name": "test-client", "version": "1.0.0"},
			},
			Expect: &Expectation{
				Exists: []string{"result.capabilities"},
				Equals: map[string]any{"id": 1},
			},
		},
		Steps: []Step{
			{
				Name:   "list tools",
				Method: mcp.ToolsListMethod.String(),
				Expect: &Expectation{
					Exists:   []string{"result.tools.0.name", "result.tools.0.inputSchema"},
					MinItems: map[string]int{"result.tools": 1},
				},
			},
			{
				Name:   "get forecast",
				Method: mcp.ToolsCallMethod.String(),
				Params: map[string]any{
					"name":      "get-forecast",
					"arguments": map[string]any{"latitude": 37.7749, "longitude": -122.4194},
				},
				Expect: &Expectation{
					Exists: []string{"result.content"},
					Absent: []string{"error"},
				},
			},
			{
				Name:   "get alerts",
				Method: mcp.ToolsCallMethod.String(),
				Params: map[string]any{
					"name":      "get-alerts",
					"arguments": map[string]any{"state": "CA"},
				},
				Expect: &Expectation{
					Absent: []string{"error"},
				},
			},
		},
	}
}

// Load reads a YAML scenario file.
func Load(path string) (Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(bytes.NewReader(b))
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a YAML scenario. Unknown fields are rejected.
func Parse(r io.Reader) (Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Scenario
	if err := dec.Decode(&sc); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// Marshal renders a scenario as YAML.
func Marshal(sc Scenario) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(sc); err != nil {
		return nil, fmt.Errorf("encode scenario: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Schema returns the JSON Schema of scenario files.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	s := r.Reflect(new(Scenario))
	s.Title = "mcp-harness scenario"
	return s
}
