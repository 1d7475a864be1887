package scenario

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Check is the result of one expectation.
type Check struct {
	Kind   string `json:"kind"`
	Path   string `json:"path,omitempty"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Evaluate applies e to a raw response line. A nil Expectation yields no
// checks. failed reports whether the call settled with an error envelope.
func (e *Expectation) Evaluate(raw string, failed bool) []Check {
	if e == nil {
		return nil
	}
	var checks []Check
	if raw == "" {
		return []Check{{Kind: "response", Detail: "no response to evaluate"}}
	}
	if !gjson.Valid(raw) {
		return []Check{{Kind: "response", Detail: "response is not valid JSON"}}
	}
	doc := gjson.Parse(raw)

	if e.Error != failed {
		c := Check{Kind: "error", OK: false}
		if e.Error {
			c.Detail = "expected an error envelope"
		} else {
			c.Detail = "unexpected error envelope: " + doc.Get("error.message").String()
		}
		checks = append(checks, c)
	} else if e.Error {
		checks = append(checks, Check{Kind: "error", OK: true})
	}

	for _, p := range e.Exists {
		c := Check{Kind: "exists", Path: p, OK: doc.Get(p).Exists()}
		if !c.OK {
			c.Detail = "missing"
		}
		checks = append(checks, c)
	}
	for _, p := range e.Absent {
		v := doc.Get(p)
		c := Check{Kind: "absent", Path: p, OK: !v.Exists()}
		if !c.OK {
			c.Detail = "present: " + truncate(v.Raw, 80)
		}
		checks = append(checks, c)
	}
	for _, p := range sortedKeys(e.Equals) {
		checks = append(checks, equals(doc, p, e.Equals[p]))
	}
	for _, p := range sortedKeys(e.MinItems) {
		v := doc.Get(p)
		n := len(v.Array())
		c := Check{Kind: "minItems", Path: p, OK: v.IsArray() && n >= e.MinItems[p]}
		if !c.OK {
			if v.IsArray() {
				c.Detail = fmt.Sprintf("have %d items, want at least %d", n, e.MinItems[p])
			} else {
				c.Detail = "not an array"
			}
		}
		checks = append(checks, c)
	}
	return checks
}

func equals(doc gjson.Result, path string, want any) Check {
	c := Check{Kind: "equals", Path: path}
	got := doc.Get(path)
	if !got.Exists() {
		c.Detail = "missing"
		return c
	}
	b, err := json.Marshal(want)
	if err != nil {
		c.Detail = fmt.Sprintf("unusable expected value: %v", err)
		return c
	}
	exp := gjson.ParseBytes(b)
	switch {
	case got.Type != exp.Type:
		c.OK = false
	case got.Type == gjson.Number:
		c.OK = got.Num == exp.Num
	case got.Type == gjson.String:
		c.OK = got.Str == exp.Str
	case got.Type == gjson.JSON:
		c.OK = compact(got.Raw) == compact(exp.Raw)
	default:
		// True, False and Null carry no further value.
		c.OK = true
	}
	if !c.OK {
		c.Detail = fmt.Sprintf("got %s, want %s", truncate(got.Raw, 80), truncate(string(b), 80))
	}
	return c
}

func compact(raw string) string {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	// Re-marshalling sorts object keys, making key order irrelevant.
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return string(b)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
