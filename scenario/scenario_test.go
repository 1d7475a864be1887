package scenario

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_RoundTrip(t *testing.T) {
	b, err := Marshal(Default())
	require.NoError(t, err)

	sc, err := Parse(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, Default(), sc)
}

func TestLoad_Testdata(t *testing.T) {
	sc, err := Load("testdata/weather.yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), sc)
	assert.True(t, sc.SendInitialized())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("testdata/does-not-exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader(`
name: typo
handshake:
  method: initialize
steps:
  - method: ping
    retries: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries")
}

func TestParse_Validation(t *testing.T) {
	_, err := Parse(strings.NewReader(`
name: broken
handshake:
  notification: true
steps:
  - name: nothing
  - method: ping
    delay: -1s
`))
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "handshake: method is required")
	assert.Contains(t, msg, "handshake: must be a request")
	assert.Contains(t, msg, "steps[0]: method is required")
	assert.Contains(t, msg, "steps[1]: durations must not be negative")
}

func TestParse_Durations(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
name: timing
handshake:
  method: initialize
initialized: false
steps:
  - method: ping
    delay: 250ms
    timeout: 2s
`))
	require.NoError(t, err)
	require.Len(t, sc.Steps, 1)
	assert.Equal(t, 250*time.Millisecond, sc.Steps[0].Delay.D())
	assert.Equal(t, 2*time.Second, sc.Steps[0].Timeout.D())
	assert.Equal(t, "ping", sc.Steps[0].Label())
	assert.False(t, sc.SendInitialized())

	_, err = Parse(strings.NewReader(`
name: timing
handshake:
  method: initialize
steps:
  - method: ping
    delay: soon
`))
	require.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5s"`, string(b))

	var back Duration
	require.NoError(t, back.UnmarshalJSON(b))
	assert.Equal(t, d, back)
	assert.Error(t, back.UnmarshalJSON([]byte(`15`)))
}

func TestSchema(t *testing.T) {
	s := Schema()
	require.NotNil(t, s)
	assert.Equal(t, "mcp-harness scenario", s.Title)
	require.NotNil(t, s.Properties)
	for _, name := range []string{"name", "handshake", "steps", "initialized"} {
		_, ok := s.Properties.Get(name)
		assert.True(t, ok, "property %s", name)
	}
}
