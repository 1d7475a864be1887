package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/ggoodman/mcp-stdio-harness/report"
	"github.com/ggoodman/mcp-stdio-harness/supervisor"
)

// StepResult records how one step ended.
type StepResult struct {
	// Index is the position in Scenario.Steps, -1 for the handshake.
	Index   int             `json:"index"`
	Name    string          `json:"name"`
	Method  string          `json:"method"`
	ID      int64           `json:"id,omitempty"`
	Status  string          `json:"status"`
	Latency time.Duration   `json:"latencyNs,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Checks  []Check         `json:"checks,omitempty"`
	// Passed is true when the step settled as expected and every check held.
	Passed bool `json:"passed"`

	fatal bool
}

// Summary is the outcome of a run.
type Summary struct {
	RunID       string                 `json:"runId,omitempty"`
	Scenario    string                 `json:"scenario"`
	State       State                  `json:"state"`
	AbortReason string                 `json:"abortReason,omitempty"`
	Handshake   StepResult             `json:"handshake"`
	Steps       []StepResult           `json:"steps"`
	Child       string                 `json:"child,omitempty"`
	Exit        *supervisor.ExitStatus `json:"exit,omitempty"`
	Reports     map[report.Kind]int    `json:"reports,omitempty"`
	Suppressed  int                    `json:"suppressedStderr,omitempty"`
	StartedAt   time.Time              `json:"startedAt"`
	Duration    time.Duration          `json:"durationNs"`
}

// Attach records the child's fate and the reporter's tallies.
func (s *Summary) Attach(child string, status supervisor.ExitStatus, r *report.Reporter) {
	s.Child = child
	s.Exit = &status
	if r != nil {
		s.Reports = r.Counts()
		s.Suppressed = r.Suppressed()
	}
}

// Failed counts attempted steps, handshake included, that did not pass.
func (s *Summary) Failed() int {
	n := 0
	if s.Handshake.Status != "" && !s.Handshake.Passed {
		n++
	}
	for _, st := range s.Steps {
		if st.Status != StatusSkipped && !st.Passed {
			n++
		}
	}
	return n
}

// WriteJSON writes the summary as indented JSON.
func (s *Summary) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// RenderOptions controls Render.
type RenderOptions struct {
	NoColor bool
	// Verbose adds a row per failed check.
	Verbose bool
}

// Render prints a per-step table followed by the run state, exit status and
// report tallies.
func Render(w io.Writer, s *Summary, opts RenderOptions) {
	var (
		okColor   = color.New(color.FgGreen)
		badColor  = color.New(color.FgRed)
		skipColor = color.New(color.FgYellow)
		headColor = color.New(color.FgWhite, color.Bold)
	)
	if opts.NoColor {
		for _, c := range []*color.Color{okColor, badColor, skipColor, headColor} {
			c.DisableColor()
		}
	}
	paint := func(r StepResult) string {
		switch {
		case r.Status == StatusSkipped:
			return skipColor.Sprint(r.Status)
		case r.Passed:
			return okColor.Sprint(r.Status)
		default:
			return badColor.Sprint(r.Status)
		}
	}

	headColor.Fprintf(w, "Scenario %q", s.Scenario)
	if s.RunID != "" {
		fmt.Fprintf(w, " (run %s)", s.RunID)
	}
	fmt.Fprintln(w)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Step", "Method", "ID", "Status", "Latency", "Checks"})
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetColumnSeparator("│")
	table.SetRowSeparator("─")
	table.SetHeaderLine(true)

	rows := append([]StepResult{s.Handshake}, s.Steps...)
	for _, r := range rows {
		if r.Status == "" {
			continue
		}
		num := strconv.Itoa(r.Index + 1)
		if r.Index < 0 {
			num = "hs"
		}
		id := ""
		if r.ID > 0 {
			id = strconv.FormatInt(r.ID, 10)
		}
		latency := ""
		if r.Latency > 0 {
			latency = r.Latency.Round(time.Microsecond).String()
		}
		table.Append([]string{num, r.Name, r.Method, id, paint(r), latency, checkSummary(r.Checks)})
		if opts.Verbose {
			for _, c := range r.Checks {
				if !c.OK {
					table.Append([]string{"", "", "", "", "", "", badColor.Sprintf("%s %s: %s", c.Kind, c.Path, c.Detail)})
				}
			}
			if r.Error != "" && !r.Passed {
				table.Append([]string{"", "", "", "", "", "", badColor.Sprint(r.Error)})
			}
		}
	}
	table.Render()

	stateColor := okColor
	if s.State != StateCompleted {
		stateColor = badColor
	}
	fmt.Fprintf(w, "\nState: %s", stateColor.Sprint(s.State))
	if s.AbortReason != "" {
		fmt.Fprintf(w, " (%s)", s.AbortReason)
	}
	fmt.Fprintf(w, "   Failed: %d   Duration: %s\n", s.Failed(), s.Duration.Round(time.Millisecond))
	if s.Exit != nil {
		fmt.Fprintf(w, "Child: %s %s\n", s.Child, s.Exit)
	}
	if len(s.Reports) > 0 || s.Suppressed > 0 {
		fmt.Fprintf(w, "Reports: %s", tally(s.Reports))
		if s.Suppressed > 0 {
			fmt.Fprintf(w, "   suppressed stderr: %d", s.Suppressed)
		}
		fmt.Fprintln(w)
	}
}

func checkSummary(checks []Check) string {
	if len(checks) == 0 {
		return ""
	}
	ok := 0
	for _, c := range checks {
		if c.OK {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d", ok, len(checks))
}

func tally(counts map[report.Kind]int) string {
	if len(counts) == 0 {
		return "none"
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[report.Kind(k)]))
	}
	return strings.Join(parts, " ")
}
