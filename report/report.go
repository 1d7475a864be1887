package report

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-harness/internal/outbound"
)

// DefaultBanner is the benign startup line suppressed unless the allow-list
// is overridden.
const DefaultBanner = "Weather MCP Server running on stdio"

// DefaultHistory bounds how many events a Reporter retains.
const DefaultHistory = 256

// Kind classifies a reported event.
type Kind string

const (
	KindFraming     Kind = "framing"
	KindProtocol    Kind = "protocol"
	KindOrphan      Kind = "orphan"
	KindNonProtocol Kind = "non-protocol"
	KindStderr      Kind = "stderr"
	KindProcess     Kind = "process"
)

// Event is one surfaced anomaly.
type Event struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	Raw     string    `json:"raw,omitempty"`
	At      time.Time `json:"at"`
	Err     error     `json:"-"`
}

// Classify maps an error from the codec or correlator to its Kind. Errors
// outside the taxonomy are process events.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, jsonrpc.ErrFraming):
		return KindFraming
	case errors.Is(err, outbound.ErrOrphan):
		return KindOrphan
	case errors.Is(err, jsonrpc.ErrProtocol):
		return KindProtocol
	default:
		return KindProcess
	}
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithAllowList replaces the stderr allow-list. An empty list suppresses
// nothing. Entries and stderr lines are both stripped of surrounding
// whitespace, then compared exactly: case and inner whitespace matter, and a
// line that merely contains an entry is still surfaced.
func WithAllowList(lines ...string) Option {
	return func(r *Reporter) {
		r.allow = make(map[string]struct{}, len(lines))
		for _, l := range lines {
			if l = strings.TrimSpace(l); l != "" {
				r.allow[l] = struct{}{}
			}
		}
	}
}

// WithHistory bounds the number of retained events.
func WithHistory(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.history = n
		}
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// Reporter is safe for concurrent use; the session loop and the runner both
// report into it.
type Reporter struct {
	logger  *slog.Logger
	allow   map[string]struct{}
	history int
	now     func() time.Time

	mu         sync.Mutex
	events     []Event
	counts     map[Kind]int
	suppressed int
}

// New constructs a Reporter logging through logger.
func New(logger *slog.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reporter{
		logger:  logger,
		history: DefaultHistory,
		now:     time.Now,
		counts:  make(map[Kind]int),
	}
	WithAllowList(DefaultBanner)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stderr filters one line of the child's error stream. It reports whether
// the line was surfaced. Matching against the allow-list follows the rule in
// WithAllowList.
func (r *Reporter) Stderr(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if _, ok := r.allow[trimmed]; ok {
		r.mu.Lock()
		r.suppressed++
		r.mu.Unlock()
		r.logger.DebugContext(ctx, "suppressed stderr banner", slog.String("line", trimmed))
		return false
	}
	r.Report(ctx, Event{Kind: KindStderr, Message: "child stderr", Raw: trimmed})
	return true
}

// Error reports err under the Kind Classify assigns to it.
func (r *Reporter) Error(ctx context.Context, err error, raw string) {
	if err == nil {
		return
	}
	r.Report(ctx, Event{Kind: Classify(err), Message: err.Error(), Raw: raw, Err: err})
}

// Report records e and logs it at warn level.
func (r *Reporter) Report(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = r.now()
	}

	r.mu.Lock()
	r.counts[e.Kind]++
	r.events = append(r.events, e)
	if over := len(r.events) - r.history; over > 0 {
		r.events = append(r.events[:0], r.events[over:]...)
	}
	r.mu.Unlock()

	attrs := []any{slog.String("kind", string(e.Kind))}
	if e.Raw != "" {
		attrs = append(attrs, slog.String("raw", e.Raw))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}
	r.logger.WarnContext(ctx, e.Message, attrs...)
}

// Counts returns a copy of the per-kind totals, including events that have
// aged out of the history.
func (r *Reporter) Counts() map[Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Kind]int, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// Suppressed is the number of allow-listed stderr lines seen.
func (r *Reporter) Suppressed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suppressed
}

// Events returns the retained events, oldest first.
func (r *Reporter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Total is the number of events reported so far.
func (r *Reporter) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.counts {
		n += v
	}
	return n
}
