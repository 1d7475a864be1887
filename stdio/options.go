package stdio

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-stdio-harness/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-harness/report"
)

// Option customizes a Session.
type Option func(*Session)

// NotificationHandler observes notifications sent by the child. It runs on
// the control loop and must not call back into the Session.
type NotificationHandler func(ctx context.Context, n *jsonrpc.Notification)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithReporter overrides the anomaly reporter. By default a Reporter logging
// through the session logger is created.
func WithReporter(r *report.Reporter) Option {
	return func(s *Session) {
		if r != nil {
			s.reporter = r
		}
	}
}

// WithNotificationHandler registers an observer for child notifications.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(s *Session) {
		s.onNotify = h
	}
}

// WithDefaultTimeout sets the deadline applied to calls made without one.
// Zero disables the default deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d >= 0 {
			s.defaultTimeout = d
		}
	}
}

// WithClock overrides the time source used for dispatch and settlement
// timestamps. Deadlines still run on real timers.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}
