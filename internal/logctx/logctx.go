package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the harness data carried by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(runDataKey{}).(*RunData); ok {
		r.AddAttrs(slog.Group("run",
			slog.String("id", rd.RunID),
			slog.String("scenario", rd.Scenario),
		))
	}

	if cd, ok := ctx.Value(childDataKey{}).(*ChildData); ok {
		r.AddAttrs(slog.Group("child",
			slog.String("id", cd.Identity),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if sd, ok := ctx.Value(stepDataKey{}).(*StepData); ok {
		r.AddAttrs(slog.Group("step",
			slog.Int("index", sd.Index),
			slog.String("name", sd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type runDataKey struct{}

type RunData struct {
	RunID    string
	Scenario string
}

func WithRunData(ctx context.Context, data *RunData) context.Context {
	return context.WithValue(ctx, runDataKey{}, data)
}

type childDataKey struct{}

type ChildData struct {
	Identity string
}

func WithChildData(ctx context.Context, data *ChildData) context.Context {
	return context.WithValue(ctx, childDataKey{}, data)
}

type stepDataKey struct{}

type StepData struct {
	Index int
	Name  string
}

func WithStepData(ctx context.Context, data *StepData) context.Context {
	return context.WithValue(ctx, stepDataKey{}, data)
}
