package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the call, auth and operation data carried
// by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(callDataKey{}).(*CallData); ok {
		r.AddAttrs(slog.Group("call",
			slog.String("id", cd.MessageID),
			slog.String("method", cd.Method),
			slog.String("url", cd.URL),
		))
	}

	if ad, ok := ctx.Value(authDataKey{}).(*AuthData); ok {
		r.AddAttrs(slog.Group("auth",
			slog.String("state", ad.State),
			slog.Int("errors", ad.Errors),
		))
	}

	if od, ok := ctx.Value(operationDataKey{}).(*OperationData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("id", od.OperationID),
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

// NewLogger returns a logger for h wrapped in Handler. A nil handler yields a
// logger that discards everything.
func NewLogger(h slog.Handler) *slog.Logger {
	if h == nil {
		h = slog.DiscardHandler
	}
	return slog.New(Handler{Handler: h})
}

type callDataKey struct{}

type CallData struct {
	MessageID string
	Method    string
	URL       string
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callDataKey{}, data)
}

type authDataKey struct{}

type AuthData struct {
	State  string
	Errors int
}

func WithAuthData(ctx context.Context, data *AuthData) context.Context {
	return context.WithValue(ctx, authDataKey{}, data)
}

type operationDataKey struct{}

type OperationData struct {
	OperationID string
}

func WithOperationData(ctx context.Context, data *OperationData) context.Context {
	return context.WithValue(ctx, operationDataKey{}, data)
}
