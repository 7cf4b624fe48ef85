// Package operation starts server-side operations whose outcome is reported
// on the event channel.
package operation

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"

	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/events"
	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/logctx"
	"github.com/google/uuid"
)

// Requester issues channel calls.
type Requester interface {
	SendAsync(ctx context.Context, req channel.Request) <-chan *channel.Response
}

// EventSource is the part of the event channel the coordinator needs.
type EventSource interface {
	Start(ctx context.Context) error
	AddListener(key events.MatchKey, h events.Handlers)
	RemoveListener(key events.MatchKey)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(c *Coordinator) { c.log = logctx.NewLogger(h).With("component", "operation") }
}

// Coordinator ties an operation id to its listeners and originating request.
type Coordinator struct {
	req Requester
	ev  EventSource
	log *slog.Logger
}

// New returns a Coordinator.
func New(req Requester, ev EventSource, opts ...Option) *Coordinator {
	c := &Coordinator{req: req, ev: ev, log: logctx.NewLogger(nil)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start registers h under a fresh operation id, makes sure the event channel
// is running, and submits req with the id embedded in its body as
// "operationId". It returns the id and the originating call's response.
func (c *Coordinator) Start(ctx context.Context, req channel.Request, h events.Handlers) (string, <-chan *channel.Response, error) {
	id := uuid.NewString()
	ctx = logctx.WithOperationData(ctx, &logctx.OperationData{OperationID: id})

	body, err := withOperationID(req.Body, id)
	if err != nil {
		return "", nil, err
	}
	req.Body = body

	key := events.OperationID(id)
	c.ev.AddListener(key, h)
	if err := c.ev.Start(ctx); err != nil {
		c.ev.RemoveListener(key)
		return "", nil, fmt.Errorf("start operation: %w", err)
	}

	c.log.InfoContext(ctx, "operation.start", slog.String("method", req.Method), slog.String("url", req.URL))
	return id, c.req.SendAsync(ctx, req), nil
}

// Stop removes the listeners registered for id. It does not cancel any
// request already sent.
func (c *Coordinator) Stop(id string) {
	c.ev.RemoveListener(events.OperationID(id))
}

// withOperationID returns a copy of body carrying id.
func withOperationID(body any, id string) (any, error) {
	switch b := body.(type) {
	case nil:
		return map[string]any{"operationId": id}, nil
	case hal.Document:
		out := hal.Document{}
		maps.Copy(out, b)
		out["operationId"] = id
		return out, nil
	case map[string]any:
		out := map[string]any{}
		maps.Copy(out, b)
		out["operationId"] = id
		return out, nil
	case url.Values:
		out := make(url.Values, len(b)+1)
		for k, v := range b {
			out[k] = append([]string(nil), v...)
		}
		out.Set("operationId", id)
		return out, nil
	default:
		return nil, fmt.Errorf("start operation: cannot embed operation id in %T body", body)
	}
}
