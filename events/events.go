// Package events runs the event-channel long poll and routes each event to
// the listeners registered for it.
//
// A listener is keyed by operation id, link relation, link href or the
// wildcard. For each event the listeners are consulted in that order and
// every match whose handler table has an entry for the normalized event type
// is invoked. Handler panics are recovered and logged.
//
// The poll loop is strictly sequential: each response triggers at most one
// next poll, which is issued before the response's events are dispatched.
// Stop does not cancel the poll in flight; its response is discarded.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/ucwa-go/cache"
	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/logctx"
)

// ErrNoEventsLink is returned by Start when the cached application resource
// has no events link.
var ErrNoEventsLink = errors.New("events: no events link")

// Requester issues channel calls.
type Requester interface {
	SendAsync(ctx context.Context, req channel.Request) <-chan *channel.Response
}

// Reader reads cached resources.
type Reader interface {
	Read(ctx context.Context, id string) (hal.Document, error)
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(e *Channel) { e.log = logctx.NewLogger(h).With("component", "events") }
}

// WithPollOptions sets the initial poll tuning.
func WithPollOptions(o PollOptions) Option {
	return func(e *Channel) { e.opts = e.opts.merge(o) }
}

// Channel is the event-channel dispatcher.
type Channel struct {
	req   Requester
	cache Reader
	log   *slog.Logger

	mu        sync.Mutex
	active    bool
	gen       uint64
	listeners map[MatchKey]Handlers
	opts      PollOptions
	done      chan struct{}
}

// New constructs a dispatcher that polls through req and reads the events
// link from the "main" resource in c.
func New(req Requester, c Reader, opts ...Option) *Channel {
	e := &Channel{
		req:       req,
		cache:     c,
		log:       logctx.NewLogger(nil),
		listeners: make(map[MatchKey]Handlers),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Active reports whether the poll loop is running.
func (e *Channel) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Start begins polling. It is a no-op while already active.
func (e *Channel) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return nil
	}
	e.active = true
	e.gen++
	gen := e.gen
	opts := e.opts
	e.mu.Unlock()

	root, err := e.cache.Read(ctx, cache.MainID)
	if err != nil {
		e.deactivate(gen)
		return fmt.Errorf("start events: %w", err)
	}
	href, ok := root.Link(hal.RelEvents)
	if !ok || href == "" {
		e.deactivate(gen)
		return ErrNoEventsLink
	}

	// The loop outlives the caller's context; Stop is the way to end it.
	loopCtx := context.WithoutCancel(ctx)
	first := e.req.SendAsync(loopCtx, channel.Request{
		Method: channel.MethodGet,
		URL:    opts.Apply(href),
		Accept: channel.DefaultMediaType,
	})
	done := make(chan struct{})
	e.mu.Lock()
	e.done = done
	e.mu.Unlock()

	e.log.InfoContext(ctx, "events.start", slog.String("href", href))
	go e.loop(loopCtx, gen, first, done)
	return nil
}

// Stop clears the active flag and discards every listener. A poll already in
// flight completes but its response is not dispatched.
func (e *Channel) Stop() {
	e.mu.Lock()
	e.active = false
	e.listeners = make(map[MatchKey]Handlers)
	e.mu.Unlock()
	e.log.Info("events.stop")
}

// Wait blocks until the current poll loop, if any, has returned or ctx ends.
func (e *Channel) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers h under key, replacing any earlier registration.
func (e *Channel) AddListener(key MatchKey, h Handlers) {
	e.mu.Lock()
	e.listeners[key] = h
	e.mu.Unlock()
}

// RemoveListener drops the registration under key.
func (e *Channel) RemoveListener(key MatchKey) {
	e.mu.Lock()
	_, ok := e.listeners[key]
	delete(e.listeners, key)
	e.mu.Unlock()
	if !ok {
		e.log.Warn("events.listener.not_found", slog.String("key", key.String()))
	}
}

// HasListener reports whether key is registered.
func (e *Channel) HasListener(key MatchKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.listeners[key]
	return ok
}

// ConfigurePolling overrides the non-zero fields of the poll tuning. The new
// values apply from the next poll.
func (e *Channel) ConfigurePolling(o PollOptions) {
	e.mu.Lock()
	e.opts = e.opts.merge(o)
	e.mu.Unlock()
}

// PollOptions returns the current poll tuning, unclamped.
func (e *Channel) PollOptions() PollOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

func (e *Channel) deactivate(gen uint64) {
	e.mu.Lock()
	if e.gen == gen {
		e.active = false
	}
	e.mu.Unlock()
}

func (e *Channel) current(gen uint64) (PollOptions, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts, e.active && e.gen == gen
}

func (e *Channel) loop(ctx context.Context, gen uint64, pending <-chan *channel.Response, done chan struct{}) {
	defer close(done)
	for pending != nil {
		resp := <-pending
		pending = e.process(ctx, gen, resp)
	}
}

// process handles one poll response and returns the next poll, or nil when
// the loop should end.
func (e *Channel) process(ctx context.Context, gen uint64, resp *channel.Response) <-chan *channel.Response {
	opts, ok := e.current(gen)
	if !ok {
		e.log.DebugContext(ctx, "events.response.dropped", slog.Int("status", resp.Status))
		return nil
	}

	var next <-chan *channel.Response
	if href := nextLink(resp.Document); href != "" {
		next = e.req.SendAsync(ctx, channel.Request{
			Method: channel.MethodGet,
			URL:    opts.Apply(href),
			Accept: channel.DefaultMediaType,
			Quiet:  true,
		})
	}

	for _, ev := range parse(resp) {
		if _, ok := e.current(gen); !ok {
			break
		}
		e.dispatch(ctx, ev)
	}

	if next == nil {
		// Without a resync or next link the loop ends; Start may run it again.
		e.log.WarnContext(ctx, "events.poll.ended", slog.Int("status", resp.Status))
		e.deactivate(gen)
	}
	return next
}

// nextLink prefers resync over next.
func nextLink(doc hal.Document) string {
	if doc == nil {
		return ""
	}
	if href, ok := doc.Link(hal.RelResync); ok && href != "" {
		return href
	}
	if href, ok := doc.Link(hal.RelNext); ok && href != "" {
		return href
	}
	return ""
}

func (e *Channel) dispatch(ctx context.Context, ev Event) {
	keys := make([]MatchKey, 0, 4)
	if ev.OperationID != "" {
		keys = append(keys, OperationID(ev.OperationID))
	}
	keys = append(keys, Relation(ev.Rel), Href(ev.Href), Wildcard())

	var matched []Handler
	e.mu.Lock()
	for _, k := range keys {
		if h, ok := e.listeners[k]; ok {
			if fn := h.For(ev.Type); fn != nil {
				matched = append(matched, fn)
			}
		}
	}
	e.mu.Unlock()

	for _, fn := range matched {
		e.invoke(ctx, fn, ev)
	}
}

func (e *Channel) invoke(ctx context.Context, fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "events.handler.panic",
				slog.String("type", string(ev.Type)),
				slog.String("rel", ev.Rel),
				slog.Any("panic", r),
			)
		}
	}()
	fn(ctx, ev)
}

// parse flattens sender[].events[] of a poll response into Events.
func parse(resp *channel.Response) []Event {
	if resp == nil || resp.Document == nil {
		return nil
	}
	senders, _ := resp.Document["sender"].([]any)
	var out []Event
	for _, s := range senders {
		sm, ok := s.(map[string]any)
		if !ok {
			continue
		}
		sender := Sender{Rel: str(sm["rel"]), Href: str(sm["href"])}
		evs, _ := sm["events"].([]any)
		for _, raw := range evs {
			em, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, newEvent(em, sender, resp))
		}
	}
	return out
}

func newEvent(m map[string]any, sender Sender, resp *channel.Response) Event {
	ev := Event{
		RawType:  str(m["type"]),
		Sender:   sender,
		Data:     hal.Document(m),
		Response: resp,
	}
	ev.Type = Normalize(ev.RawType)
	if link, ok := m["link"].(map[string]any); ok {
		ev.Rel = str(link["rel"])
		ev.Href = str(link["href"])
	}
	if emb, ok := ev.Data.Embedded(ev.Rel); ok {
		ev.Embedded = emb
		ev.OperationID = emb.String("operationId")
	}
	return ev
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
