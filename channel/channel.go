// Package channel correlates asynchronous calls sent over a single logical
// conduit to the remote service.
//
// Every call gets a fresh message id; replies are matched back strictly by
// that id and unmatched replies are dropped. The channel can be re-pointed at
// a new endpoint (re-homed) at any time, including transparently when a reply
// carries an xframe link that differs from the current one. Failures never
// surface as returned errors: they are synthetic Responses with Err set, so
// each call yields exactly one Response.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/headers"
	"github.com/ggoodman/ucwa-go/internal/logctx"
	"github.com/google/uuid"
)

// DefaultRehomeTimeout bounds a re-homing attempt.
const DefaultRehomeTimeout = 10 * time.Second

// DefaultDeniedReason is reported for a 403 that carries no diagnostics.
const DefaultDeniedReason = "origin is not in the allowed list"

var (
	// ErrClosed is reported for calls made on, or pending at, a disposed channel.
	ErrClosed = errors.New("channel: closed")
	// ErrNotConnected is reported for calls made before the first Rehome.
	ErrNotConnected = errors.New("channel: no endpoint")
	// ErrRehomeTimeout is reported when a re-homing attempt does not finish in time.
	ErrRehomeTimeout = errors.New("channel: rehome timed out")
	// ErrRehomeRejected is reported when the new endpoint answers the probe
	// with a non-2xx status.
	ErrRehomeRejected = errors.New("channel: rehome probe rejected")
)

// Conduit carries encoded frames to the remote side. Replies arrive through
// the deliver function handed to Dialer.Dial. Close must not drop replies for
// frames already posted.
type Conduit interface {
	Post(ctx context.Context, frame []byte) error
	Close() error
}

// Dialer opens a Conduit to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, deliver func(reply []byte)) (Conduit, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint string, deliver func(reply []byte)) (Conduit, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string, deliver func(reply []byte)) (Conduit, error) {
	return f(ctx, endpoint, deliver)
}

// BusyObserver is notified as non-quiet calls start and finish. Idle fires
// each time the number of outstanding calls drops to zero.
type BusyObserver interface {
	RequestStarted()
	RequestFinished(status int)
	Idle()
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(c *Channel) { c.log = logctx.NewLogger(h).With("component", "channel") }
}

// WithBusyObserver installs a BusyObserver.
func WithBusyObserver(o BusyObserver) Option {
	return func(c *Channel) { c.busy = o }
}

// WithOriginDenied installs the function told about the first 403 seen by the
// channel. Later 403s are not reported.
func WithOriginDenied(fn func(reason string)) Option {
	return func(c *Channel) { c.denied = fn }
}

// WithRehomeTimeout overrides DefaultRehomeTimeout.
func WithRehomeTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.rehomeTimeout = d
		}
	}
}

type pendingCall struct {
	id    string
	url   string
	quiet bool
	out   chan *Response
	done  chan struct{}
}

// Channel multiplexes calls over the current Conduit.
type Channel struct {
	dialer        Dialer
	log           *slog.Logger
	busy          BusyObserver
	denied        func(reason string)
	rehomeTimeout time.Duration

	mu          sync.Mutex
	conduit     Conduit
	retired     []Conduit
	origin      string
	xframe      string
	cred        Credential
	pending     map[string]*pendingCall
	outstanding int
	reported403 bool
	closed      bool
}

// New constructs a Channel. No calls can be made until Rehome succeeds.
func New(dialer Dialer, opts ...Option) *Channel {
	c := &Channel{
		dialer:        dialer,
		log:           logctx.NewLogger(nil),
		rehomeTimeout: DefaultRehomeTimeout,
		pending:       make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCredential installs the token attached to subsequent calls. An empty
// token removes the Authorization header.
func (c *Channel) SetCredential(token, tokenType string) {
	c.mu.Lock()
	c.cred = Credential{Token: token, Type: tokenType}
	c.mu.Unlock()
}

// Authorization returns the current credential.
func (c *Channel) Authorization() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred
}

// Origin returns the scheme and host relative URLs are resolved against.
func (c *Channel) Origin() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origin
}

// XFrame returns the endpoint the channel was last re-homed to.
func (c *Channel) XFrame() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xframe
}

// Outstanding returns the number of non-quiet calls awaiting delivery.
func (c *Channel) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Send issues req and waits for its Response.
func (c *Channel) Send(ctx context.Context, req Request) *Response {
	return <-c.SendAsync(ctx, req)
}

// SendAsync issues req and returns a channel that receives exactly one
// Response. If ctx ends first the call is abandoned and a synthetic 400 is
// delivered; a late reply is then dropped.
func (c *Channel) SendAsync(ctx context.Context, req Request) <-chan *Response {
	out := make(chan *Response, 1)
	id := uuid.NewString()

	c.mu.Lock()
	target := resolve(c.origin, req.URL)
	switch {
	case c.closed:
		c.mu.Unlock()
		out <- synthetic(id, target, http.StatusBadRequest, ErrClosed)
		return out
	case c.conduit == nil:
		c.mu.Unlock()
		out <- synthetic(id, target, http.StatusBadRequest, ErrNotConnected)
		return out
	}
	pc := &pendingCall{id: id, url: target, quiet: req.Quiet, out: out, done: make(chan struct{})}
	c.pending[id] = pc
	if !req.Quiet {
		c.outstanding++
	}
	cred := c.cred
	conduit := c.conduit
	c.mu.Unlock()

	if req.Credential != nil {
		cred = *req.Credential
	}
	ctx = logctx.WithCallData(ctx, &logctx.CallData{MessageID: id, Method: req.method(), URL: target})
	if !req.Quiet && c.busy != nil {
		c.busy.RequestStarted()
	}

	frame, err := encodeFrame(id, target, req, cred)
	if err != nil {
		c.log.WarnContext(ctx, "channel.encode.failed", slog.String("err", err.Error()))
		c.fail(id, err)
		return out
	}
	c.log.DebugContext(ctx, "channel.send")
	if err := conduit.Post(ctx, frame); err != nil {
		c.log.WarnContext(ctx, "channel.post.failed", slog.String("err", err.Error()))
		c.fail(id, err)
		return out
	}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				c.fail(id, ctx.Err())
			case <-pc.done:
			}
		}()
	}
	return out
}

// Rehome dials endpoint, makes it the current conduit and origin, and probes
// it with a GET. It fails with ErrRehomeTimeout if the probe does not finish
// within the configured timeout and with ErrRehomeRejected on a non-2xx probe.
// The switch is not undone on failure.
func (c *Channel) Rehome(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, c.rehomeTimeout)
	defer cancel()

	conduit, err := c.dialer.Dial(ctx, endpoint, c.receive)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: dial %s", ErrRehomeTimeout, endpoint)
		}
		return fmt.Errorf("rehome %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conduit.Close()
		return ErrClosed
	}
	if c.conduit != nil {
		c.retired = append(c.retired, c.conduit)
	}
	c.conduit = conduit
	c.origin = originOf(endpoint)
	c.xframe = endpoint
	c.mu.Unlock()

	c.log.InfoContext(ctx, "channel.rehome", slog.String("endpoint", endpoint))

	probe := c.Send(ctx, Request{Method: MethodGet, URL: endpoint, Accept: "text/html", Quiet: true})
	if probe.Err != nil {
		if errors.Is(probe.Err, context.DeadlineExceeded) {
			c.log.WarnContext(ctx, "channel.rehome.timeout", slog.String("endpoint", endpoint), slog.Duration("timeout", c.rehomeTimeout))
			return fmt.Errorf("%w: %s", ErrRehomeTimeout, endpoint)
		}
		return fmt.Errorf("rehome %s: %w", endpoint, probe.Err)
	}
	if !probe.OK() {
		return fmt.Errorf("%w: %s answered %d", ErrRehomeRejected, endpoint, probe.Status)
	}
	return nil
}

// Dispose fails every pending call with ErrClosed and closes all conduits.
// Further calls fail immediately.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		delete(c.pending, id)
		close(pc.done)
		calls = append(calls, pc)
	}
	conduits := append(c.retired, c.conduit)
	c.retired = nil
	c.conduit = nil
	c.mu.Unlock()

	for _, pc := range calls {
		c.deliver(pc, synthetic(pc.id, pc.url, http.StatusBadRequest, ErrClosed))
	}
	for _, cd := range conduits {
		if cd != nil {
			_ = cd.Close()
		}
	}
}

// claim removes a pending call so only one path can complete it.
func (c *Channel) claim(id string) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	close(pc.done)
	return pc, true
}

func (c *Channel) fail(id string, err error) {
	pc, ok := c.claim(id)
	if !ok {
		return
	}
	c.deliver(pc, synthetic(pc.id, pc.url, http.StatusBadRequest, err))
}

func (c *Channel) deliver(pc *pendingCall, resp *Response) {
	idle := false
	if !pc.quiet {
		c.mu.Lock()
		c.outstanding--
		if c.outstanding <= 0 {
			c.outstanding = 0
			idle = true
		}
		c.mu.Unlock()
		if c.busy != nil {
			c.busy.RequestFinished(resp.Status)
			if idle {
				c.busy.Idle()
			}
		}
	}
	pc.out <- resp
}

// receive is handed to every conduit. It matches the reply to its pending
// call and, when the reply names a new xframe, re-homes before delivering.
func (c *Channel) receive(raw []byte) {
	var r Reply
	if err := json.Unmarshal(raw, &r); err != nil {
		c.log.Warn("channel.reply.invalid", slog.String("err", err.Error()))
		return
	}

	hdr := headers.Parse(r.Headers)
	if r.Status == http.StatusForbidden {
		c.originDenied(hdr)
	}

	pc, ok := c.claim(r.MessageID)
	if !ok {
		c.log.Debug("channel.reply.unmatched", slog.String("message_id", r.MessageID))
		return
	}

	resp := &Response{
		MessageID: r.MessageID,
		URL:       pc.url,
		Status:    r.Status,
		Header:    hdr,
		Body:      []byte(r.ResponseText),
	}
	if IsJSON(hdr.Get("Content-Type")) && r.ResponseText != "" {
		doc, err := hal.Decode(resp.Body)
		if err != nil {
			c.log.Warn("channel.reply.decode_failed", slog.String("message_id", r.MessageID), slog.String("err", err.Error()))
		}
		resp.Document = doc
	}

	if xframe, ok := c.xframeChanged(resp.Document); ok {
		go func() {
			if err := c.Rehome(context.Background(), xframe); err != nil {
				c.log.Warn("channel.rehome.failed", slog.String("endpoint", xframe), slog.String("err", err.Error()))
				c.deliver(pc, synthetic(pc.id, pc.url, http.StatusRequestTimeout, err))
				return
			}
			c.deliver(pc, resp)
		}()
		return
	}
	c.deliver(pc, resp)
}

func (c *Channel) xframeChanged(doc hal.Document) (string, bool) {
	if doc == nil {
		return "", false
	}
	href, ok := doc.Link(hal.RelXFrame)
	if !ok || href == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if href == c.xframe {
		return "", false
	}
	c.xframe = href
	return href, true
}

func (c *Channel) originDenied(hdr headers.Header) {
	c.mu.Lock()
	if c.reported403 {
		c.mu.Unlock()
		return
	}
	c.reported403 = true
	c.mu.Unlock()

	reason := hdr.Param("X-Ms-diagnostics", "reason")
	if reason == "" {
		reason = DefaultDeniedReason
	}
	c.log.Error("channel.origin.denied", slog.String("reason", reason))
	if c.denied != nil {
		c.denied(reason)
	}
}

func resolve(origin, target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return origin + target
}

func originOf(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
