// Package httpconduit implements channel.Dialer with plain HTTP requests. Each
// frame becomes one HTTP request performed in the background; its outcome is
// delivered back as a channel.Reply.
package httpconduit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/internal/headers"
	"github.com/ggoodman/ucwa-go/internal/logctx"
)

// ErrClosed is returned by Post after Close.
var ErrClosed = errors.New("httpconduit: closed")

// Option configures a Dialer.
type Option func(*Dialer)

// WithHTTPClient sets the client used for requests. Long polls are held open
// by the server, so the client should not carry a short Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dialer) { d.client = hc }
}

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option {
	return func(d *Dialer) { d.userAgent = ua }
}

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(d *Dialer) { d.log = logctx.NewLogger(h).With("component", "httpconduit") }
}

// Dialer opens HTTP conduits.
type Dialer struct {
	client    *http.Client
	userAgent string
	log       *slog.Logger
}

var _ channel.Dialer = (*Dialer)(nil)

// New returns a Dialer.
func New(opts ...Option) *Dialer {
	d := &Dialer{client: &http.Client{}, log: logctx.NewLogger(nil)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial returns a conduit for endpoint. No connection is made up front; the
// channel's probe request is the first traffic.
func (d *Dialer) Dial(ctx context.Context, endpoint string, deliver func([]byte)) (channel.Conduit, error) {
	if deliver == nil {
		return nil, fmt.Errorf("dial %s: deliver func is required", endpoint)
	}
	d.log.DebugContext(ctx, "conduit.dial", slog.String("endpoint", endpoint))
	return &conduit{d: d, endpoint: endpoint, deliver: deliver}, nil
}

type conduit struct {
	d        *Dialer
	endpoint string
	deliver  func([]byte)

	mu     sync.Mutex
	closed bool
}

func (c *conduit) Post(ctx context.Context, raw []byte) error {
	var f channel.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	req, err := c.build(ctx, f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	go func() { c.deliverReply(c.do(ctx, f.MessageID, req)) }()
	return nil
}

// Close stops new posts. Requests already in flight still deliver their
// replies.
func (c *conduit) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *conduit) build(ctx context.Context, f channel.Frame) (*http.Request, error) {
	var body io.Reader
	if f.Data != "" {
		body = strings.NewReader(f.Data)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(f.Type), f.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range f.Headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	if c.d.userAgent != "" {
		req.Header.Set("User-Agent", c.d.userAgent)
	}
	return req, nil
}

func (c *conduit) do(ctx context.Context, id string, req *http.Request) channel.Reply {
	resp, err := c.d.client.Do(req)
	if err != nil {
		c.d.log.WarnContext(ctx, "conduit.request.failed", slog.String("url", req.URL.String()), slog.String("err", err.Error()))
		return channel.Reply{MessageID: id, Status: http.StatusBadRequest}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.d.log.WarnContext(ctx, "conduit.body.failed", slog.String("url", req.URL.String()), slog.String("err", err.Error()))
		return channel.Reply{MessageID: id, Status: http.StatusBadRequest}
	}
	return channel.Reply{
		MessageID:    id,
		Status:       resp.StatusCode,
		Headers:      headers.Format(resp.Header),
		ResponseText: string(b),
	}
}

func (c *conduit) deliverReply(r channel.Reply) {
	b, err := json.Marshal(r)
	if err != nil {
		c.d.log.Error("conduit.reply.encode_failed", slog.String("err", err.Error()))
		return
	}
	c.deliver(b)
}
