// Package discovery locates the user resource for a sign-in domain.
//
// The internal discovery host is tried first and the external one second.
// For each candidate the channel is re-homed to the candidate's xframe, the
// discovery document is fetched, and the channel is re-homed again to the
// xframe of the pool the document names.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/logctx"
)

// Default discovery prefixes, in the order they are tried.
const (
	InternalPrefix = "https://lyncdiscoverinternal."
	ExternalPrefix = "https://lyncdiscover."
)

// ErrDiscoveryFailed is returned when no discovery location answered.
var ErrDiscoveryFailed = errors.New("discovery: no location answered")

// Channel is the part of the channel discovery needs.
type Channel interface {
	Rehome(ctx context.Context, endpoint string) error
	Send(ctx context.Context, req channel.Request) *channel.Response
	XFrame() string
}

// Result is the outcome of a successful discovery.
type Result struct {
	// Location is the discovery URL that answered.
	Location string
	// User is the link the authentication bootstrap starts from.
	User string
	// XFrame is the pool endpoint the channel now points at.
	XFrame string
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(d *Discoverer) { d.log = logctx.NewLogger(h).With("component", "discovery") }
}

// WithPrefixes replaces the discovery prefixes. Each prefix is joined
// directly with the domain.
func WithPrefixes(prefixes ...string) Option {
	return func(d *Discoverer) { d.prefixes = prefixes }
}

// Discoverer runs discovery over a channel.
type Discoverer struct {
	ch       Channel
	log      *slog.Logger
	prefixes []string
}

// New returns a Discoverer.
func New(ch Channel, opts ...Option) *Discoverer {
	d := &Discoverer{
		ch:       ch,
		log:      logctx.NewLogger(nil),
		prefixes: []string{InternalPrefix, ExternalPrefix},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover finds the user link for domain and leaves the channel pointed at
// the pool that serves it.
func (d *Discoverer) Discover(ctx context.Context, domain string) (*Result, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return nil, fmt.Errorf("%w: empty domain", ErrDiscoveryFailed)
	}

	var errs []error
	for _, prefix := range d.prefixes {
		loc := prefix + domain
		res, err := d.try(ctx, loc)
		if err == nil {
			d.log.InfoContext(ctx, "discovery.found", slog.String("location", loc), slog.String("user", res.User))
			return res, nil
		}
		d.log.WarnContext(ctx, "discovery.location.failed", slog.String("location", loc), slog.String("err", err.Error()))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrDiscoveryFailed, domain, errors.Join(errs...))
}

func (d *Discoverer) try(ctx context.Context, loc string) (*Result, error) {
	if err := d.ch.Rehome(ctx, loc+"/xframe"); err != nil {
		return nil, err
	}

	resp := d.ch.Send(ctx, channel.Request{Method: channel.MethodGet, URL: loc})
	if resp.Err != nil {
		return nil, fmt.Errorf("get %s: %w", loc, resp.Err)
	}
	if resp.Status != 200 {
		return nil, fmt.Errorf("get %s: status %d", loc, resp.Status)
	}

	user, ok := resp.Document.Link(hal.RelUser)
	if !ok || user == "" {
		return nil, fmt.Errorf("get %s: no user link", loc)
	}
	xframe, ok := resp.Document.Link(hal.RelXFrame)
	if !ok || xframe == "" {
		return nil, fmt.Errorf("get %s: no xframe link", loc)
	}

	// The channel re-homes on its own when a reply names a new xframe.
	if d.ch.XFrame() != xframe {
		if err := d.ch.Rehome(ctx, xframe); err != nil {
			return nil, err
		}
	}
	return &Result{Location: loc, User: user, XFrame: xframe}, nil
}
