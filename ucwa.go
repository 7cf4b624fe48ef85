// Package ucwa is a client runtime for UCWA-style services: resources linked
// by hypermedia, operations whose outcome arrives on a long-poll event
// channel, and a multi-step sign-in driven by status codes and links.
//
// A Client wires the pieces together:
//
//	cfg, _ := ucwa.ConfigFromEnv()
//	c, err := ucwa.New(ctx, cfg)
//	if err != nil { ... }
//	defer c.Close()
//	if _, err := c.SignIn(ctx); err != nil { ... }
//	c.Events.AddListener(events.Wildcard(), events.Handlers{Updated: onUpdate})
//
// Each component is also usable on its own; see the channel, events, auth,
// operation, discovery and cache packages.
package ucwa

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ggoodman/ucwa-go/auth"
	"github.com/ggoodman/ucwa-go/cache"
	"github.com/ggoodman/ucwa-go/cache/memory"
	"github.com/ggoodman/ucwa-go/cache/redis"
	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/channel/httpconduit"
	"github.com/ggoodman/ucwa-go/discovery"
	"github.com/ggoodman/ucwa-go/events"
	"github.com/ggoodman/ucwa-go/internal/logctx"
	"github.com/ggoodman/ucwa-go/operation"
	"github.com/google/uuid"
)

// Option configures New.
type Option func(*options)

type options struct {
	logHandler   slog.Handler
	storage      cache.Storage
	dialer       channel.Dialer
	httpClient   *http.Client
	busy         channel.BusyObserver
	originDenied func(reason string)
	prefixes     []string
}

// WithLogHandler sets the slog handler shared by every component.
func WithLogHandler(h slog.Handler) Option {
	return func(o *options) { o.logHandler = h }
}

// WithStorage overrides the cache backend chosen from Config.
func WithStorage(s cache.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithDialer overrides the HTTP conduit.
func WithDialer(d channel.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient sets the client used by the default HTTP conduit.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithBusyObserver installs a channel busy observer, such as
// metrics.BusyObserver.
func WithBusyObserver(b channel.BusyObserver) Option {
	return func(o *options) { o.busy = b }
}

// WithOriginDenied installs the handler told about the first 403.
func WithOriginDenied(fn func(reason string)) Option {
	return func(o *options) { o.originDenied = fn }
}

// WithDiscoveryPrefixes overrides the discovery hosts.
func WithDiscoveryPrefixes(prefixes ...string) Option {
	return func(o *options) { o.prefixes = prefixes }
}

// Client owns one set of components. The fields are safe to use directly.
type Client struct {
	Cache      *cache.Cache
	Channel    *channel.Channel
	Events     *events.Channel
	Auth       *auth.Authenticator
	Operations *operation.Coordinator
	Discovery  *discovery.Discoverer

	cfg        Config
	endpointID string
	log        *slog.Logger
	closers    []func() error
}

// New builds a Client from cfg. Nothing is sent until SignIn.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:        cfg,
		endpointID: uuid.NewString(),
		log:        logctx.NewLogger(o.logHandler).With("component", "client"),
	}

	store := o.storage
	if store == nil {
		var err error
		if store, err = c.defaultStorage(ctx); err != nil {
			return nil, err
		}
	}
	kc, err := cache.New(store, cache.WithLogHandler(o.logHandler))
	if err != nil {
		return nil, err
	}
	if err := kc.Init(ctx); err != nil {
		c.Close()
		return nil, err
	}
	c.Cache = kc

	dialer := o.dialer
	if dialer == nil {
		dopts := []httpconduit.Option{
			httpconduit.WithUserAgent(cfg.UserAgent),
			httpconduit.WithLogHandler(o.logHandler),
		}
		if o.httpClient != nil {
			dopts = append(dopts, httpconduit.WithHTTPClient(o.httpClient))
		}
		dialer = httpconduit.New(dopts...)
	}

	chopts := []channel.Option{
		channel.WithLogHandler(o.logHandler),
		channel.WithRehomeTimeout(cfg.RehomeTimeout),
	}
	if o.busy != nil {
		chopts = append(chopts, channel.WithBusyObserver(o.busy))
	}
	if o.originDenied != nil {
		chopts = append(chopts, channel.WithOriginDenied(o.originDenied))
	}
	c.Channel = channel.New(dialer, chopts...)
	c.closers = append(c.closers, func() error { c.Channel.Dispose(); return nil })

	c.Events = events.New(c.Channel, c.Cache,
		events.WithLogHandler(o.logHandler),
		events.WithPollOptions(cfg.PollOptions()),
	)
	c.Operations = operation.New(c.Channel, c.Events, operation.WithLogHandler(o.logHandler))

	c.Auth = auth.New(c.Channel, c.Cache, auth.WithLogHandler(o.logHandler))
	if err := c.applyCredentials(); err != nil {
		c.Close()
		return nil, err
	}

	dopts := []discovery.Option{discovery.WithLogHandler(o.logHandler)}
	if len(o.prefixes) > 0 {
		dopts = append(dopts, discovery.WithPrefixes(o.prefixes...))
	}
	c.Discovery = discovery.New(c.Channel, dopts...)
	return c, nil
}

func (c *Client) defaultStorage(ctx context.Context) (cache.Storage, error) {
	if c.cfg.RedisAddr == "" {
		ms, err := memory.New(0)
		if err != nil {
			return nil, err
		}
		return ms, nil
	}
	rs, err := redis.New(ctx, redis.Config{Addr: c.cfg.RedisAddr, KeyPrefix: c.cfg.RedisPrefix})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, rs.Close)
	return rs, nil
}

func (c *Client) applyCredentials() error {
	if c.cfg.Username != "" {
		c.Auth.SetCredentials(c.cfg.Username, c.cfg.Password)
	}
	uri := c.cfg.ConferenceURI
	if uri == "" {
		return nil
	}
	if !strings.HasPrefix(uri, "sip:") {
		converted, err := auth.ConferenceURIFromJoinURL(uri)
		if err != nil {
			return err
		}
		uri = converted
	}
	if !c.Auth.SetAnonymousJoinURI(uri) {
		return fmt.Errorf("config: %q is not a conference uri", uri)
	}
	return nil
}

// DefaultApplication is the payload used to create the application resource.
func (c *Client) DefaultApplication() map[string]any {
	return map[string]any{
		"userAgent":  c.cfg.UserAgent,
		"endpointId": c.endpointID,
		"culture":    c.cfg.Culture,
	}
}

// SignIn discovers the pool for the configured domain and runs the
// authentication bootstrap. It returns the final application response.
func (c *Client) SignIn(ctx context.Context) (*channel.Response, error) {
	res, err := c.Discovery.Discover(ctx, c.cfg.SignInDomain())
	if err != nil {
		return nil, err
	}
	var final *channel.Response
	err = c.Auth.Start(ctx, res.User, c.DefaultApplication(), func(ok bool, resp *channel.Response) {
		if ok {
			final = resp
		}
	})
	if err != nil {
		return nil, err
	}
	c.log.InfoContext(ctx, "client.signed_in", slog.String("user", res.User))
	return final, nil
}

// SignOut stops the event channel and deletes the application resource.
func (c *Client) SignOut(ctx context.Context) error {
	c.Events.Stop()
	if err := c.Auth.DestroyApplication(ctx, nil); err != nil {
		return err
	}
	c.log.InfoContext(ctx, "client.signed_out")
	return nil
}

// Close disposes the channel and releases the cache backend.
func (c *Client) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}
