package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ggoodman/ucwa-go/cache"
	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/logctx"
)

var (
	// ErrReset is returned by Start when the bootstrap was abandoned.
	ErrReset = errors.New("auth: bootstrap reset")
	// ErrInProgress is returned by Start while another bootstrap is running.
	ErrInProgress = errors.New("auth: bootstrap already in progress")
)

// Callback receives the outcome of Start or DestroyApplication. resp is nil
// on reset and when no request was made.
type Callback func(authenticated bool, resp *channel.Response)

// Requester is the part of the channel the bootstrap needs.
type Requester interface {
	Send(ctx context.Context, req channel.Request) *channel.Response
	SetCredential(token, tokenType string)
}

// Store is the part of the cache the bootstrap needs.
type Store interface {
	Has(id string) bool
	Read(ctx context.Context, id string) (hal.Document, error)
	Put(ctx context.Context, id string, data hal.Document) error
	Delete(ctx context.Context, id string) (string, error)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(a *Authenticator) { a.log = logctx.NewLogger(h).With("component", "auth") }
}

// Authenticator runs the bootstrap state machine.
type Authenticator struct {
	req   Requester
	store Store
	log   *slog.Logger

	mu            sync.Mutex
	sess          Session
	creds         Credentials
	authenticated bool
	running       bool
	link          string
	app           any
	cb            Callback
	last          *channel.Response
}

// New returns an Authenticator.
func New(req Requester, store Store, opts ...Option) *Authenticator {
	a := &Authenticator{req: req, store: store, log: logctx.NewLogger(nil)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetCredentials sets the username and password used for the password grant.
func (a *Authenticator) SetCredentials(username, password string) {
	a.mu.Lock()
	a.creds.Username = username
	a.creds.Password = password
	a.mu.Unlock()
}

// SetAnonymousJoinURI sets the conference used for the anonymous meeting
// grant. It returns false, changing nothing, when uri is not a conference URI.
func (a *Authenticator) SetAnonymousJoinURI(uri string) bool {
	id, ok := ParseConferenceURI(uri)
	if !ok {
		return false
	}
	a.mu.Lock()
	a.creds.ConferenceURI = uri
	a.creds.ConferenceID = id
	a.mu.Unlock()
	return true
}

// Credentials returns the configured credentials.
func (a *Authenticator) Credentials() Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

// IsAuthenticated reports whether the bootstrap reached Ready.
func (a *Authenticator) IsAuthenticated() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authenticated
}

// Session returns a snapshot of the state machine.
func (a *Authenticator) Session() Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

// Start runs the bootstrap from link, creating the application described by
// app. It blocks until the machine is Ready or resets, calls cb exactly once
// with the outcome, and returns ErrReset on failure.
func (a *Authenticator) Start(ctx context.Context, link string, app any, cb Callback) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrInProgress
	}
	a.running = true
	a.link = link
	a.app = app
	a.cb = cb
	a.sess = Session{}
	a.last = nil
	a.authenticated = false
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	if !a.store.Has(cache.MainID) {
		if err := a.store.Put(ctx, cache.MainID, hal.Document{}); err != nil {
			return a.reset(ctx, fmt.Sprintf("seed cache: %v", err))
		}
	}

	a.log.InfoContext(ctx, "auth.start", slog.String("link", link))
	resp := a.get(ctx, link)
	for {
		next, outcome, redirect := Transition(a.Session(), resp)
		sctx := logctx.WithAuthData(ctx, &logctx.AuthData{State: next.State.String(), Errors: next.Errors})

		switch outcome {
		case Redirect:
			a.log.InfoContext(sctx, "auth.redirect", slog.String("href", redirect))
			resp = a.get(sctx, redirect)
			continue
		case Reset:
			return a.reset(sctx, describe(resp))
		}

		if resp.OK() {
			if resp.Document != nil {
				if err := a.store.Put(sctx, cache.MainID, resp.Document); err != nil {
					a.log.WarnContext(sctx, "auth.cache.failed", slog.String("err", err.Error()))
				}
			}
			a.mu.Lock()
			a.last = resp
			a.mu.Unlock()
		}

		a.mu.Lock()
		a.sess = next
		a.mu.Unlock()
		a.log.DebugContext(sctx, "auth.transition", slog.Int("status", resp.Status))

		var (
			done bool
			err  error
		)
		resp, done, err = a.enter(sctx, next, resp)
		if err != nil {
			return a.reset(sctx, err.Error())
		}
		if done {
			return nil
		}
	}
}

// enter runs the entry action of s and returns the response that drives the
// next transition. done is set once the machine is Ready.
func (a *Authenticator) enter(ctx context.Context, s Session, resp *channel.Response) (*channel.Response, bool, error) {
	a.mu.Lock()
	link, app, creds, authenticated := a.link, a.app, a.creds, a.authenticated
	input := resp
	if !resp.OK() && a.last != nil {
		input = a.last
	}
	a.mu.Unlock()

	switch s.State {
	case StateStart:
		return a.get(ctx, link), false, nil

	case StateAwaitingAuthorization:
		if s.Errors >= MaxErrors {
			return nil, false, fmt.Errorf("authorization failed %d times", s.Errors)
		}
		if s.Challenge == "" {
			return a.get(ctx, link), false, nil
		}
		grant, body := creds.grant(s.Errors)
		a.log.InfoContext(ctx, "auth.token.request", slog.String("grant", grant))
		return a.req.Send(ctx, channel.Request{
			Method:      channel.MethodPost,
			URL:         s.Challenge,
			ContentType: FormContentType,
			Body:        body,
		}), false, nil

	case StateExchangingToken:
		token, tokenType := input.Document.String("access_token"), input.Document.String("token_type")
		if token == "" {
			return nil, false, errors.New("token response has no access_token")
		}
		a.req.SetCredential(token, tokenType)
		a.logToken(ctx, token, tokenType)
		return a.get(ctx, link), false, nil

	case StateAuthenticated:
		href, ok := input.Document.Link(hal.RelApplications)
		if !ok || href == "" {
			return nil, false, errors.New("no applications link")
		}
		return a.req.Send(ctx, channel.Request{Method: channel.MethodPost, URL: href, Body: app}), false, nil

	case StateApplicationCreated:
		if creds.ConferenceURI != "" {
			// Anonymous meeting users cannot publish availability.
			return input, false, nil
		}
		if authenticated {
			return &channel.Response{Status: http.StatusNoContent}, false, nil
		}
		root, err := a.store.Read(ctx, cache.MainID)
		if err != nil {
			return nil, false, err
		}
		me, _ := root.Embedded("me")
		href, ok := me.Link("makeMeAvailable")
		if !ok {
			a.log.InfoContext(ctx, "auth.availability.skipped")
			return &channel.Response{Status: http.StatusNoContent}, false, nil
		}
		return a.req.Send(ctx, channel.Request{
			Method: channel.MethodPost,
			URL:    href,
			Body:   map[string]any{"SupportedModalities": []string{"Messaging"}},
		}), false, nil

	case StateAvailabilitySet:
		root, err := a.store.Read(ctx, cache.MainID)
		if err != nil {
			return nil, false, err
		}
		self, ok := root.Link(hal.RelSelf)
		if !ok || self == "" {
			return nil, false, errors.New("application has no self link")
		}
		return a.get(ctx, self), false, nil

	case StateReady:
		a.mu.Lock()
		a.authenticated = true
		cb := a.cb
		a.mu.Unlock()
		a.log.InfoContext(ctx, "auth.ready")
		a.callback(ctx, cb, true, resp)
		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("unexpected state %d", s.State)
	}
}

// DestroyApplication deletes the application resource when authenticated and
// clears the session, cache entry and channel credential. cb (or the Start
// callback when nil) is then called with authenticated=false.
func (a *Authenticator) DestroyApplication(ctx context.Context, cb Callback) error {
	a.mu.Lock()
	authenticated := a.authenticated
	if cb == nil {
		cb = a.cb
	}
	a.mu.Unlock()

	if !authenticated {
		a.callback(ctx, cb, false, nil)
		return nil
	}

	// Local state is cleared and cb called even when the application cannot
	// be located; the error is still returned.
	var (
		resp    *channel.Response
		readErr error
	)
	root, err := a.store.Read(ctx, cache.MainID)
	if err != nil {
		readErr = fmt.Errorf("destroy application: %w", err)
		a.log.WarnContext(ctx, "auth.destroy.no_application", slog.String("err", err.Error()))
	} else if self, ok := root.Link(hal.RelSelf); ok && self != "" {
		resp = a.req.Send(ctx, channel.Request{Method: channel.MethodDelete, URL: self})
		a.log.InfoContext(ctx, "auth.destroy", slog.String("self", self), slog.Int("status", resp.Status))
	} else {
		readErr = errors.New("destroy application: application has no self link")
		a.log.WarnContext(ctx, "auth.destroy.no_self")
	}

	a.mu.Lock()
	a.authenticated = false
	a.sess = Session{}
	a.creds = Credentials{}
	a.last = nil
	a.mu.Unlock()

	if _, err := a.store.Delete(ctx, cache.MainID); err != nil && !errors.Is(err, cache.ErrNotFound) {
		a.log.WarnContext(ctx, "auth.cache.delete_failed", slog.String("err", err.Error()))
	}
	a.req.SetCredential("", "")
	a.callback(ctx, cb, false, resp)
	return readErr
}

func describe(resp *channel.Response) string {
	switch {
	case resp == nil:
		return "no response"
	case resp.Err != nil:
		return fmt.Sprintf("status %d: %v", resp.Status, resp.Err)
	default:
		return fmt.Sprintf("status %d", resp.Status)
	}
}

func (a *Authenticator) get(ctx context.Context, link string) *channel.Response {
	return a.req.Send(ctx, channel.Request{Method: channel.MethodGet, URL: link})
}

func (a *Authenticator) reset(ctx context.Context, reason string) error {
	a.mu.Lock()
	a.sess = Session{}
	a.authenticated = false
	a.last = nil
	cb := a.cb
	a.mu.Unlock()

	a.log.WarnContext(ctx, "auth.reset", slog.String("reason", reason))
	a.callback(ctx, cb, false, nil)
	return fmt.Errorf("%w: %s", ErrReset, reason)
}

func (a *Authenticator) callback(ctx context.Context, cb Callback, authenticated bool, resp *channel.Response) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.log.ErrorContext(ctx, "auth.callback.panic", slog.Any("panic", r))
		}
	}()
	cb(authenticated, resp)
}

func (a *Authenticator) logToken(ctx context.Context, token, tokenType string) {
	exp, err := TokenExpiry(token)
	if err != nil {
		a.log.DebugContext(ctx, "auth.token.installed", slog.String("type", tokenType))
		return
	}
	a.log.InfoContext(ctx, "auth.token.installed", slog.String("type", tokenType), slog.Time("expires_at", exp))
}
