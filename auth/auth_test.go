package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/ucwa-go/cache"
	"github.com/ggoodman/ucwa-go/cache/memory"
	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/headers"
)

const (
	userLink  = "https://pool.example.com/Autodiscover/AutodiscoverService.svc/root/oauth/user"
	tokenLink = "https://pool.example.com/WebTicket/oauthtoken"
)

type fakeRequester struct {
	mu     sync.Mutex
	route  func(req channel.Request, cred channel.Credential) *channel.Response
	cred   channel.Credential
	sent   []channel.Request
	bodies []string
}

func (f *fakeRequester) Send(ctx context.Context, req channel.Request) *channel.Response {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	if s, ok := req.Body.(string); ok {
		f.bodies = append(f.bodies, s)
	}
	cred := f.cred
	f.mu.Unlock()
	return f.route(req, cred)
}

func (f *fakeRequester) SetCredential(token, tokenType string) {
	f.mu.Lock()
	f.cred = channel.Credential{Token: token, Type: tokenType}
	f.mu.Unlock()
}

func doc(t *testing.T, body string) hal.Document {
	t.Helper()
	d, err := hal.Decode([]byte(body))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return d
}

func newStore(t *testing.T) *cache.Cache {
	t.Helper()
	s, err := memory.New(0)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	c, err := cache.New(s)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

// server models the happy path of a pool that wants a password grant.
func server(t *testing.T) func(channel.Request, channel.Credential) *channel.Response {
	appDoc := doc(t, `{
		"_links": {"self": {"href": "/ucwa/oauth/v1/applications/101"}, "events": {"href": "/ucwa/oauth/v1/applications/101/events?ack=1"}},
		"_embedded": {"me": {"_links": {"makeMeAvailable": {"href": "/ucwa/oauth/v1/applications/101/me/makeMeAvailable"}}}}
	}`)
	return func(req channel.Request, cred channel.Credential) *channel.Response {
		switch {
		case req.Method == channel.MethodGet && req.URL == userLink && cred.Token == "":
			return &channel.Response{Status: 401, Header: headers.Parse(challengeHeader)}
		case req.Method == channel.MethodPost && req.URL == tokenLink:
			if !strings.HasPrefix(req.Body.(string), "grant_type=password") {
				return &channel.Response{Status: 401, Header: headers.Parse(challengeHeader)}
			}
			return &channel.Response{Status: 200, Document: doc(t, `{"access_token":"tok","token_type":"Bearer","expires_in":28799}`)}
		case req.Method == channel.MethodGet && req.URL == userLink:
			return &channel.Response{Status: 200, Document: doc(t, `{"_links":{"self":{"href":"`+userLink+`"},"applications":{"href":"/ucwa/oauth/v1/applications"}}}`)}
		case req.Method == channel.MethodPost && req.URL == "/ucwa/oauth/v1/applications":
			return &channel.Response{Status: 201, Document: appDoc}
		case req.Method == channel.MethodPost && strings.HasSuffix(req.URL, "/makeMeAvailable"):
			return &channel.Response{Status: 204}
		case req.Method == channel.MethodGet && req.URL == "/ucwa/oauth/v1/applications/101":
			return &channel.Response{Status: 200, Document: appDoc}
		case req.Method == channel.MethodDelete:
			return &channel.Response{Status: 204}
		}
		t.Errorf("unexpected request %s %s", req.Method, req.URL)
		return &channel.Response{Status: 404}
	}
}

func TestStartHappyPath(t *testing.T) {
	ctx := context.Background()
	req := &fakeRequester{route: server(t)}
	store := newStore(t)
	a := New(req, store)
	a.SetCredentials("john@contoso.com", "secret")

	var calls []bool
	var final *channel.Response
	app := map[string]any{"userAgent": "ucwa-go", "endpointId": "e1", "culture": "en-US"}
	err := a.Start(ctx, userLink, app, func(ok bool, resp *channel.Response) {
		calls = append(calls, ok)
		final = resp
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(calls) != 1 || !calls[0] || final == nil || final.Status != 200 {
		t.Fatalf("callbacks = %v, final = %+v", calls, final)
	}
	if !a.IsAuthenticated() || a.Session().State != StateReady {
		t.Fatalf("session = %+v", a.Session())
	}
	if cred := req.cred; cred.Token != "tok" || cred.Type != "Bearer" {
		t.Fatalf("credential = %+v", cred)
	}

	root, err := store.Read(ctx, cache.MainID)
	if err != nil {
		t.Fatalf("read main: %v", err)
	}
	if self, _ := root.Link(hal.RelSelf); self != "/ucwa/oauth/v1/applications/101" {
		t.Fatalf("cached self = %q", self)
	}

	var methods []string
	for _, r := range req.sent {
		methods = append(methods, r.Method+" "+r.URL)
	}
	want := []string{
		"GET " + userLink,
		"POST " + tokenLink,
		"GET " + userLink,
		"POST /ucwa/oauth/v1/applications",
		"POST /ucwa/oauth/v1/applications/101/me/makeMeAvailable",
		"GET /ucwa/oauth/v1/applications/101",
	}
	if strings.Join(methods, "\n") != strings.Join(want, "\n") {
		t.Fatalf("requests:\n%s\nwant:\n%s", strings.Join(methods, "\n"), strings.Join(want, "\n"))
	}
	if req.sent[1].ContentType != FormContentType {
		t.Fatalf("token content type = %q", req.sent[1].ContentType)
	}
	if got := req.sent[3].Body.(map[string]any)["endpointId"]; got != "e1" {
		t.Fatalf("application payload not sent: %v", req.sent[3].Body)
	}

	// Sign out.
	var destroyed []bool
	if err := a.DestroyApplication(ctx, func(ok bool, resp *channel.Response) { destroyed = append(destroyed, ok) }); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(destroyed) != 1 || destroyed[0] {
		t.Fatalf("destroy callbacks = %v", destroyed)
	}
	last := req.sent[len(req.sent)-1]
	if last.Method != channel.MethodDelete || last.URL != "/ucwa/oauth/v1/applications/101" {
		t.Fatalf("last request = %s %s", last.Method, last.URL)
	}
	if a.IsAuthenticated() || req.cred.Token != "" || store.Has(cache.MainID) {
		t.Fatal("destroy did not clear state")
	}
}

func TestStartResetsOn404(t *testing.T) {
	req := &fakeRequester{route: func(channel.Request, channel.Credential) *channel.Response {
		return &channel.Response{Status: 404}
	}}
	a := New(req, newStore(t))

	var calls int
	var payload *channel.Response
	err := a.Start(context.Background(), userLink, nil, func(ok bool, resp *channel.Response) {
		calls++
		payload = resp
		if ok {
			t.Error("reset reported success")
		}
	})
	if !errors.Is(err, ErrReset) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 || payload != nil {
		t.Fatalf("calls = %d payload = %v", calls, payload)
	}
	if a.IsAuthenticated() || a.Session() != (Session{}) {
		t.Fatalf("session = %+v", a.Session())
	}
}

func TestStartFollowsRedirect(t *testing.T) {
	const moved = "https://pool2.example.com/Autodiscover/AutodiscoverService.svc/root/oauth/user"
	var urls []string
	req := &fakeRequester{route: func(r channel.Request, _ channel.Credential) *channel.Response {
		urls = append(urls, r.URL)
		if r.URL == userLink {
			return &channel.Response{Status: 200, Document: hal.Document{"_links": map[string]any{"redirect": map[string]any{"href": moved}}}}
		}
		return &channel.Response{Status: 404}
	}}
	a := New(req, newStore(t))
	_ = a.Start(context.Background(), userLink, nil, nil)
	if len(urls) != 2 || urls[1] != moved {
		t.Fatalf("urls = %v", urls)
	}
}

func TestStartBoundedChallengeLoop(t *testing.T) {
	req := &fakeRequester{route: func(channel.Request, channel.Credential) *channel.Response {
		return &channel.Response{Status: 401, Header: headers.Parse(challengeHeader)}
	}}
	a := New(req, newStore(t))
	a.SetCredentials("john", "wrong")

	err := a.Start(context.Background(), userLink, nil, nil)
	if !errors.Is(err, ErrReset) {
		t.Fatalf("err = %v", err)
	}
	// One discovery GET, one password grant, then windows grants until the
	// error budget is spent.
	if len(req.sent) != 2+MaxErrors-1 {
		t.Fatalf("requests = %d", len(req.sent))
	}
	if req.bodies[0] != "grant_type=password&username=john&password=wrong" {
		t.Fatalf("first grant = %q", req.bodies[0])
	}
	if req.bodies[1] != "grant_type="+GrantWindows {
		t.Fatalf("second grant = %q", req.bodies[1])
	}
}

func TestStartUnexpectedStatusRetriesThenResets(t *testing.T) {
	req := &fakeRequester{route: func(channel.Request, channel.Credential) *channel.Response {
		return &channel.Response{Status: 503}
	}}
	a := New(req, newStore(t))
	var calls int
	err := a.Start(context.Background(), userLink, nil, func(ok bool, resp *channel.Response) {
		calls++
		if ok || resp != nil {
			t.Errorf("callback(%v, %v)", ok, resp)
		}
	})
	if !errors.Is(err, ErrReset) {
		t.Fatalf("err = %v", err)
	}
	// The first GET plus MaxErrors retries; the next failure resets.
	if len(req.sent) != 1+MaxErrors {
		t.Fatalf("requests = %d", len(req.sent))
	}
	if calls != 1 || a.Session() != (Session{}) {
		t.Fatalf("calls = %d session = %+v", calls, a.Session())
	}
}

func TestStartAnonymousSkipsAvailability(t *testing.T) {
	appDoc := hal.Document{"_links": map[string]any{"self": map[string]any{"href": "/apps/1"}}}
	var posts int
	req := &fakeRequester{route: func(r channel.Request, _ channel.Credential) *channel.Response {
		switch {
		case r.URL == userLink:
			return &channel.Response{Status: 200, Document: hal.Document{"_links": map[string]any{"applications": map[string]any{"href": "/apps"}}}}
		case r.Method == channel.MethodPost && r.URL == "/apps":
			posts++
			return &channel.Response{Status: 201, Document: appDoc}
		case r.URL == "/apps/1":
			return &channel.Response{Status: 200, Document: appDoc}
		}
		t.Errorf("unexpected request %s %s", r.Method, r.URL)
		return &channel.Response{Status: 404}
	}}
	a := New(req, newStore(t))
	if !a.SetAnonymousJoinURI("sip:john@contoso.com;gruu;opaque=app:conf:focus:id:G03W98W4") {
		t.Fatal("join uri rejected")
	}
	if err := a.Start(context.Background(), userLink, map[string]any{}, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if posts != 1 || !a.IsAuthenticated() {
		t.Fatalf("posts = %d authenticated = %v", posts, a.IsAuthenticated())
	}
}

func TestDestroyWhenNotAuthenticated(t *testing.T) {
	req := &fakeRequester{route: func(channel.Request, channel.Credential) *channel.Response {
		t.Error("unexpected request")
		return &channel.Response{Status: 500}
	}}
	a := New(req, newStore(t))
	called := false
	if err := a.DestroyApplication(context.Background(), func(ok bool, resp *channel.Response) {
		called = true
		if ok || resp != nil {
			t.Errorf("callback(%v, %v)", ok, resp)
		}
	}); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !called {
		t.Fatal("callback not invoked")
	}
}

func TestDestroyWithoutCachedApplication(t *testing.T) {
	appDoc := hal.Document{"_links": map[string]any{"self": map[string]any{"href": "/apps/1"}}}
	req := &fakeRequester{route: func(r channel.Request, _ channel.Credential) *channel.Response {
		switch {
		case r.URL == userLink:
			return &channel.Response{Status: 200, Document: hal.Document{"_links": map[string]any{"applications": map[string]any{"href": "/apps"}}}}
		case r.Method == channel.MethodPost && r.URL == "/apps":
			return &channel.Response{Status: 201, Document: appDoc}
		case r.Method == channel.MethodGet && r.URL == "/apps/1":
			return &channel.Response{Status: 200, Document: appDoc}
		}
		t.Errorf("unexpected request %s %s", r.Method, r.URL)
		return &channel.Response{Status: 404}
	}}
	store := newStore(t)
	a := New(req, store)
	a.SetAnonymousJoinURI("sip:john@contoso.com;gruu;opaque=app:conf:focus:id:G03W98W4")
	if err := a.Start(context.Background(), userLink, map[string]any{}, nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := store.Delete(context.Background(), cache.MainID); err != nil {
		t.Fatalf("delete main: %v", err)
	}
	sent := len(req.sent)

	called := false
	err := a.DestroyApplication(context.Background(), func(ok bool, resp *channel.Response) {
		called = true
		if ok || resp != nil {
			t.Errorf("callback(%v, %v)", ok, resp)
		}
	})
	if !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if !called || a.IsAuthenticated() {
		t.Fatalf("called = %v authenticated = %v", called, a.IsAuthenticated())
	}
	if len(req.sent) != sent {
		t.Fatalf("unexpected DELETE after cache miss")
	}
	if got := req.cred; got.Token != "" {
		t.Fatalf("credential not cleared: %+v", got)
	}
}
