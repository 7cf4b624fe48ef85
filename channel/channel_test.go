package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/ucwa-go/hal"
)

const ucwaJSON = "application/vnd.microsoft.com.ucwa+json"

type handlerFunc func(endpoint string, f Frame) *Reply

type fakeConduit struct {
	endpoint string
	deliver  func([]byte)
	handle   handlerFunc
	postErr  error

	mu     sync.Mutex
	frames []Frame
	closed bool
}

func (c *fakeConduit) Post(ctx context.Context, raw []byte) error {
	if c.postErr != nil {
		return c.postErr
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	if c.handle != nil {
		if r := c.handle(c.endpoint, f); r != nil {
			b, _ := json.Marshal(r)
			go c.deliver(b)
		}
	}
	return nil
}

func (c *fakeConduit) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConduit) sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

type fakeDialer struct {
	handle  handlerFunc
	postErr error

	mu       sync.Mutex
	conduits []*fakeConduit
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, deliver func([]byte)) (Conduit, error) {
	c := &fakeConduit{endpoint: endpoint, deliver: deliver, handle: d.handle, postErr: d.postErr}
	d.mu.Lock()
	d.conduits = append(d.conduits, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() *fakeConduit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conduits[len(d.conduits)-1]
}

// probeOK answers re-homing probes and nothing else.
func probeOK(next handlerFunc) handlerFunc {
	return func(endpoint string, f Frame) *Reply {
		if f.Headers["Accept"] == "text/html" {
			return &Reply{MessageID: f.MessageID, Status: 200, Headers: "Content-Type: text/html\r\n"}
		}
		if next == nil {
			return nil
		}
		return next(endpoint, f)
	}
}

func jsonReply(f Frame, status int, body string) *Reply {
	return &Reply{
		MessageID:    f.MessageID,
		Status:       status,
		Headers:      "Content-Type: " + ucwaJSON + "\r\n",
		ResponseText: body,
	}
}

func connected(t *testing.T, d *fakeDialer, opts ...Option) *Channel {
	t.Helper()
	c := New(d, opts...)
	if err := c.Rehome(context.Background(), "https://pool.example.com/Autodiscover/XFrame/XFrame.html"); err != nil {
		t.Fatalf("rehome: %v", err)
	}
	return c
}

func TestSendBeforeRehome(t *testing.T) {
	c := New(&fakeDialer{})
	resp := c.Send(context.Background(), Request{URL: "/x"})
	if resp.Status != http.StatusBadRequest || !errors.Is(resp.Err, ErrNotConnected) {
		t.Fatalf("got %d %v", resp.Status, resp.Err)
	}
}

func TestRehomeSetsOrigin(t *testing.T) {
	d := &fakeDialer{handle: probeOK(nil)}
	c := connected(t, d)
	if got := c.Origin(); got != "https://pool.example.com" {
		t.Fatalf("origin = %q", got)
	}
	frames := d.last().sent()
	if len(frames) != 1 || frames[0].Type != "get" || frames[0].Headers["Accept"] != "text/html" {
		t.Fatalf("probe frames = %+v", frames)
	}
}

func TestSendResolvesAndDecodes(t *testing.T) {
	d := &fakeDialer{handle: probeOK(func(_ string, f Frame) *Reply {
		return jsonReply(f, 200, `{"_links":{"self":{"href":"/ucwa/v1/applications/1"}}}`)
	})}
	c := connected(t, d)

	resp := c.Send(context.Background(), Request{URL: "/ucwa/v1/applications/1"})
	if resp.Err != nil || resp.Status != 200 {
		t.Fatalf("resp = %d %v", resp.Status, resp.Err)
	}
	if resp.URL != "https://pool.example.com/ucwa/v1/applications/1" {
		t.Fatalf("url = %q", resp.URL)
	}
	if href, _ := resp.Document.Link(hal.RelSelf); href != "/ucwa/v1/applications/1" {
		t.Fatalf("self = %q", href)
	}
}

func TestFrameEncoding(t *testing.T) {
	tests := []struct {
		name  string
		cred  string
		req   Request
		check func(t *testing.T, f Frame)
	}{
		{
			name: "get has no body",
			cred: "tok",
			req:  Request{Method: MethodGet, URL: "/a"},
			check: func(t *testing.T, f Frame) {
				if f.Type != "get" || f.Data != "" {
					t.Fatalf("frame = %+v", f)
				}
				if f.Headers["Authorization"] != "Bearer tok" || f.Headers["Accept"] != DefaultMediaType {
					t.Fatalf("headers = %v", f.Headers)
				}
				if _, ok := f.Headers["Content-Type"]; ok {
					t.Fatalf("unexpected content type")
				}
			},
		},
		{
			name: "post json with etag",
			cred: "tok",
			req:  Request{Method: MethodPost, URL: "/a", ContentType: ucwaJSON, Body: hal.Document{"etag": "42", "x": 1}},
			check: func(t *testing.T, f Frame) {
				if f.Headers["If-Match"] != `"42"` {
					t.Fatalf("If-Match = %q", f.Headers["If-Match"])
				}
				if f.Headers["Content-Type"] != ucwaJSON {
					t.Fatalf("Content-Type = %q", f.Headers["Content-Type"])
				}
				if f.Data != `{"etag":"42","x":1}` {
					t.Fatalf("data = %q", f.Data)
				}
			},
		},
		{
			name: "post without body",
			req:  Request{Method: MethodPost, URL: "/a"},
			check: func(t *testing.T, f Frame) {
				if ct, ok := f.Headers["Content-Type"]; !ok || ct != "" {
					t.Fatalf("Content-Type = %q, %v", ct, ok)
				}
				if _, ok := f.Headers["Authorization"]; ok {
					t.Fatalf("authorization sent without token")
				}
			},
		},
		{
			name: "put raw form",
			req:  Request{Method: MethodPut, URL: "/a", ContentType: "application/x-www-form-urlencoded", Body: "a=b"},
			check: func(t *testing.T, f Frame) {
				if f.Data != "a=b" || f.Headers["Content-Type"] != "application/x-www-form-urlencoded" {
					t.Fatalf("frame = %+v", f)
				}
			},
		},
		{
			name: "delete keeps only authorization",
			cred: "tok",
			req:  Request{Method: MethodDelete, URL: "/a", Accept: "text/plain"},
			check: func(t *testing.T, f Frame) {
				if len(f.Headers) != 1 || f.Headers["Authorization"] != "Bearer tok" {
					t.Fatalf("headers = %v", f.Headers)
				}
			},
		},
		{
			name: "override credential",
			cred: "tok",
			req:  Request{URL: "/a", Credential: &Credential{Token: "other", Type: "Basic"}},
			check: func(t *testing.T, f Frame) {
				if f.Headers["Authorization"] != "Basic other" {
					t.Fatalf("Authorization = %q", f.Headers["Authorization"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDialer{handle: probeOK(func(_ string, f Frame) *Reply { return jsonReply(f, 204, "") })}
			c := connected(t, d)
			if tt.cred != "" {
				c.SetCredential(tt.cred, "Bearer")
			}
			resp := c.Send(context.Background(), tt.req)
			if resp.Err != nil {
				t.Fatalf("send: %v", resp.Err)
			}
			frames := d.last().sent()
			tt.check(t, frames[len(frames)-1])
		})
	}
}

func TestConcurrentSendsPairByMessageID(t *testing.T) {
	const n = 64
	var (
		mu      sync.Mutex
		waiting []Frame
		all     = make(chan struct{})
	)
	d := &fakeDialer{handle: probeOK(func(_ string, f Frame) *Reply {
		mu.Lock()
		waiting = append(waiting, f)
		if len(waiting) == n {
			close(all)
		}
		mu.Unlock()
		return nil
	})}
	c := connected(t, d)
	conduit := d.last()

	results := make([]<-chan *Response, n)
	for i := 0; i < n; i++ {
		results[i] = c.SendAsync(context.Background(), Request{URL: fmt.Sprintf("/item/%d", i)})
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("frames not posted")
	}

	// Reply in reverse order, echoing the URL back in the body.
	ids := make(map[string]bool)
	mu.Lock()
	for i := len(waiting) - 1; i >= 0; i-- {
		f := waiting[i]
		ids[f.MessageID] = true
		b, _ := json.Marshal(Reply{MessageID: f.MessageID, Status: 200, Headers: "Content-Type: text/plain\r\n", ResponseText: f.URL})
		conduit.deliver(b)
	}
	mu.Unlock()

	if len(ids) != n {
		t.Fatalf("distinct ids = %d, want %d", len(ids), n)
	}
	for i, ch := range results {
		resp := <-ch
		want := fmt.Sprintf("https://pool.example.com/item/%d", i)
		if string(resp.Body) != want {
			t.Fatalf("call %d got body %q", i, resp.Body)
		}
	}
}

func TestEncodeFailureYieldsOneResponse(t *testing.T) {
	d := &fakeDialer{handle: probeOK(nil)}
	c := connected(t, d)
	ch := c.SendAsync(context.Background(), Request{
		Method:      MethodPost,
		URL:         "/a",
		ContentType: "text/plain",
		Body:        struct{ A int }{1},
	})
	resp := <-ch
	if resp.Status != http.StatusBadRequest || resp.Err == nil || len(resp.Body) != 0 {
		t.Fatalf("resp = %d %v %q", resp.Status, resp.Err, resp.Body)
	}
	select {
	case extra := <-ch:
		t.Fatalf("second response delivered: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
	if c.Outstanding() != 0 {
		t.Fatalf("outstanding = %d", c.Outstanding())
	}
}

func TestPostFailureYields400(t *testing.T) {
	d := &fakeDialer{handle: probeOK(nil)}
	c := connected(t, d)
	d.last().postErr = errors.New("boom")
	resp := c.Send(context.Background(), Request{URL: "/a"})
	if resp.Status != http.StatusBadRequest || resp.Err == nil {
		t.Fatalf("resp = %d %v", resp.Status, resp.Err)
	}
}

func TestContextCancelAbandonsCall(t *testing.T) {
	d := &fakeDialer{handle: probeOK(nil)}
	c := connected(t, d)
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.SendAsync(ctx, Request{URL: "/slow"})
	cancel()
	resp := <-ch
	if resp.Status != http.StatusBadRequest || !errors.Is(resp.Err, context.Canceled) {
		t.Fatalf("resp = %d %v", resp.Status, resp.Err)
	}

	// A late reply for the abandoned id is dropped.
	frames := d.last().sent()
	b, _ := json.Marshal(Reply{MessageID: frames[len(frames)-1].MessageID, Status: 200})
	d.last().deliver(b)
	select {
	case extra := <-ch:
		t.Fatalf("late reply delivered: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnmatchedReplyIgnored(t *testing.T) {
	d := &fakeDialer{handle: probeOK(nil)}
	c := connected(t, d)
	b, _ := json.Marshal(Reply{MessageID: "nobody", Status: 200})
	d.last().deliver(b)
	if c.Outstanding() != 0 {
		t.Fatalf("outstanding = %d", c.Outstanding())
	}
}

func TestXFrameLinkRehomesBeforeDelivery(t *testing.T) {
	const next = "https://pool2.example.com/Autodiscover/XFrame/XFrame.html"
	d := &fakeDialer{}
	d.handle = probeOK(func(endpoint string, f Frame) *Reply {
		return jsonReply(f, 200, `{"_links":{"xframe":{"href":"`+next+`"},"self":{"href":"/x"}}}`)
	})
	c := connected(t, d)

	resp := c.Send(context.Background(), Request{URL: "/x"})
	if resp.Status != 200 || resp.Err != nil {
		t.Fatalf("resp = %d %v", resp.Status, resp.Err)
	}
	if got := c.Origin(); got != "https://pool2.example.com" {
		t.Fatalf("origin = %q", got)
	}
	if got := c.XFrame(); got != next {
		t.Fatalf("xframe = %q", got)
	}
	if probe := d.last().sent(); d.last().endpoint != next || len(probe) != 1 || probe[0].URL != next {
		t.Fatalf("new conduit endpoint %q frames %+v", d.last().endpoint, probe)
	}

	// The same xframe again does not re-home.
	before := len(d.conduits)
	_ = c.Send(context.Background(), Request{URL: "/x"})
	if len(d.conduits) != before {
		t.Fatalf("re-homed twice for the same xframe")
	}
}

func TestRehomeTimeoutDelivers408(t *testing.T) {
	const next = "https://slow.example.com/xframe"
	d := &fakeDialer{}
	d.handle = func(endpoint string, f Frame) *Reply {
		if endpoint == next {
			return nil
		}
		if f.Headers["Accept"] == "text/html" {
			return &Reply{MessageID: f.MessageID, Status: 200}
		}
		return jsonReply(f, 200, `{"_links":{"xframe":{"href":"`+next+`"}}}`)
	}
	c := connected(t, d, WithRehomeTimeout(50*time.Millisecond))

	resp := c.Send(context.Background(), Request{URL: "/x"})
	if resp.Status != http.StatusRequestTimeout || !errors.Is(resp.Err, ErrRehomeTimeout) {
		t.Fatalf("resp = %d %v", resp.Status, resp.Err)
	}
}

func TestOriginDeniedReportedOnce(t *testing.T) {
	var reasons []string
	d := &fakeDialer{handle: probeOK(func(_ string, f Frame) *Reply {
		return &Reply{
			MessageID: f.MessageID,
			Status:    403,
			Headers:   "X-Ms-diagnostics: 28072;source=\"pool.example.com\";reason=\"Origin is not allowed\"\r\n",
		}
	})}
	c := connected(t, d, WithOriginDenied(func(r string) { reasons = append(reasons, r) }))

	for i := 0; i < 3; i++ {
		if resp := c.Send(context.Background(), Request{URL: "/x"}); resp.Status != 403 {
			t.Fatalf("status = %d", resp.Status)
		}
	}
	if len(reasons) != 1 || reasons[0] != "Origin is not allowed" {
		t.Fatalf("reasons = %v", reasons)
	}
}

type countingObserver struct {
	started, finished, idle atomic.Int32
}

func (o *countingObserver) RequestStarted()     { o.started.Add(1) }
func (o *countingObserver) RequestFinished(int) { o.finished.Add(1) }
func (o *countingObserver) Idle()               { o.idle.Add(1) }

func TestBusyObserverSkipsQuietCalls(t *testing.T) {
	obs := &countingObserver{}
	d := &fakeDialer{handle: probeOK(func(_ string, f Frame) *Reply { return jsonReply(f, 200, `{}`) })}
	c := connected(t, d, WithBusyObserver(obs))

	_ = c.Send(context.Background(), Request{URL: "/a"})
	_ = c.Send(context.Background(), Request{URL: "/b", Quiet: true})
	_ = c.Send(context.Background(), Request{URL: "/c"})

	if obs.started.Load() != 2 || obs.finished.Load() != 2 || obs.idle.Load() != 2 {
		t.Fatalf("started=%d finished=%d idle=%d", obs.started.Load(), obs.finished.Load(), obs.idle.Load())
	}
}

func TestDisposeFailsPending(t *testing.T) {
	d := &fakeDialer{handle: probeOK(nil)}
	c := connected(t, d)
	ch := c.SendAsync(context.Background(), Request{URL: "/hang"})
	c.Dispose()
	resp := <-ch
	if resp.Status != http.StatusBadRequest || !errors.Is(resp.Err, ErrClosed) {
		t.Fatalf("resp = %d %v", resp.Status, resp.Err)
	}
	if !d.last().closed {
		t.Fatal("conduit not closed")
	}
	if resp := c.Send(context.Background(), Request{URL: "/x"}); !errors.Is(resp.Err, ErrClosed) {
		t.Fatalf("send after dispose err = %v", resp.Err)
	}
}

func TestIsJSON(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{ucwaJSON, true},
		{"text/html", false},
		{"application/x-www-form-urlencoded;charset='utf-8'", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsJSON(tt.in); got != tt.want {
			t.Errorf("IsJSON(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRehomeRejected(t *testing.T) {
	d := &fakeDialer{handle: func(_ string, f Frame) *Reply {
		return &Reply{MessageID: f.MessageID, Status: 404}
	}}
	c := New(d)
	err := c.Rehome(context.Background(), "https://lyncdiscoverinternal.contoso.com/xframe")
	if !errors.Is(err, ErrRehomeRejected) {
		t.Fatalf("err = %v", err)
	}
}
