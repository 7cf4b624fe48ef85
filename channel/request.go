package channel

import (
	"net/http"

	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/headers"
)

// Request methods understood by the channel.
const (
	MethodGet    = http.MethodGet
	MethodPost   = http.MethodPost
	MethodPut    = http.MethodPut
	MethodDelete = http.MethodDelete
)

// DefaultMediaType is used for Accept and Content-Type when a request leaves
// them empty.
const DefaultMediaType = "application/json"

// Credential is an access token and its type, rendered as
// "Authorization: <Type> <Token>".
type Credential struct {
	Token string
	Type  string
}

func (c Credential) header() string { return c.Type + " " + c.Token }

// Request describes one call. It is not modified by the channel.
type Request struct {
	Method      string
	URL         string
	Accept      string
	ContentType string
	// Body is sent for POST and PUT. Strings, byte slices and url.Values are
	// sent as-is; anything else is JSON encoded when ContentType is JSON.
	Body any
	// Credential overrides the channel credential for this call only.
	Credential *Credential
	// Quiet calls are not reported to the BusyObserver.
	Quiet bool
}

func (r Request) method() string {
	if r.Method == "" {
		return MethodGet
	}
	return r.Method
}

func (r Request) accept() string {
	if r.Accept == "" {
		return DefaultMediaType
	}
	return r.Accept
}

func (r Request) contentType() string {
	if r.ContentType == "" {
		return DefaultMediaType
	}
	return r.ContentType
}

// Response is the outcome of a call. Transport failures are reported as
// synthetic responses with Err set; a Response is never nil.
type Response struct {
	MessageID string
	// URL is the absolute URL the request was sent to.
	URL    string
	Status int
	Header headers.Header
	Body   []byte
	// Document is set when the body is a JSON object.
	Document hal.Document
	// Err is set on synthetic responses.
	Err error
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

func synthetic(id, url string, status int, err error) *Response {
	return &Response{
		MessageID: id,
		URL:       url,
		Status:    status,
		Header:    headers.Parse(""),
		Err:       err,
	}
}
