package channel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/ucwa-go/hal"
)

// Frame is the wire form of a request handed to a Conduit.
type Frame struct {
	Type      string            `json:"type"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers"`
	Data      string            `json:"data,omitempty"`
	MessageID string            `json:"messageId"`
}

// Reply is the wire form of a response delivered by a Conduit. Headers holds
// the raw CRLF separated header block.
type Reply struct {
	MessageID    string `json:"messageId"`
	Status       int    `json:"status"`
	Headers      string `json:"headers"`
	ResponseText string `json:"responseText"`
}

// IsJSON reports whether a media type carries JSON, including structured
// syntax suffixes such as application/vnd.microsoft.com.ucwa+json.
func IsJSON(mediaType string) bool {
	mt := contenttype.NewMediaType(mediaType)
	if mt.Type == "" {
		return strings.Contains(mediaType, "json")
	}
	return mt.Subtype == "json" || strings.HasSuffix(mt.Subtype, "+json")
}

// encodeFrame applies the per-method header and body rules and serializes the
// result. GET carries no body; POST and PUT carry If-Match when the body has
// an etag; DELETE keeps only the Authorization header.
func encodeFrame(id, target string, req Request, cred Credential) ([]byte, error) {
	f := Frame{
		Type:      strings.ToLower(req.method()),
		URL:       target,
		Headers:   map[string]string{"Accept": req.accept()},
		MessageID: id,
	}
	if cred.Token != "" {
		f.Headers["Authorization"] = cred.header()
	}

	switch req.method() {
	case MethodPost, MethodPut:
		if etag := etagOf(req.Body); etag != "" {
			f.Headers["If-Match"] = `"` + etag + `"`
		}
		if req.Body == nil {
			f.Headers["Content-Type"] = ""
			break
		}
		ct := req.contentType()
		data, err := encodeBody(req.Body, ct)
		if err != nil {
			return nil, err
		}
		f.Headers["Content-Type"] = ct
		f.Data = data
	case MethodDelete:
		f.Headers = map[string]string{}
		if cred.Token != "" {
			f.Headers["Authorization"] = cred.header()
		}
	}

	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

func encodeBody(body any, contentType string) (string, error) {
	switch v := body.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case url.Values:
		return v.Encode(), nil
	}
	if !IsJSON(contentType) {
		return "", fmt.Errorf("encode body: %T cannot be sent as %q", body, contentType)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	return string(b), nil
}

func etagOf(body any) string {
	var m map[string]any
	switch v := body.(type) {
	case hal.Document:
		m = v
	case map[string]any:
		m = v
	default:
		return ""
	}
	s, _ := m["etag"].(string)
	return s
}
