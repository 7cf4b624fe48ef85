package hal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrNotDataURI is returned when the input is not a data URI.
var ErrNotDataURI = errors.New("hal: not a data URI")

var dataURIPattern = regexp.MustCompile(`(?is)^data:([^,;]+)(?:;charset=([^,;]+))?(;base64)?,(.*)$`)

// DataURI is a parsed RFC 2397 data URI.
type DataURI struct {
	MediaType string
	Charset   string
	Base64    bool
	Payload   string
}

// ParseDataURI splits a data URI into its parts without decoding the payload.
func ParseDataURI(uri string) (*DataURI, error) {
	m := dataURIPattern.FindStringSubmatch(uri)
	if m == nil {
		return nil, ErrNotDataURI
	}
	return &DataURI{
		MediaType: m[1],
		Charset:   m[2],
		Base64:    m[3] != "",
		Payload:   m[4],
	}, nil
}

// Text decodes the payload. Base64 payloads are decoded as-is; plain payloads
// are percent-unescaped with '+' treated as a space.
func (d *DataURI) Text() (string, error) {
	if d.Base64 {
		b, err := base64.StdEncoding.DecodeString(d.Payload)
		if err != nil {
			return "", fmt.Errorf("decode base64 payload: %w", err)
		}
		return string(b), nil
	}
	s, err := url.PathUnescape(strings.ReplaceAll(d.Payload, "+", "%20"))
	if err != nil {
		return "", fmt.Errorf("unescape payload: %w", err)
	}
	return s, nil
}

// DecodeDataURI parses uri and returns its decoded text payload.
func DecodeDataURI(uri string) (string, error) {
	d, err := ParseDataURI(uri)
	if err != nil {
		return "", err
	}
	return d.Text()
}
