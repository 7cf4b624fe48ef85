// Package headers parses the raw response header blocks that cross the
// conduit boundary ("Key: value" lines joined by CRLF) into structured form,
// including authentication challenges such as
//
//	WWW-Authenticate: MsRtcOAuth href="https://host/OAuth/Token",grant_type="urn:microsoft.rtc:windows,password"
package headers

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// Params holds the parameters of one challenge. Quoted values containing
// commas are split into multiple entries.
type Params map[string][]string

// Get returns the first value of the named parameter.
func (p Params) Get(name string) string {
	for k, v := range p {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Challenge is a scheme (or leading token) followed by parameters.
type Challenge struct {
	Scheme string
	Params Params
}

// Header is a parsed header block keyed by canonical header name.
type Header struct {
	raw        map[string][]string
	challenges map[string][]Challenge
}

// Parse parses a CRLF (or LF) separated header block. Lines without a colon
// are ignored.
func Parse(block string) Header {
	h := Header{raw: make(map[string][]string), challenges: make(map[string][]Challenge)}
	for _, line := range strings.Split(strings.ReplaceAll(block, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		h.raw[key] = append(h.raw[key], value)
		if strings.Contains(value, `="`) {
			h.challenges[key] = mergeChallenges(h.challenges[key], parseChallenges(value))
		}
	}
	return h
}

// Get returns the first value of key with double quotes removed.
func (h Header) Get(key string) string {
	vs := h.raw[textproto.CanonicalMIMEHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return strings.ReplaceAll(vs[0], `"`, "")
}

// Values returns every raw value of key.
func (h Header) Values(key string) []string {
	return h.raw[textproto.CanonicalMIMEHeaderKey(key)]
}

// Challenges returns the parsed challenges of key in order of appearance.
func (h Header) Challenges(key string) []Challenge {
	return h.challenges[textproto.CanonicalMIMEHeaderKey(key)]
}

// Challenge returns the parameters of the challenge with the given scheme.
func (h Header) Challenge(key, scheme string) (Params, bool) {
	for _, c := range h.Challenges(key) {
		if strings.EqualFold(c.Scheme, scheme) {
			return c.Params, true
		}
	}
	return nil, false
}

// Param returns the first occurrence of the named parameter across every
// challenge of key.
func (h Header) Param(key, name string) string {
	for _, c := range h.Challenges(key) {
		if v := c.Params.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// Format renders an http.Header as a CRLF separated block with keys sorted.
func Format(hdr http.Header) string {
	keys := make([]string, 0, len(hdr))
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range hdr[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

func mergeChallenges(into []Challenge, more []Challenge) []Challenge {
	for _, c := range more {
		merged := false
		for i := range into {
			if into[i].Scheme == c.Scheme {
				for k, v := range c.Params {
					into[i].Params[k] = v
				}
				merged = true
				break
			}
		}
		if !merged {
			into = append(into, c)
		}
	}
	return into
}

// parseChallenges tokenizes `Scheme a="1", b="2", Other c="3"`. Parameters
// may be separated by ',' or ';'. A bare token not followed by '=' starts a
// new challenge.
func parseChallenges(value string) []Challenge {
	var out []Challenge
	cur := -1
	i := 0
	for i < len(value) {
		for i < len(value) && isSep(value[i]) {
			i++
		}
		start := i
		for i < len(value) && !isSep(value[i]) && value[i] != '=' {
			i++
		}
		token := value[start:i]
		j := i
		for j < len(value) && value[j] == ' ' {
			j++
		}
		if j < len(value) && value[j] == '=' {
			var v string
			v, i = readValue(value, j+1)
			if cur < 0 {
				out = append(out, Challenge{Params: Params{}})
				cur = len(out) - 1
			}
			out[cur].Params[token] = strings.Split(v, ",")
			continue
		}
		if token == "" {
			i++
			continue
		}
		out = append(out, Challenge{Scheme: token, Params: Params{}})
		cur = len(out) - 1
	}
	return out
}

func readValue(s string, i int) (string, int) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i < len(s) && s[i] == '"' {
		i++
		var b strings.Builder
		for i < len(s) && s[i] != '"' {
			if s[i] == '\\' && i+1 < len(s) {
				i++
			}
			b.WriteByte(s[i])
			i++
		}
		return b.String(), i + 1
	}
	start := i
	for i < len(s) && s[i] != ',' && s[i] != ';' {
		i++
	}
	return strings.TrimSpace(s[start:i]), i
}

func isSep(c byte) bool {
	return c == ' ' || c == ',' || c == ';' || c == '\t'
}
