package hal

import (
	"encoding/json"
	"fmt"
)

// Well-known link relations that drive client behaviour.
const (
	RelSelf         = "self"
	RelNext         = "next"
	RelResync       = "resync"
	RelRedirect     = "redirect"
	RelXFrame       = "xframe"
	RelEvents       = "events"
	RelApplications = "applications"
	RelUser         = "user"
)

// Document is a decoded hypermedia resource.
type Document map[string]any

// Decode parses a JSON object into a Document.
func Decode(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode document: not a JSON object")
	}
	return doc, nil
}

// Link returns the href of the named relation in "_links".
func (d Document) Link(rel string) (string, bool) {
	links, ok := d["_links"].(map[string]any)
	if !ok {
		return "", false
	}
	return hrefOf(links[rel])
}

// Links returns every relation in "_links" that carries an href.
func (d Document) Links() map[string]string {
	links, ok := d["_links"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(links))
	for rel, v := range links {
		if href, ok := hrefOf(v); ok {
			out[rel] = href
		}
	}
	return out
}

// Embedded returns the nested resource for rel in "_embedded".
func (d Document) Embedded(rel string) (Document, bool) {
	embedded, ok := d["_embedded"].(map[string]any)
	if !ok {
		return nil, false
	}
	child, ok := embedded[rel].(map[string]any)
	if !ok {
		return nil, false
	}
	return Document(child), true
}

// String returns the string value stored under key.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Clone returns a deep copy made through a JSON round trip.
func (d Document) Clone() (Document, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone document: %w", err)
	}
	return Decode(b)
}

func hrefOf(v any) (string, bool) {
	switch link := v.(type) {
	case map[string]any:
		href, ok := link["href"].(string)
		return href, ok && href != ""
	case string:
		// Some relations (notably redirect) have been observed as bare strings.
		return link, link != ""
	default:
		return "", false
	}
}
