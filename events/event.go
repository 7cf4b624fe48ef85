package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ggoodman/ucwa-go/channel"
	"github.com/ggoodman/ucwa-go/hal"
)

// Kind distinguishes the ways a listener can be keyed.
type Kind int

const (
	KindOperationID Kind = iota + 1
	KindRelation
	KindHref
	KindWildcard
)

func (k Kind) String() string {
	switch k {
	case KindOperationID:
		return "operationId"
	case KindRelation:
		return "rel"
	case KindHref:
		return "href"
	case KindWildcard:
		return "*"
	default:
		return "unknown"
	}
}

// MatchKey identifies a listener registration.
type MatchKey struct {
	Kind  Kind
	Value string
}

// OperationID matches events whose embedded resource carries id.
func OperationID(id string) MatchKey { return MatchKey{Kind: KindOperationID, Value: id} }

// Relation matches events whose link has the given rel.
func Relation(rel string) MatchKey { return MatchKey{Kind: KindRelation, Value: rel} }

// Href matches events whose link has the given href.
func Href(href string) MatchKey { return MatchKey{Kind: KindHref, Value: href} }

// Wildcard matches every event.
func Wildcard() MatchKey { return MatchKey{Kind: KindWildcard} }

func (k MatchKey) String() string {
	if k.Kind == KindWildcard {
		return "*"
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.Value)
}

// Type is a normalized event type.
type Type string

const (
	Started   Type = "started"
	Updated   Type = "updated"
	Completed Type = "completed"
)

// Normalize maps added to started and deleted to completed. Other values
// pass through unchanged.
func Normalize(raw string) Type {
	switch raw {
	case "added":
		return Started
	case "deleted":
		return Completed
	default:
		return Type(raw)
	}
}

// Sender is the resource that raised a group of events.
type Sender struct {
	Rel  string
	Href string
}

// Event is one entry of a poll response.
type Event struct {
	Type    Type
	RawType string
	Rel     string
	Href    string
	// Embedded is the resource embedded under Rel, if any.
	Embedded    hal.Document
	OperationID string
	Sender      Sender
	// Data is the raw event object.
	Data hal.Document
	// Response is the whole poll response the event arrived in.
	Response *channel.Response
}

// Handler receives one event.
type Handler func(ctx context.Context, ev Event)

// Handlers is the per-type handler table of a listener. Nil entries are skipped.
type Handlers struct {
	Started   Handler
	Updated   Handler
	Completed Handler
}

// For returns the handler registered for t, or nil.
func (h Handlers) For(t Type) Handler {
	switch t {
	case Started:
		return h.Started
	case Updated:
		return h.Updated
	case Completed:
		return h.Completed
	default:
		return nil
	}
}

// PollOptions tunes the long poll. Zero fields are left off the poll URL.
type PollOptions struct {
	Low      int
	Medium   int
	Priority int
	Timeout  int
}

// Clamped returns o with set fields forced into range: Low and Medium in
// [5,1800], Priority at least 0, Timeout in [180,1800].
func (o PollOptions) Clamped() PollOptions {
	o.Low = clamp(o.Low, 5, 1800)
	o.Medium = clamp(o.Medium, 5, 1800)
	if o.Priority < 0 {
		o.Priority = 0
	}
	o.Timeout = clamp(o.Timeout, 180, 1800)
	return o
}

// Apply appends the set fields to href as query parameters, clamped.
func (o PollOptions) Apply(href string) string {
	// Priority is "set" before clamping so a negative value is sent as 0.
	setPriority := o.Priority != 0
	c := o.Clamped()

	var b strings.Builder
	b.WriteString(href)
	add := func(key string, v int) {
		if strings.ContainsRune(b.String(), '?') {
			b.WriteByte('&')
		} else {
			b.WriteByte('?')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(v))
	}
	if c.Low != 0 {
		add("low", c.Low)
	}
	if c.Medium != 0 {
		add("medium", c.Medium)
	}
	if setPriority {
		add("priority", c.Priority)
	}
	if c.Timeout != 0 {
		add("timeout", c.Timeout)
	}
	return b.String()
}

// merge overrides only the non-zero fields of o with those of p.
func (o PollOptions) merge(p PollOptions) PollOptions {
	if p.Low != 0 {
		o.Low = p.Low
	}
	if p.Medium != 0 {
		o.Medium = p.Medium
	}
	if p.Priority != 0 {
		o.Priority = p.Priority
	}
	if p.Timeout != 0 {
		o.Timeout = p.Timeout
	}
	return o
}

func clamp(v, lo, hi int) int {
	if v == 0 {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
