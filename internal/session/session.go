package session

import (
	"encoding/base64"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
)

// Event is one captured request. Field names on the wire match what the
// XPMATE collection server expects.
type Event struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	// Body is nil when the request carried no body.
	Body *string `json:"body"`
	// BodyEncoding is "base64" when Body holds bytes that are not valid UTF-8.
	BodyEncoding string    `json:"bodyEncoding,omitempty"`
	Type         string    `json:"type"`
	Order        int       `json:"order"`
	CapturedAt   time.Time `json:"timestamp"`
}

// BodyBase64 marks an Event whose Body is base64 encoded.
const BodyBase64 = "base64"

// NewEvent builds the captured record for a request matched by entry. An
// empty method defaults to GET and an empty body is recorded as absent.
// Bodies that are not valid UTF-8 are base64 encoded so no byte is lost to
// JSON string replacement.
func NewEvent(entry catalog.Entry, url, method string, headers map[string]string, body []byte, now time.Time) Event {
	if method == "" {
		method = "GET"
	}
	ev := Event{
		URL:        url,
		Method:     method,
		Headers:    headers,
		Type:       entry.ID,
		Order:      entry.Order,
		CapturedAt: now.UTC().Truncate(time.Millisecond),
	}
	switch {
	case len(body) == 0:
	case utf8.Valid(body):
		s := string(body)
		ev.Body = &s
	default:
		s := base64.StdEncoding.EncodeToString(body)
		ev.Body = &s
		ev.BodyEncoding = BodyBase64
	}
	return ev
}

// Phase is the coarse state of a session, used for status reporting.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCapturing Phase = "capturing"
	PhaseReady     Phase = "ready"
	PhaseUploading Phase = "uploading"
)

// Session is the time-boxed set of captures awaiting upload. Events is keyed
// by catalog category id and holds at most one event per category.
type Session struct {
	Events    map[string]Event
	StartedAt time.Time
}

// New returns an empty session started at now.
func New(now time.Time) Session {
	return Session{
		Events:    make(map[string]Event),
		StartedAt: now.Truncate(time.Millisecond),
	}
}

// Clone returns a copy whose event map can be modified independently.
func (s Session) Clone() Session {
	events := make(map[string]Event, len(s.Events))
	for k, v := range s.Events {
		events[k] = v
	}
	return Session{Events: events, StartedAt: s.StartedAt}
}

// Count is the number of distinct categories captured.
func (s Session) Count() int { return len(s.Events) }

// Empty reports whether nothing has been captured.
func (s Session) Empty() bool { return len(s.Events) == 0 }

// Has reports whether category id has been captured.
func (s Session) Has(id string) bool {
	_, ok := s.Events[id]
	return ok
}

// Missing lists the category ids not yet captured, in sequence order.
func (s Session) Missing() []string {
	var out []string
	for _, id := range catalog.IDs() {
		if !s.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Phase derives the session's coarse state.
func (s Session) Phase() Phase {
	switch {
	case s.Empty():
		return PhaseIdle
	case IsComplete(s):
		return PhaseReady
	default:
		return PhaseCapturing
	}
}

// Sorted returns the events ordered by sequence index.
func (s Session) Sorted() []Event {
	out := make([]Event, 0, len(s.Events))
	for _, ev := range s.Events {
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
