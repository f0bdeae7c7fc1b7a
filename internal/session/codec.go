package session

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
)

// json sorts map keys, so a session always encodes to the same bytes.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// blob is the persisted form: {"apis": {...}, "timestamp": <unix millis>}.
// Pointers distinguish a missing field from a zero value.
type blob struct {
	APIs      *map[string]Event `json:"apis"`
	Timestamp *int64            `json:"timestamp"`
}

// Encode serializes s into its persisted form.
func Encode(s Session) ([]byte, error) {
	events := s.Events
	if events == nil {
		events = map[string]Event{}
	}
	ts := s.StartedAt.UnixMilli()
	data, err := json.Marshal(blob{APIs: &events, Timestamp: &ts})
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

// Decode parses a persisted session. Any structural problem is reported as
// ErrCorrupt.
func Decode(data []byte) (Session, error) {
	var b blob
	if err := json.Unmarshal(data, &b); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if b.APIs == nil || b.Timestamp == nil {
		return Session{}, fmt.Errorf("%w: missing apis or timestamp", ErrCorrupt)
	}

	events := *b.APIs
	for id, ev := range events {
		entry, ok := catalog.Lookup(id)
		if !ok {
			return Session{}, fmt.Errorf("%w: unknown category %q", ErrCorrupt, id)
		}
		if ev.Type != id || ev.Order != entry.Order {
			return Session{}, fmt.Errorf("%w: event under %q does not match its category", ErrCorrupt, id)
		}
	}
	if events == nil {
		events = map[string]Event{}
	}
	return Session{Events: events, StartedAt: time.UnixMilli(*b.Timestamp)}, nil
}

var (
	// ErrCorrupt marks a persisted session that could not be understood.
	ErrCorrupt = errors.New("persisted session is corrupt")
	// ErrExpired marks a persisted session older than TTL.
	ErrExpired = errors.New("persisted session expired")
)
