package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
)

var baseTime = time.Date(2024, 5, 3, 9, 30, 0, 0, time.UTC)

// fakeClock is a settable clock for the store.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func mustEntry(t *testing.T, id string) catalog.Entry {
	t.Helper()
	e, ok := catalog.Lookup(id)
	require.True(t, ok, "unknown category %s", id)
	return e
}

func eventFor(t *testing.T, id string, at time.Time) Event {
	t.Helper()
	e := mustEntry(t, id)
	return NewEvent(e, "https://iot-web.xiaopeng.com/"+id+"?vin=L1", "GET",
		map[string]string{"Authorization": "Bearer token"}, nil, at)
}
