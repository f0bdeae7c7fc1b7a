package session

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
)

// RecordCapture upserts ev under entry's category and refreshes the session
// timestamp. wasNew is true only when the category was absent before.
// The input session is not modified.
func RecordCapture(s Session, entry catalog.Entry, ev Event, now time.Time) (Session, bool) {
	updated := s.Clone()
	_, existed := updated.Events[entry.ID]
	updated.Events[entry.ID] = ev
	updated.StartedAt = now.Truncate(time.Millisecond)
	return updated, !existed
}

// IsComplete reports whether every catalog category has been captured.
func IsComplete(s Session) bool {
	for _, id := range catalog.IDs() {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

// ShouldNotify decides whether a capture of entry deserves a progress
// notification and returns its text.
//
// Every group kind notifies on the first capture of its category only. The
// day half of the day/trip pair does not wait for the trip half, and the
// silent trip half still notifies under the shared group name, so a pair
// produces two notifications.
func ShouldNotify(s Session, entry catalog.Entry, wasNew bool) (bool, string) {
	group, ok := catalog.GroupOf(entry.ID)
	if !ok {
		return false, ""
	}

	var notify bool
	switch {
	case group.Standalone:
		notify = wasNew
	case group.PairedWith != "" && !group.Silent:
		notify = wasNew
	case group.Silent:
		notify = wasNew
	}
	return notify, progressText(group.Name, s.Count())
}

func progressText(name string, count int) string {
	return fmt.Sprintf("Captured %s (%d/%d)", name, count, catalog.Size)
}

// DecisionKind says what the user should be told after a capture.
type DecisionKind int

const (
	// Quiet means no notification.
	Quiet DecisionKind = iota
	// Progress is a per-category capture notification.
	Progress
	// Ready announces that the batch is complete and can be uploaded.
	Ready
)

// Decision is the outcome of evaluating one capture.
type Decision struct {
	Kind      DecisionKind
	Text      string
	Count     int
	Remaining int
}

// Decide combines completeness with ShouldNotify. Completing the set replaces
// the per-category notification with a single Ready; recapturing a category
// of an already complete session stays quiet.
func Decide(s Session, entry catalog.Entry, wasNew bool) Decision {
	d := Decision{Count: s.Count(), Remaining: catalog.Size - s.Count()}
	if IsComplete(s) {
		if wasNew {
			d.Kind = Ready
			d.Text = fmt.Sprintf("Captured %d/%d requests", catalog.Size, catalog.Size)
		}
		return d
	}
	if notify, text := ShouldNotify(s, entry, wasNew); notify {
		d.Kind = Progress
		d.Text = text
	}
	return d
}
