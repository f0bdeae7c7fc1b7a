package catalog

import (
	"regexp"
	"strings"
)

// VendorHost is the telemetry vendor host whose traffic is intercepted.
const VendorHost = "iot-web.xiaopeng.com"

// TriggerURL is the pseudo-endpoint that starts an upload instead of a capture.
// It lives on the vendor host so the proxy intercepts it, but matches no
// catalog entry.
const TriggerURL = "https://" + VendorHost + "/api/xpmate/manual-upload"

// triggerMarker is the substring that identifies the trigger URL.
const triggerMarker = "xpmate/manual-upload"

// Size is the number of categories a complete session holds.
const Size = 5

// Entry describes one recognized telemetry API.
type Entry struct {
	// ID is the stable category identifier used as the session key and as the
	// "type" field sent to the collection server.
	ID string
	// Name is the human readable API name.
	Name string
	// Order is the 1-based sequence index used to order an upload batch.
	Order   int
	matcher *regexp.Regexp
}

// Matches reports whether the entry's pattern accepts the URL.
func (e Entry) Matches(rawURL string) bool {
	return e.matcher.MatchString(rawURL)
}

// Pattern returns the source of the entry's URL matcher.
func (e Entry) Pattern() string {
	return e.matcher.String()
}

func pattern(path string) *regexp.Regexp {
	return regexp.MustCompile(`^https://` + regexp.QuoteMeta(VendorHost) + regexp.QuoteMeta(path) + `\?vin=`)
}

// entries is declared in sequence order. Classification walks it front to back.
var entries = []Entry{
	{ID: "energy_by_month", Name: "Energy by Month", Order: 1, matcher: pattern("/api/energy/report/day/preview/list")},
	{ID: "energy_by_day", Name: "Energy by Day", Order: 2, matcher: pattern("/api/energy/report/day/detail")},
	{ID: "trips_report", Name: "Trips Report", Order: 3, matcher: pattern("/api/trips_report/web/adTripsReport/trips/list")},
	{ID: "energy_by_trip", Name: "Energy by Trip", Order: 4, matcher: pattern("/api/energy/report/day/driveSection/list")},
	{ID: "trips_report_by_trip", Name: "Trips Report by Trip", Order: 5, matcher: pattern("/api/trips_report/web/adTripsReport/trips/detail")},
}

var byID = func() map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}()

// Entries returns a copy of the catalog in declaration order.
func Entries() []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Lookup returns the entry registered under id.
func Lookup(id string) (Entry, bool) {
	e, ok := byID[id]
	return e, ok
}

// IDs returns every category id in sequence order.
func IDs() []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// Classify returns the first catalog entry whose matcher accepts rawURL.
func Classify(rawURL string) (Entry, bool) {
	for _, e := range entries {
		if e.Matches(rawURL) {
			return e, true
		}
	}
	return Entry{}, false
}

// IsTrigger reports whether rawURL is the manual upload trigger.
func IsTrigger(rawURL string) bool {
	return strings.Contains(rawURL, triggerMarker)
}

// Kind is the routing decision for one intercepted URL.
type Kind int

const (
	// Ignore means the URL is outside the catalog and is passed through.
	Ignore Kind = iota
	// Capture means the URL matched a catalog entry.
	Capture
	// Trigger means the URL asks for the collected batch to be uploaded.
	Trigger
)

func (k Kind) String() string {
	switch k {
	case Capture:
		return "capture"
	case Trigger:
		return "trigger"
	default:
		return "ignore"
	}
}

// Route is the result of Resolve.
type Route struct {
	Kind  Kind
	Entry Entry
}

// Resolve routes a URL. The trigger check runs before the catalog so the two
// branches stay mutually exclusive.
func Resolve(rawURL string) Route {
	if IsTrigger(rawURL) {
		return Route{Kind: Trigger}
	}
	if e, ok := Classify(rawURL); ok {
		return Route{Kind: Capture, Entry: e}
	}
	return Route{Kind: Ignore}
}
