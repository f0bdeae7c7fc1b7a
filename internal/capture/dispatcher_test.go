package capture

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/catalog"
	"github.com/xkilldash9x/xpmate-capture/internal/kv"
	"github.com/xkilldash9x/xpmate-capture/internal/notify"
	"github.com/xkilldash9x/xpmate-capture/internal/session"
	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

const (
	testKey       = "xpeng_captured_apis"
	testServerURL = "http://192.168.1.15:3000/api/auto-capture-batch"
)

// sampleURLs has one real request URL per category.
var sampleURLs = map[string]string{
	"energy_by_month":      "https://iot-web.xiaopeng.com/api/energy/report/day/preview/list?vin=LXP1&month=2024-05",
	"energy_by_day":        "https://iot-web.xiaopeng.com/api/energy/report/day/detail?vin=LXP1&date=2024-05-02",
	"trips_report":         "https://iot-web.xiaopeng.com/api/trips_report/web/adTripsReport/trips/list?vin=LXP1",
	"energy_by_trip":       "https://iot-web.xiaopeng.com/api/energy/report/day/driveSection/list?vin=LXP1",
	"trips_report_by_trip": "https://iot-web.xiaopeng.com/api/trips_report/web/adTripsReport/trips/detail?vin=LXP1&id=9",
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (r *recordingNotifier) Post(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, n := range r.got {
		out[i] = n.Title
	}
	return out
}

type fakeTransport struct {
	calls int
	err   error
}

func (f *fakeTransport) Post(context.Context, upload.PostRequest) error {
	f.calls++
	return f.err
}

// flakyKV fails the next failReads reads and then behaves like its Memory.
type flakyKV struct {
	*kv.Memory
	failReads int
}

func (f *flakyKV) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if f.failReads > 0 {
		f.failReads--
		return nil, false, errors.New("i/o timeout")
	}
	return f.Memory.Read(ctx, key)
}

type fixture struct {
	d         *Dispatcher
	backend   *kv.Memory
	flaky     *flakyKV
	store     *session.Store
	transport *fakeTransport
	notes     *recordingNotifier
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 5, 3, 9, 30, 0, 0, time.UTC)
	f := &fixture{backend: kv.NewMemory(), transport: &fakeTransport{}, notes: &recordingNotifier{}, clock: &now}

	f.flaky = &flakyKV{Memory: f.backend}

	var err error
	f.store, err = session.NewStore(f.flaky, testKey, zap.NewNop(), session.WithClock(func() time.Time { return *f.clock }))
	require.NoError(t, err)
	coord, err := upload.NewCoordinator(testServerURL, f.transport, f.store, f.notes, zap.NewNop())
	require.NoError(t, err)
	f.d, err = NewDispatcher(f.store, coord, f.notes, testServerURL, zap.NewNop())
	require.NoError(t, err)
	return f
}

func (f *fixture) capture(t *testing.T, id string) Action {
	t.Helper()
	return f.d.Handle(context.Background(), Event{
		URL:     sampleURLs[id],
		Method:  "GET",
		Headers: map[string]string{"Authorization": "Bearer t"},
	})
}

func (f *fixture) trigger() Action {
	return f.d.Handle(context.Background(), Event{URL: catalog.TriggerURL, Method: "GET"})
}

func (f *fixture) persisted(t *testing.T) ([]byte, bool) {
	t.Helper()
	data, found, err := f.backend.Read(context.Background(), testKey)
	require.NoError(t, err)
	return data, found
}

func TestNewDispatcherValidation(t *testing.T) {
	store, err := session.NewStore(kv.NewMemory(), testKey, nil)
	require.NoError(t, err)
	_, err = NewDispatcher(nil, &upload.Coordinator{}, nil, "", nil)
	assert.Error(t, err)
	_, err = NewDispatcher(store, nil, nil, "", nil)
	assert.Error(t, err)
}

func TestHandle_IgnoredURLPasses(t *testing.T) {
	f := newFixture(t)
	for _, u := range []string{
		"https://iot-web.xiaopeng.com/api/user/profile",
		"https://example.com/api/energy/report/day/detail?vin=1",
		"https://iot-web.xiaopeng.com/api/energy/report/day/detail",
	} {
		act := f.d.Handle(context.Background(), Event{URL: u})
		assert.Equal(t, Pass, act.Kind, u)
	}
	_, found := f.persisted(t)
	assert.False(t, found)
	assert.Empty(t, f.notes.got)
}

func TestHandle_CaptureRecordsAndNotifies(t *testing.T) {
	f := newFixture(t)

	act := f.capture(t, "energy_by_month")
	assert.Equal(t, Pass, act.Kind, "captured requests still reach the vendor")

	data, found := f.persisted(t)
	require.True(t, found)
	sess, err := session.Decode(data)
	require.NoError(t, err)
	require.True(t, sess.Has("energy_by_month"))
	ev := sess.Events["energy_by_month"]
	assert.Equal(t, sampleURLs["energy_by_month"], ev.URL)
	assert.Equal(t, "Bearer t", ev.Headers["Authorization"])
	assert.Nil(t, ev.Body)

	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "Captured Monthly Energy (1/5)", f.notes.got[0].Subtitle)
	assert.Equal(t, "4 more requests needed", f.notes.got[0].Body)

	// A recapture overwrites silently.
	f.capture(t, "energy_by_month")
	assert.Len(t, f.notes.got, 1)
}

func TestHandle_ReadyOnFifthCapture(t *testing.T) {
	f := newFixture(t)
	order := []string{"trips_report_by_trip", "energy_by_trip", "energy_by_month", "trips_report", "energy_by_day"}
	for _, id := range order {
		f.capture(t, id)
	}
	f.capture(t, "energy_by_day")

	titles := f.notes.titles()
	require.Len(t, titles, 5)
	assert.Equal(t, "XPMATE data ready", titles[4])
	for _, title := range titles[:4] {
		assert.Equal(t, "XPMATE capture", title)
	}
	ready := f.notes.got[4]
	assert.Equal(t, catalog.TriggerURL, ready.URL)
	assert.Equal(t, "Captured 5/5 requests", ready.Subtitle)
	assert.Equal(t, session.PhaseReady, f.d.Status(context.Background()).Phase)
}

func TestHandle_ExpiredSessionStartsOver(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "energy_by_month")
	*f.clock = f.clock.Add(session.TTL + time.Second)

	f.capture(t, "energy_by_day")
	st := f.d.Status(context.Background())
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, []string{"energy_by_day"}, st.Categories)
}

func TestHandle_TransientReadErrorKeepsStoredSession(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"energy_by_month", "energy_by_day", "trips_report", "energy_by_trip"} {
		f.capture(t, id)
	}
	before, _ := f.persisted(t)
	notes := len(f.notes.got)

	f.flaky.failReads = 1
	act := f.capture(t, "trips_report_by_trip")
	assert.Equal(t, Pass, act.Kind, "the request still reaches the vendor")

	after, found := f.persisted(t)
	require.True(t, found)
	assert.Equal(t, string(before), string(after), "stored session must survive a failed read")
	assert.Len(t, f.notes.got, notes)

	// Once the backend recovers the next capture completes the set.
	f.capture(t, "trips_report_by_trip")
	assert.Equal(t, 5, f.d.Status(context.Background()).Count)
	assert.Equal(t, "XPMATE data ready", f.notes.titles()[len(f.notes.got)-1])
}

func TestHandle_TriggerWithUnreadableStore(t *testing.T) {
	f := newFixture(t)
	for _, id := range catalog.IDs() {
		f.capture(t, id)
	}
	before, _ := f.persisted(t)

	f.flaky.failReads = 1
	act := f.trigger()
	assert.Equal(t, Respond, act.Kind)
	assert.Contains(t, string(act.Body), "Upload failed")
	assert.NotContains(t, string(act.Body), "Nothing to upload")
	assert.Zero(t, f.transport.calls)

	after, _ := f.persisted(t)
	assert.Equal(t, string(before), string(after))
}

func TestHandle_TriggerEmpty(t *testing.T) {
	f := newFixture(t)

	act := f.trigger()
	assert.Equal(t, Respond, act.Kind)
	assert.Equal(t, 200, act.Status)
	assert.Equal(t, HTMLContentType, act.ContentType)
	assert.Contains(t, string(act.Body), "Nothing to upload")
	assert.Zero(t, f.transport.calls)
}

func TestHandle_TriggerSuccess(t *testing.T) {
	f := newFixture(t)
	for _, id := range catalog.IDs() {
		f.capture(t, id)
	}

	act := f.trigger()
	assert.Equal(t, Respond, act.Kind)
	assert.Contains(t, string(act.Body), "Upload succeeded")
	assert.Contains(t, string(act.Body), "Sent 5 requests to the server.")
	assert.Equal(t, 1, f.transport.calls)

	_, found := f.persisted(t)
	assert.False(t, found)
	assert.Equal(t, session.PhaseIdle, f.d.Status(context.Background()).Phase)
}

func TestHandle_TriggerFailureKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.transport.err = errors.New("dial tcp: connection <refused>")
	f.capture(t, "energy_by_month")
	f.capture(t, "trips_report")
	before, _ := f.persisted(t)

	act := f.trigger()
	body := string(act.Body)
	assert.Contains(t, body, "Upload failed")
	assert.Contains(t, body, testServerURL)
	assert.Contains(t, body, "connection &lt;refused&gt;", "error text is escaped")
	assert.NotContains(t, body, "<refused>")

	after, found := f.persisted(t)
	require.True(t, found)
	assert.Equal(t, string(before), string(after))

	// Capturing can continue after a failed attempt.
	f.capture(t, "energy_by_day")
	assert.Equal(t, 3, f.d.Status(context.Background()).Count)
}

func TestHandle_TriggerIgnoresQueryAndMethod(t *testing.T) {
	f := newFixture(t)
	act := f.d.Handle(context.Background(), Event{URL: catalog.TriggerURL + "?from=notification", Method: "POST"})
	assert.Equal(t, Respond, act.Kind)
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.capture(t, "energy_by_month")
	require.NoError(t, f.d.Reset(context.Background()))
	_, found := f.persisted(t)
	assert.False(t, found)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	st := f.d.Status(context.Background())
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.Len(t, st.Missing, 5)
	assert.Empty(t, st.Categories)
	assert.Nil(t, st.StartedAt)

	f.capture(t, "trips_report")
	f.capture(t, "energy_by_month")
	st = f.d.Status(context.Background())
	assert.Equal(t, session.PhaseCapturing, st.Phase)
	assert.Equal(t, []string{"energy_by_month", "trips_report"}, st.Categories)
	require.NotNil(t, st.ExpiresAt)
	assert.Equal(t, session.TTL, st.ExpiresAt.Sub(*st.StartedAt))

	*f.clock = f.clock.Add(session.TTL + time.Minute)
	st = f.d.Status(context.Background())
	assert.Equal(t, session.PhaseIdle, st.Phase)
	assert.Equal(t, "previous session expired", st.Note)
	_, found := f.persisted(t)
	assert.True(t, found, "status never erases")
}

func TestRenderPage(t *testing.T) {
	for _, out := range []upload.Outcome{
		{Kind: upload.Empty},
		{Kind: upload.Succeeded, Count: 3},
		{Kind: upload.Failed, Err: upload.ErrTransport},
	} {
		body, err := renderPage(pageFor(out, testServerURL))
		require.NoError(t, err)
		html := string(body)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(html), "<!DOCTYPE html>"))
		assert.Contains(t, html, "return to the app")
	}
}
