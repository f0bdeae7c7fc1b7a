package interceptor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/capture"
	"github.com/xkilldash9x/xpmate-capture/internal/kv"
	"github.com/xkilldash9x/xpmate-capture/internal/notify"
	"github.com/xkilldash9x/xpmate-capture/internal/session"
	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

const (
	testKey   = "xpeng_captured_apis"
	serverURL = "http://collector.local/api/auto-capture-batch"
)

var sampleURLs = map[string]string{
	"energy_by_month":      "https://iot-web.xiaopeng.com/api/energy/report/day/preview/list?vin=LXP1",
	"energy_by_day":        "https://iot-web.xiaopeng.com/api/energy/report/day/detail?vin=LXP1",
	"trips_report":         "https://iot-web.xiaopeng.com/api/trips_report/web/adTripsReport/trips/list?vin=LXP1",
	"energy_by_trip":       "https://iot-web.xiaopeng.com/api/energy/report/day/driveSection/list?vin=LXP1",
	"trips_report_by_trip": "https://iot-web.xiaopeng.com/api/trips_report/web/adTripsReport/trips/detail?vin=LXP1",
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

func (r *recordingNotifier) count(title string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.got {
		if note.Title == title {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTransport) Post(context.Context, upload.PostRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fixture struct {
	ic        *Interceptor
	backend   kv.Store
	store     *session.Store
	transport *fakeTransport
	notes     *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, kv.NewMemory())
}

func newFixtureWith(t *testing.T, backend kv.Store) *fixture {
	t.Helper()
	f := &fixture{backend: backend, transport: &fakeTransport{}, notes: &recordingNotifier{}}

	var err error
	f.store, err = session.NewStore(backend, testKey, zap.NewNop())
	require.NoError(t, err)
	coord, err := upload.NewCoordinator(serverURL, f.transport, f.store, f.notes, zap.NewNop())
	require.NoError(t, err)
	d, err := capture.NewDispatcher(f.store, coord, f.notes, serverURL, zap.NewNop())
	require.NoError(t, err)
	f.ic, err = New(context.Background(), d, zap.NewNop())
	require.NoError(t, err)
	return f
}

func (f *fixture) load(t *testing.T) session.Session {
	t.Helper()
	s, err := f.store.Peek(context.Background())
	require.NoError(t, err)
	return s
}
