package upload

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
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
)

const (
	testKey       = "xpeng_captured_apis"
	testServerURL = "http://collector.local/api/auto-capture-batch"
)

var baseTime = time.Date(2024, 5, 3, 9, 30, 0, 0, time.UTC)

type fakeTransport struct {
	mu    sync.Mutex
	calls []PostRequest
	err   error
}

func (f *fakeTransport) Post(_ context.Context, req PostRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
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

type fixture struct {
	coord     *Coordinator
	store     *session.Store
	backend   *kv.Memory
	transport *fakeTransport
	notes     *recordingNotifier
}

func newFixture(t *testing.T, transportErr error) *fixture {
	t.Helper()
	backend := kv.NewMemory()
	store, err := session.NewStore(backend, testKey, zap.NewNop(), session.WithClock(func() time.Time { return baseTime }))
	require.NoError(t, err)

	f := &fixture{store: store, backend: backend, transport: &fakeTransport{err: transportErr}, notes: &recordingNotifier{}}
	f.coord, err = NewCoordinator(testServerURL, f.transport, store, f.notes, zap.NewNop(),
		WithBatchIDs(func() string { return "batch-1" }))
	require.NoError(t, err)
	return f
}

// sessionWith captures ids in the given order.
func sessionWith(t *testing.T, ids ...string) session.Session {
	t.Helper()
	s := session.New(baseTime)
	for _, id := range ids {
		e, ok := catalog.Lookup(id)
		require.True(t, ok)
		ev := session.NewEvent(e, "https://iot-web.xiaopeng.com/"+id+"?vin=L1", "GET", nil, nil, baseTime)
		s, _ = session.RecordCapture(s, e, ev, baseTime)
	}
	return s
}

func TestNewCoordinatorValidation(t *testing.T) {
	store, err := session.NewStore(kv.NewMemory(), testKey, nil)
	require.NoError(t, err)

	_, err = NewCoordinator("", &fakeTransport{}, store, nil, nil)
	assert.Error(t, err)
	_, err = NewCoordinator(testServerURL, nil, store, nil, nil)
	assert.Error(t, err)
	_, err = NewCoordinator(testServerURL, &fakeTransport{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestUpload_EmptyNeverCallsTransport(t *testing.T) {
	f := newFixture(t, nil)

	out := f.coord.Upload(context.Background(), session.New(baseTime))
	assert.Equal(t, Empty, out.Kind)
	assert.ErrorIs(t, out.Err, ErrNothingToUpload)
	assert.Empty(t, f.transport.calls)
	assert.Empty(t, f.notes.got)
}

func TestUpload_SortedBatch(t *testing.T) {
	f := newFixture(t, nil)
	sess := sessionWith(t, "trips_report_by_trip", "energy_by_month", "trips_report")

	out := f.coord.Upload(context.Background(), sess)
	require.Equal(t, Succeeded, out.Kind)
	assert.Equal(t, 3, out.Count)
	require.Len(t, f.transport.calls, 1)

	call := f.transport.calls[0]
	assert.Equal(t, testServerURL, call.URL)
	assert.Equal(t, Timeout, call.Timeout)
	assert.Equal(t, "application/json", call.Headers["Content-Type"])
	assert.Equal(t, "batch-1", call.Headers[BatchIDHeader])

	var got Batch
	require.NoError(t, json.Unmarshal(call.Body, &got))
	assert.Equal(t, 3, got.TotalCount)
	require.Len(t, got.APIs, 3)
	assert.Equal(t, []int{1, 3, 5}, []int{got.APIs[0].Order, got.APIs[1].Order, got.APIs[2].Order})
	assert.Equal(t, "energy_by_month", got.APIs[0].Type)
}

func TestUpload_SuccessClearsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	sess := sessionWith(t, "energy_by_day", "energy_by_trip")
	require.NoError(t, f.store.Save(ctx, sess))

	out := f.coord.Upload(ctx, sess)
	require.Equal(t, Succeeded, out.Kind)
	assert.Equal(t, "batch-1", out.BatchID)

	_, found, err := f.backend.Read(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found, "a successful upload erases the persisted session")

	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "Upload succeeded", f.notes.got[0].Subtitle)
	assert.Equal(t, "Sent 2 requests", f.notes.got[0].Body)
}

func TestUpload_FailureLeavesSessionUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, errors.New("connection refused"))
	sess := sessionWith(t, catalog.IDs()...)
	require.NoError(t, f.store.Save(ctx, sess))
	before, _, _ := f.backend.Read(ctx, testKey)

	out := f.coord.Upload(ctx, sess)
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrTransport)
	assert.ErrorContains(t, out.Err, "connection refused")
	assert.Len(t, f.transport.calls, 1, "no automatic retry")

	after, found, err := f.backend.Read(ctx, testKey)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, string(before), string(after), "failure must leave the blob byte-identical")

	require.Len(t, f.notes.got, 1)
	assert.Equal(t, "Upload failed", f.notes.got[0].Subtitle)
	assert.Contains(t, f.notes.got[0].Body, "connection refused")
}

func TestUpload_FreshBatchIDPerAttempt(t *testing.T) {
	store, err := session.NewStore(kv.NewMemory(), testKey, nil)
	require.NoError(t, err)
	tr := &fakeTransport{err: ErrTransport}
	coord, err := NewCoordinator(testServerURL, tr, store, nil, nil)
	require.NoError(t, err)

	sess := sessionWith(t, "energy_by_month")
	coord.Upload(context.Background(), sess)
	coord.Upload(context.Background(), sess)

	require.Len(t, tr.calls, 2)
	first, second := tr.calls[0].Headers[BatchIDHeader], tr.calls[1].Headers[BatchIDHeader]
	assert.Len(t, first, 36)
	assert.NotEqual(t, first, second)
}

func TestHTTPTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("2xx", func(t *testing.T) {
		var gotBody, gotHeader string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			gotBody = string(raw)
			gotHeader = r.Header.Get(BatchIDHeader)
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		tr := NewHTTPTransport(nil, nil)
		err := tr.Post(ctx, PostRequest{URL: srv.URL, Headers: map[string]string{BatchIDHeader: "abc"}, Body: []byte(`{"apis":[]}`)})
		require.NoError(t, err)
		assert.Equal(t, `{"apis":[]}`, gotBody)
		assert.Equal(t, "abc", gotHeader)
	})

	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad batch", http.StatusBadRequest)
		}))
		defer srv.Close()

		err := NewHTTPTransport(nil, nil).Post(ctx, PostRequest{URL: srv.URL})
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorContains(t, err, "status 400: bad batch")
	})

	t.Run("refused", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		err = NewHTTPTransport(nil, nil).Post(ctx, PostRequest{URL: "http://" + addr + "/"})
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		err := NewHTTPTransport(nil, nil).Post(ctx, PostRequest{URL: srv.URL, Timeout: 20 * time.Millisecond})
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("bad url", func(t *testing.T) {
		err := NewHTTPTransport(nil, nil).Post(ctx, PostRequest{URL: "://nope"})
		assert.ErrorIs(t, err, ErrTransport)
	})
}
