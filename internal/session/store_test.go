package session

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/xpmate-capture/internal/kv"
)

const testKey = "xpeng_captured_apis"

func newTestStore(t *testing.T) (*Store, *kv.Memory, *fakeClock, *observer.ObservedLogs) {
	t.Helper()
	backend := kv.NewMemory()
	clock := &fakeClock{t: baseTime}
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := NewStore(backend, testKey, zap.New(core), WithClock(clock.Now))
	require.NoError(t, err)
	return s, backend, clock, logs
}

// failingKV fails every operation.
type failingKV struct{ err error }

func (f failingKV) Read(context.Context, string) ([]byte, bool, error) { return nil, false, f.err }
func (f failingKV) Write(context.Context, string, []byte) error        { return f.err }
func (f failingKV) Close() error                                        { return nil }

func TestNewStoreValidation(t *testing.T) {
	_, err := NewStore(nil, testKey, nil)
	assert.Error(t, err)
	_, err = NewStore(kv.NewMemory(), "", nil)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("absent gives fresh session stamped now", func(t *testing.T) {
		s, _, _, _ := newTestStore(t)
		sess, err := s.Load(ctx)
		require.NoError(t, err)
		assert.True(t, sess.Empty())
		assert.True(t, sess.StartedAt.Equal(baseTime))
	})

	t.Run("live session is returned", func(t *testing.T) {
		s, _, clock, _ := newTestStore(t)
		saved := New(baseTime)
		saved.Events["energy_by_day"] = eventFor(t, "energy_by_day", baseTime)
		require.NoError(t, s.Save(ctx, saved))

		clock.Advance(TTL) // exactly at the limit is still alive
		got, err := s.Load(ctx)
		require.NoError(t, err)
		if diff := cmp.Diff(saved, got); diff != "" {
			t.Errorf("loaded session mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("expired session is erased and indistinguishable from fresh", func(t *testing.T) {
		s, backend, clock, logs := newTestStore(t)
		saved := New(baseTime)
		saved.Events["energy_by_day"] = eventFor(t, "energy_by_day", baseTime)
		require.NoError(t, s.Save(ctx, saved))

		clock.Advance(TTL + time.Millisecond)
		got, err := s.Load(ctx)
		require.NoError(t, err)

		if diff := cmp.Diff(New(clock.Now()), got); diff != "" {
			t.Errorf("expired load should equal a fresh session (-want +got):\n%s", diff)
		}
		_, found, err := backend.Read(ctx, testKey)
		require.NoError(t, err)
		assert.False(t, found, "expired blob must be erased")
		assert.Equal(t, 1, logs.FilterMessageSnippet("timed out").Len())
	})

	t.Run("corrupt blob is erased and logged", func(t *testing.T) {
		s, backend, _, logs := newTestStore(t)
		require.NoError(t, backend.Write(ctx, testKey, []byte(`{"apis":`)))

		got, err := s.Load(ctx)
		require.NoError(t, err, "corruption is healed, not reported")
		assert.True(t, got.Empty())
		_, found, _ := backend.Read(ctx, testKey)
		assert.False(t, found)
		assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).FilterMessageSnippet("corrupt").Len())
	})

	t.Run("backend failure is reported with a fresh session", func(t *testing.T) {
		s, err := NewStore(failingKV{err: errors.New("connection refused")}, testKey, nil,
			WithClock(func() time.Time { return baseTime }))
		require.NoError(t, err)

		got, err := s.Load(ctx)
		assert.ErrorContains(t, err, "connection refused")
		assert.True(t, got.Empty())
		assert.True(t, got.StartedAt.Equal(baseTime))
	})
}

func TestPeek(t *testing.T) {
	ctx := context.Background()
	s, backend, clock, _ := newTestStore(t)

	saved := New(baseTime)
	saved.Events["trips_report"] = eventFor(t, "trips_report", baseTime)
	require.NoError(t, s.Save(ctx, saved))

	got, err := s.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count())

	clock.Advance(TTL + time.Second)
	got, err = s.Peek(ctx)
	assert.ErrorIs(t, err, ErrExpired)
	assert.True(t, got.Empty())

	_, found, _ := backend.Read(ctx, testKey)
	assert.True(t, found, "peek must never erase")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, backend, clock, _ := newTestStore(t)

	saved := New(baseTime)
	for _, id := range []string{"energy_by_month", "trips_report_by_trip"} {
		saved.Events[id] = eventFor(t, id, baseTime)
	}
	require.NoError(t, s.Save(ctx, saved))
	before, _, _ := backend.Read(ctx, testKey)

	clock.Advance(time.Minute)
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, loaded))
	after, _, _ := backend.Read(ctx, testKey)

	assert.Equal(t, string(before), string(after), "save(load()) must not change the blob")
}

func TestSaveLoad_BinaryBodyPreserved(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newTestStore(t)

	raw := []byte{0x0a, 0x03, 'v', 'i', 'n', 0xc3, 0x28, 0xff}
	saved := New(baseTime)
	saved.Events["energy_by_trip"] = NewEvent(mustEntry(t, "energy_by_trip"),
		"https://iot-web.xiaopeng.com/energy_by_trip", "POST", nil, raw, baseTime)
	require.NoError(t, s.Save(ctx, saved))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	ev := loaded.Events["energy_by_trip"]
	require.NotNil(t, ev.Body)
	assert.Equal(t, BodyBase64, ev.BodyEncoding)
	decoded, err := base64.StdEncoding.DecodeString(*ev.Body)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, backend, _, _ := newTestStore(t)

	require.NoError(t, s.Save(ctx, New(baseTime)))
	require.NoError(t, s.Clear(ctx))

	_, found, err := backend.Read(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, found, "clear must erase, not store an empty session")

	failing, err := NewStore(failingKV{err: errors.New("boom")}, testKey, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, failing.Clear(ctx), "failed to clear session")
	assert.ErrorContains(t, failing.Save(ctx, New(baseTime)), "failed to save session")
}
