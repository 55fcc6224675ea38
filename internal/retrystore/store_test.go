package retrystore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/abhisek/beacon/internal/kv"
	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
)

type fakeSink struct {
	mu    sync.Mutex
	err   error
	calls [][]store.TelemetryEvent
}

func (s *fakeSink) InsertEvents(_ context.Context, events []store.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, events)
	return s.err
}

func (s *fakeSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func events(ids ...string) []store.TelemetryEvent {
	at := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	out := make([]store.TelemetryEvent, len(ids))
	for i, id := range ids {
		out[i] = store.TelemetryEvent{ID: id, UserID: "u1", EventType: "page_view", CreatedAt: at}
	}
	return out
}

func newStore(t *testing.T, m kv.Medium, sink telemetry.Sink) *Store {
	return New(Options{Medium: m, Sink: sink, Logger: zaptest.NewLogger(t)})
}

func storedIDs(t *testing.T, s *Store) []string {
	t.Helper()
	got, err := s.Events(context.Background())
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	return ids
}

func TestAppendConcatenatesInOrder(t *testing.T) {
	s := newStore(t, kv.NewMemory(), &fakeSink{})
	ctx := context.Background()

	s.Append(ctx, events("a", "b"))
	s.Append(ctx, events("c"))
	s.Append(ctx, nil)

	assert.Equal(t, []string{"a", "b", "c"}, storedIDs(t, s))
	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestDrainFailureLeavesStoreUntouched(t *testing.T) {
	m := kv.NewMemory()
	sink := &fakeSink{err: errors.New("offline")}
	s := newStore(t, m, sink)
	ctx := context.Background()

	s.Append(ctx, events("a", "b", "c"))
	before, ok, err := m.GetItem(ctx, DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)

	s.DrainAndRetry(ctx)
	s.DrainAndRetry(ctx)

	after, ok, err := m.GetItem(ctx, DefaultKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before, after, "stored bytes must not change")
	assert.Equal(t, 2, sink.Calls())
	assert.Len(t, sink.calls[0], 3, "all stored events go in one batch")
}

func TestDrainSuccessRemovesKey(t *testing.T) {
	m := kv.NewMemory()
	sink := &fakeSink{}
	s := newStore(t, m, sink)
	ctx := context.Background()

	s.Append(ctx, events("a", "b"))
	s.DrainAndRetry(ctx)

	_, ok, err := m.GetItem(ctx, DefaultKey)
	require.NoError(t, err)
	assert.False(t, ok)
	require.Equal(t, 1, sink.Calls())
	assert.Equal(t, "a", sink.calls[0][0].ID)

	// Nothing left: no further backend calls.
	s.DrainAndRetry(ctx)
	assert.Equal(t, 1, sink.Calls())
}

func TestCorruptContentReadsAsEmpty(t *testing.T) {
	m := kv.NewMemory()
	sink := &fakeSink{}
	s := newStore(t, m, sink)
	ctx := context.Background()

	require.NoError(t, m.SetItem(ctx, DefaultKey, "{not json"))
	assert.Empty(t, storedIDs(t, s))

	s.Append(ctx, events("a"))
	assert.Equal(t, []string{"a"}, storedIDs(t, s))

	require.NoError(t, m.SetItem(ctx, DefaultKey, "{not json"))
	s.DrainAndRetry(ctx)
	_, ok, _ := m.GetItem(ctx, DefaultKey)
	assert.False(t, ok, "unreadable content is discarded")
	assert.Zero(t, sink.Calls())
}

func TestCorruptError(t *testing.T) {
	m := kv.NewMemory()
	s := newStore(t, m, &fakeSink{})
	require.NoError(t, m.SetItem(context.Background(), DefaultKey, "[1,"))

	_, _, err := s.load(context.Background())
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, DefaultKey, corrupt.Key)
	assert.Contains(t, err.Error(), DefaultKey)
}

type brokenMedium struct{ kv.Medium }

func (brokenMedium) GetItem(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}

func TestUnreadableMediumDoesNotDrain(t *testing.T) {
	sink := &fakeSink{}
	s := newStore(t, brokenMedium{kv.NewMemory()}, sink)
	s.DrainAndRetry(context.Background())
	assert.Zero(t, sink.Calls())
}

type stuckMedium struct{ kv.Medium }

func (stuckMedium) RemoveItem(context.Context, string) error {
	return errors.New("read-only")
}

func TestEmptyArrayClearFailureIsLogged(t *testing.T) {
	m := kv.NewMemory()
	require.NoError(t, m.SetItem(context.Background(), DefaultKey, "[]"))

	core, logs := observer.New(zapcore.DebugLevel)
	sink := &fakeSink{}
	s := New(Options{Medium: stuckMedium{m}, Sink: sink, Logger: zap.New(core)})
	s.DrainAndRetry(context.Background())

	assert.Zero(t, sink.Calls())
	entries := logs.FilterMessage("clear empty retry store failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
}

func TestAppendDuringDrainSurvives(t *testing.T) {
	m := kv.NewMemory()
	release := make(chan struct{})
	entered := make(chan struct{})
	sink := &blockingSink{entered: entered, release: release}
	s := newStore(t, m, sink)
	ctx := context.Background()

	s.Append(ctx, events("a"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.DrainAndRetry(ctx)
	}()
	<-entered

	appended := make(chan struct{})
	go func() {
		defer close(appended)
		s.Append(ctx, events("b"))
	}()
	close(release)
	<-done
	<-appended

	assert.Equal(t, []string{"b"}, storedIDs(t, s))
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSink) InsertEvents(context.Context, []store.TelemetryEvent) error {
	close(b.entered)
	<-b.release
	return nil
}

func TestClear(t *testing.T) {
	s := newStore(t, kv.NewMemory(), &fakeSink{})
	ctx := context.Background()
	s.Append(ctx, events("a"))
	require.NoError(t, s.Clear(ctx))
	assert.Empty(t, storedIDs(t, s))
}

func TestCustomKey(t *testing.T) {
	m := kv.NewMemory()
	s := New(Options{Medium: m, Key: "other"})
	s.Append(context.Background(), events("a"))
	_, ok, _ := m.GetItem(context.Background(), "other")
	assert.True(t, ok)
}

func TestDrainMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &fakeSink{err: errors.New("offline")}
	s := New(Options{
		Medium:  kv.NewMemory(),
		Sink:    sink,
		Metrics: telemetry.NewMetrics(reg),
	})
	ctx := context.Background()

	s.DrainAndRetry(ctx)
	s.Append(ctx, events("a"))
	s.DrainAndRetry(ctx)
	sink.err = nil
	s.DrainAndRetry(ctx)

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP beacon_retry_drains_total Retry store drain attempts, by result
# TYPE beacon_retry_drains_total counter
beacon_retry_drains_total{result="delivered"} 1
beacon_retry_drains_total{result="empty"} 1
beacon_retry_drains_total{result="failed"} 1
`), "beacon_retry_drains_total")
	assert.NoError(t, err)
}
