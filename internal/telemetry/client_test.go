package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abhisek/beacon/internal/kv"
	"github.com/abhisek/beacon/internal/retrystore"
	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
)

type fakeSink struct {
	mu      sync.Mutex
	fail    bool
	batches [][]store.TelemetryEvent
}

func (s *fakeSink) InsertEvents(_ context.Context, events []store.TelemetryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]store.TelemetryEvent(nil), events...))
	if s.fail {
		return errors.New("backend unavailable")
	}
	return nil
}

func (s *fakeSink) Batches() [][]store.TelemetryEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]store.TelemetryEvent(nil), s.batches...)
}

type harness struct {
	client *telemetry.Client
	sink   *fakeSink
	retry  *retrystore.Store
	auth   *telemetry.AuthState
	clock  *quartz.Mock
}

func newHarness(t *testing.T, fail bool) *harness {
	t.Helper()
	h := &harness{
		sink:  &fakeSink{fail: fail},
		auth:  &telemetry.AuthState{},
		clock: quartz.NewMock(t),
	}
	h.retry = retrystore.New(retrystore.Options{
		Medium: kv.NewMemory(),
		Sink:   h.sink,
		Logger: zaptest.NewLogger(t),
	})

	var seq int
	var seqMu sync.Mutex
	h.client = telemetry.NewClient(telemetry.Options{
		Sink:        h.sink,
		Failures:    h.retry,
		Identity:    h.auth,
		CurrentPath: func() string { return "/games" },
		Clock:       h.clock,
		Logger:      zaptest.NewLogger(t),
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("e%02d", seq)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.client.Open(ctx)
	t.Cleanup(func() {
		h.client.Dispose(context.Background())
		cancel()
	})
	return h
}

func ids(events []store.TelemetryEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.ID
	}
	return out
}

func TestSizeTriggerFlushesAtBatchSize(t *testing.T) {
	h := newHarness(t, false)
	h.auth.SignIn("u1")

	for i := range 4 {
		h.client.Enqueue("page_view", map[string]any{"n": i})
	}
	assert.Equal(t, 4, h.client.Pending())
	assert.Empty(t, h.sink.Batches(), "below threshold nothing is sent")

	h.client.Enqueue("page_view", map[string]any{"n": 4})
	assert.Equal(t, 0, h.client.Pending())

	// Flush waits for every batch dispatched before it.
	h.client.Flush(context.Background())

	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"e01", "e02", "e03", "e04", "e05"}, ids(batches[0]))
}

func TestTimeTriggerFlushesSmallQueue(t *testing.T) {
	h := newHarness(t, false)
	h.auth.SignIn("u1")
	ctx := context.Background()

	h.client.Enqueue("login", nil)
	h.client.Enqueue("page_view", map[string]any{"path": "/games"})

	h.clock.Advance(telemetry.DefaultFlushInterval).MustWait(ctx)
	assert.Equal(t, 0, h.client.Pending())

	h.client.Flush(ctx)
	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"e01", "e02"}, ids(batches[0]))

	// An idle interval sends nothing.
	h.clock.Advance(telemetry.DefaultFlushInterval).MustWait(ctx)
	h.client.Flush(ctx)
	assert.Len(t, h.sink.Batches(), 1)
}

func TestEnqueueWithoutUserIsNoop(t *testing.T) {
	h := newHarness(t, false)

	h.client.Enqueue("page_view", nil)
	assert.Equal(t, 0, h.client.Pending())

	h.auth.SignInGuest()
	h.client.Enqueue("page_view", nil)
	assert.Equal(t, 0, h.client.Pending())

	h.client.Flush(context.Background())
	assert.Empty(t, h.sink.Batches())
}

func TestEventFields(t *testing.T) {
	h := newHarness(t, false)
	h.auth.SignIn("u1")
	h.client.BindSession("s1")

	payload := map[string]any{"game_id": "g1"}
	h.client.Enqueue("game_start", payload)
	payload["game_id"] = "mutated"

	events := h.client.Queued()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, "/games", e.PagePath)
	assert.Equal(t, "g1", e.Payload["game_id"], "payload is copied at enqueue")
	assert.True(t, e.CreatedAt.Equal(h.clock.Now()))

	h.client.ClearSession()
	h.client.Enqueue("logout", nil)
	events = h.client.Queued()
	require.Len(t, events, 2)
	assert.Empty(t, events[1].SessionID)
}

func TestQueuedLeavesQueueInPlace(t *testing.T) {
	h := newHarness(t, false)
	h.auth.SignIn("u1")
	ctx := context.Background()

	h.client.Enqueue("page_view", map[string]any{"path": "/games"})
	h.client.Enqueue("game_start", map[string]any{"game_id": "g1"})

	copied := h.client.Queued()
	require.Len(t, copied, 2)
	copied[0].EventType = "changed"
	assert.Equal(t, 2, h.client.Pending())

	h.client.Flush(ctx)
	batches := h.sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"e01", "e02"}, ids(batches[0]))
	assert.Equal(t, "page_view", batches[0][0].EventType)
}

func TestFailedFlushMovesBatchToRetryStore(t *testing.T) {
	h := newHarness(t, true)
	h.auth.SignIn("u1")
	ctx := context.Background()

	h.client.Enqueue("login", nil)
	h.client.Enqueue("page_view", nil)
	h.client.Flush(ctx)

	assert.Equal(t, 0, h.client.Pending(), "failed events are not re-queued")
	stored, err := h.retry.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e01", "e02"}, ids(stored))
}

func TestFailingBackendKeepsEveryEventInOrder(t *testing.T) {
	h := newHarness(t, true)
	h.auth.SignIn("u1")
	ctx := context.Background()

	for i := range 12 {
		h.client.Enqueue("page_view", map[string]any{"n": i})
	}
	h.client.Flush(ctx)

	batches := h.sink.Batches()
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 5)
	assert.Len(t, batches[1], 5)
	assert.Len(t, batches[2], 2)

	stored, err := h.retry.Events(ctx)
	require.NoError(t, err)
	want := make([]string, 12)
	for i := range want {
		want[i] = fmt.Sprintf("e%02d", i+1)
	}
	assert.Equal(t, want, ids(stored))
}

func TestDisposeFlushesRemainder(t *testing.T) {
	sink := &fakeSink{}
	auth := &telemetry.AuthState{}
	auth.SignIn("u1")
	c := telemetry.NewClient(telemetry.Options{
		Sink:     sink,
		Identity: auth,
		Clock:    quartz.NewMock(t),
	})
	c.Open(context.Background())
	c.Open(context.Background()) // idempotent

	c.Enqueue("login", nil)
	c.Dispose(context.Background())
	require.Len(t, sink.Batches(), 1)

	// Without the worker, Flush delivers inline.
	c.Enqueue("logout", nil)
	c.Flush(context.Background())
	require.Len(t, sink.Batches(), 2)
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	h := newHarness(t, false)
	h.auth.SignIn("u1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				h.client.Enqueue("page_view", nil)
			}
		}()
	}
	wg.Wait()
	h.client.Flush(context.Background())

	seen := map[string]bool{}
	for _, b := range h.sink.Batches() {
		for _, e := range b {
			assert.False(t, seen[e.ID], "duplicate %s", e.ID)
			seen[e.ID] = true
		}
	}
	assert.Len(t, seen, 200)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := &fakeSink{fail: true}
	auth := &telemetry.AuthState{}
	c := telemetry.NewClient(telemetry.Options{
		Sink:     sink,
		Identity: auth,
		Clock:    quartz.NewMock(t),
		Metrics:  telemetry.NewMetrics(reg),
	})

	c.Enqueue("page_view", nil) // dropped, nobody signed in
	auth.SignIn("u1")
	c.Enqueue("page_view", nil)
	c.Enqueue("page_view", nil)
	c.Flush(context.Background())

	err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP beacon_events_dropped_total Telemetry events dropped because no tracked user was signed in
# TYPE beacon_events_dropped_total counter
beacon_events_dropped_total 1
# HELP beacon_events_enqueued_total Telemetry events accepted into the live queue
# TYPE beacon_events_enqueued_total counter
beacon_events_enqueued_total 2
# HELP beacon_events_failed_total Telemetry events copied to the retry store after a failed flush
# TYPE beacon_events_failed_total counter
beacon_events_failed_total 2
`), "beacon_events_dropped_total", "beacon_events_enqueued_total", "beacon_events_failed_total")
	assert.NoError(t, err)
}

func TestTrackers(t *testing.T) {
	h := newHarness(t, false)
	h.auth.SignIn("u1")

	h.client.TrackPageView("/games")
	h.client.TrackGameStart("g1", map[string]any{"mode": "quiz"})
	h.client.TrackGameEnd("g1", 0.9, 45, nil)
	h.client.TrackAssetCreated("deck", "d1")

	events := h.client.Queued()
	require.Len(t, events, 4)
	assert.Equal(t, telemetry.EventPageView, events[0].EventType)
	assert.Equal(t, "/games", events[0].Payload["path"])
	assert.Equal(t, "quiz", events[1].Payload["mode"])
	assert.Equal(t, "g1", events[1].Payload["game_id"])
	assert.Equal(t, 0.9, events[2].Payload["score"])
	assert.Equal(t, int64(45), events[2].Payload["xp"])
	assert.Equal(t, "d1", events[3].Payload["asset_id"])
}

func TestAuthState(t *testing.T) {
	var a telemetry.AuthState
	_, ok := a.CurrentUser()
	assert.False(t, ok)

	a.SignIn("u1")
	id, ok := a.CurrentUser()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	a.SignInGuest()
	_, ok = a.CurrentUser()
	assert.False(t, ok)
	assert.True(t, a.IsGuest())

	a.SignOut()
	assert.False(t, a.IsGuest())
}
