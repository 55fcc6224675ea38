// Package telemetry buffers user activity events in memory and delivers them
// to the backend in batches. Batches are cut when the queue reaches the
// batch size or when the flush timer fires; failed batches are handed to a
// FailureStore instead of being re-queued.
package telemetry

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/store"
)

const (
	// DefaultBatchSize is the queue length that triggers an immediate flush.
	DefaultBatchSize = 5

	// DefaultFlushInterval bounds delivery latency for quiet sessions.
	DefaultFlushInterval = 10 * time.Second
)

var errNoSink = errors.New("no telemetry sink configured")

// Sink accepts event batches. InsertEvents must be all-or-nothing.
type Sink interface {
	InsertEvents(ctx context.Context, events []store.TelemetryEvent) error
}

// FailureStore receives batches the Sink rejected.
type FailureStore interface {
	Append(ctx context.Context, events []store.TelemetryEvent)
}

// Options configures a Client.
type Options struct {
	Sink     Sink
	Failures FailureStore
	Identity Identity

	// CurrentPath returns the page or screen the user is on.
	CurrentPath func() string

	Clock   quartz.Clock
	Logger  *zap.Logger
	Metrics *Metrics

	BatchSize     int
	FlushInterval time.Duration

	// NewID generates event IDs. Default: uuid.NewString.
	NewID func() string
}

// Client is the event batcher. It owns the live queue, the current session
// ID and the delivery worker. Enqueue never waits on I/O.
type Client struct {
	sink      Sink
	failures  FailureStore
	identity  Identity
	path      func() string
	clock     quartz.Clock
	log       *zap.Logger
	metrics   *Metrics
	batchSize int
	interval  time.Duration
	newID     func() string

	// mu guards queue, sessionID and pending. Taking the queue and
	// dispatching it happen under one critical section so batches reach
	// the worker in the order they were cut.
	mu        sync.Mutex
	queue     []store.TelemetryEvent
	sessionID string
	pending   []*batch

	// deliverMu serializes deliveries between the worker and inline
	// flushes while the worker is stopped.
	deliverMu sync.Mutex
	wake      chan struct{}

	lifeMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type batch struct {
	events []store.TelemetryEvent
	done   chan struct{}
}

// NewClient creates a Client. Call Open to start timed delivery.
func NewClient(opts Options) *Client {
	c := &Client{
		sink:      opts.Sink,
		failures:  opts.Failures,
		identity:  opts.Identity,
		path:      opts.CurrentPath,
		clock:     opts.Clock,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		batchSize: opts.BatchSize,
		interval:  opts.FlushInterval,
		newID:     opts.NewID,
		wake:      make(chan struct{}, 1),
	}
	if c.clock == nil {
		c.clock = quartz.NewReal()
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.log = c.log.Named("telemetry")
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}
	if c.interval <= 0 {
		c.interval = DefaultFlushInterval
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.path == nil {
		c.path = func() string { return "" }
	}
	return c
}

// Open starts the delivery worker and the flush timer. Calling Open on an
// open client does nothing.
func (c *Client) Open(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.processLoop(runCtx, c.done)

	c.clock.TickerFunc(runCtx, c.interval, func() error {
		c.flushAsync()
		return nil
	}, "telemetry", "flush")
}

// Dispose stops the flush timer and the worker, then delivers whatever is
// still queued. The client can be reopened afterwards.
func (c *Client) Dispose(ctx context.Context) {
	c.lifeMu.Lock()
	if c.running {
		c.cancel()
		<-c.done
		c.running = false
	}
	c.lifeMu.Unlock()

	c.Flush(ctx)
}

// Enqueue records an event for the current user. It is a no-op when no
// tracked user is signed in. When the queue reaches the batch size it is
// handed to the worker immediately.
func (c *Client) Enqueue(eventType string, payload map[string]any) {
	if c.identity == nil {
		c.metrics.dropped()
		return
	}
	userID, ok := c.identity.CurrentUser()
	if !ok {
		c.metrics.dropped()
		return
	}

	e := store.TelemetryEvent{
		ID:        c.newID(),
		UserID:    userID,
		EventType: eventType,
		Payload:   maps.Clone(payload),
		PagePath:  c.path(),
		CreatedAt: c.clock.Now(),
	}

	c.mu.Lock()
	e.SessionID = c.sessionID
	c.queue = append(c.queue, e)
	depth := len(c.queue)
	if depth >= c.batchSize {
		c.dispatchLocked()
		depth = 0
	}
	c.mu.Unlock()

	c.metrics.enqueued(depth)
}

// Flush hands the current queue to the worker and waits until it, and every
// batch cut before it, has been delivered or moved to the failure store.
// Delivery errors are logged, never returned.
func (c *Client) Flush(ctx context.Context) {
	c.mu.Lock()
	b := c.dispatchLocked()
	c.mu.Unlock()
	c.metrics.depth(0)

	c.lifeMu.Lock()
	running := c.running
	c.lifeMu.Unlock()
	if !running {
		c.processPending(ctx)
	}

	select {
	case <-b.done:
	case <-ctx.Done():
	}
}

// flushAsync cuts a batch for the worker without waiting for it.
func (c *Client) flushAsync() {
	c.mu.Lock()
	if len(c.queue) > 0 {
		c.dispatchLocked()
	}
	c.mu.Unlock()
	c.metrics.depth(0)
}

// dispatchLocked moves the whole queue into a pending batch. An empty queue
// still produces a batch so Flush has something to wait on. c.mu must be
// held.
func (c *Client) dispatchLocked() *batch {
	b := &batch{events: c.queue, done: make(chan struct{})}
	c.queue = nil
	c.pending = append(c.pending, b)
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return b
}

// Queued returns a copy of the events not yet handed to the worker. The
// queue itself is left in place for regular delivery.
func (c *Client) Queued() []store.TelemetryEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.queue)
}

// Pending returns the number of events in the live queue.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// BindSession attaches sessionID to every event enqueued from now on.
func (c *Client) BindSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// ClearSession detaches the current session.
func (c *Client) ClearSession() {
	c.BindSession("")
}

// SessionID returns the bound session ID, or "" if none.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) processLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	// Deliveries outlive cancellation of the loop so a batch in flight is
	// never cut short by Dispose.
	deliverCtx := context.WithoutCancel(ctx)
	c.processPending(deliverCtx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
			c.processPending(deliverCtx)
		}
	}
}

// processPending delivers pending batches in order until none remain.
func (c *Client) processPending(ctx context.Context) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.mu.Unlock()
			return
		}
		b := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.mu.Unlock()

		c.deliver(ctx, b.events)
		close(b.done)
	}
}

func (c *Client) deliver(ctx context.Context, events []store.TelemetryEvent) {
	if len(events) == 0 {
		return
	}

	err := errNoSink
	if c.sink != nil {
		err = c.sink.InsertEvents(ctx, events)
	}
	if err == nil {
		c.metrics.delivered(len(events))
		c.log.Debug("batch delivered", zap.Int("events", len(events)))
		return
	}

	c.metrics.failed(len(events))
	c.log.Warn("batch delivery failed, moving to retry store",
		zap.Int("events", len(events)),
		zap.Error(err),
	)
	if c.failures != nil {
		c.failures.Append(ctx, events)
	}
}
