// Package session owns the session record for one continuous period of app
// usage: it opens the row on login, keeps it fresh with a heartbeat and
// closes it with a final duration on logout.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/dailystat"
	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
)

// DefaultHeartbeatInterval is how often an open session's end time is
// rewritten.
const DefaultHeartbeatInterval = 60 * time.Second

// Repo creates and updates session rows.
type Repo interface {
	CreateSession(ctx context.Context, s store.Session) (string, error)
	UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) error
}

// Events is the part of the telemetry client the manager drives.
type Events interface {
	Enqueue(eventType string, payload map[string]any)
	Flush(ctx context.Context)
	BindSession(sessionID string)
	ClearSession()
}

// Stats receives counter increments.
type Stats interface {
	Increment(ctx context.Context, deltas dailystat.Deltas)
}

// Retrier resubmits events left over from earlier sessions.
type Retrier interface {
	DrainAndRetry(ctx context.Context)
}

// State is the lifecycle state of the manager.
type State int

const (
	StateClosed  State = iota // No session
	StateOpening              // Session row being created
	StateOpen                 // Session open, heartbeat running
	StateClosing              // Final write in progress
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	}
	return "unknown"
}

// Snapshot describes the open session.
type Snapshot struct {
	ID        string
	UserID    string
	Device    string
	StartedAt time.Time
}

// Options configures a Manager.
type Options struct {
	Repo     Repo
	Events   Events
	Stats    Stats
	Retry    Retrier
	Identity telemetry.Identity
	Clock    quartz.Clock
	Logger   *zap.Logger

	HeartbeatInterval time.Duration

	// ViewportWidth reports the current viewport width, sampled once per
	// session to pick the device class.
	ViewportWidth func() int
}

// Manager runs the session state machine. Start while a session is open
// and End while none is open are no-ops, so it is safe to call both from
// several places.
type Manager struct {
	repo      Repo
	events    Events
	stats     Stats
	retry     Retrier
	identity  telemetry.Identity
	clock     quartz.Clock
	log       *zap.Logger
	heartbeat time.Duration
	viewport  func() int

	mu       sync.Mutex
	state    State
	current  Snapshot
	hbCancel context.CancelFunc
	hbWaiter quartz.Waiter
}

// NewManager creates a Manager in the closed state.
func NewManager(opts Options) *Manager {
	m := &Manager{
		repo:      opts.Repo,
		events:    opts.Events,
		stats:     opts.Stats,
		retry:     opts.Retry,
		identity:  opts.Identity,
		clock:     opts.Clock,
		log:       opts.Logger,
		heartbeat: opts.HeartbeatInterval,
		viewport:  opts.ViewportWidth,
	}
	if m.clock == nil {
		m.clock = quartz.NewReal()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	m.log = m.log.Named("session")
	if m.heartbeat <= 0 {
		m.heartbeat = DefaultHeartbeatInterval
	}
	if m.viewport == nil {
		m.viewport = func() int { return 0 }
	}
	return m
}

// Start opens a session for the signed-in user. It creates the session
// row, emits a login event, counts the session for today, drains the retry
// store and starts the heartbeat. Without a tracked user, or while a
// session is already open, it does nothing.
func (m *Manager) Start(ctx context.Context) {
	if m.identity == nil || m.repo == nil {
		return
	}
	userID, ok := m.identity.CurrentUser()
	if !ok {
		return
	}

	m.mu.Lock()
	if m.state != StateClosed {
		state := m.state
		m.mu.Unlock()
		m.log.Debug("start ignored", zap.Stringer("state", state))
		return
	}
	m.state = StateOpening
	m.mu.Unlock()

	startedAt := m.clock.Now("session", "start")
	device := DeviceClass(m.viewport())
	id, err := m.repo.CreateSession(ctx, store.Session{
		UserID:    userID,
		Device:    device,
		StartedAt: startedAt,
	})
	if err != nil {
		m.log.Warn("create session failed", zap.String("user_id", userID), zap.Error(err))
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	m.state = StateOpen
	m.current = Snapshot{ID: id, UserID: userID, Device: device, StartedAt: startedAt}
	m.mu.Unlock()

	if m.events != nil {
		m.events.BindSession(id)
		m.events.Enqueue(telemetry.EventLogin, map[string]any{"device": device})
	}
	if m.stats != nil {
		m.stats.Increment(ctx, dailystat.Deltas{store.CounterTotalSessions: 1})
	}
	if m.retry != nil {
		m.retry.DrainAndRetry(ctx)
	}

	m.mu.Lock()
	if m.state == StateOpen && m.current.ID == id {
		m.startHeartbeatLocked(ctx, id)
	}
	m.mu.Unlock()

	m.log.Info("session started",
		zap.String("session_id", id),
		zap.String("user_id", userID),
		zap.String("device", device),
	)
}

// End closes the open session: buffered events are flushed, the final end
// time and duration are written, the duration is added to today's total
// time and a logout event is emitted. Without an open session it does
// nothing.
func (m *Manager) End(ctx context.Context) {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	m.state = StateClosing
	cur := m.current
	stop := m.stopHeartbeatLocked()
	m.mu.Unlock()

	stop()

	if m.events != nil {
		m.events.Flush(ctx)
	}

	endedAt := m.clock.Now("session", "end")
	duration := Duration(cur.StartedAt, endedAt)
	if err := m.repo.UpdateSession(ctx, cur.ID, store.SessionUpdate{
		EndedAt:         &endedAt,
		DurationSeconds: &duration,
	}); err != nil {
		m.log.Warn("close session failed", zap.String("session_id", cur.ID), zap.Error(err))
	}

	if m.stats != nil {
		m.stats.Increment(ctx, dailystat.Deltas{store.CounterTotalTimeSeconds: duration})
	}
	if m.events != nil {
		m.events.Enqueue(telemetry.EventLogout, map[string]any{"duration_seconds": duration})
		m.events.ClearSession()
	}

	m.mu.Lock()
	m.state = StateClosed
	m.current = Snapshot{}
	m.mu.Unlock()

	m.log.Info("session ended",
		zap.String("session_id", cur.ID),
		zap.Int64("duration_seconds", duration),
	)
}

// Close stops the heartbeat without finalizing the session, for when the
// owner goes away without a logout.
func (m *Manager) Close() {
	m.mu.Lock()
	stop := m.stopHeartbeatLocked()
	m.mu.Unlock()
	stop()
}

// Current returns the open session. ok is false when no session is open.
func (m *Manager) Current() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOpen && m.state != StateClosing {
		return Snapshot{}, false
	}
	return m.current, true
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether a session is open.
func (m *Manager) IsOpen() bool {
	return m.State() == StateOpen
}

// Duration returns whole seconds between start and end, never negative.
func Duration(start, end time.Time) int64 {
	d := int64(end.Sub(start) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// startHeartbeatLocked rewrites the session's end time every heartbeat
// interval without touching its duration. m.mu must be held.
func (m *Manager) startHeartbeatLocked(ctx context.Context, id string) {
	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.hbCancel = cancel
	m.hbWaiter = m.clock.TickerFunc(hbCtx, m.heartbeat, func() error {
		now := m.clock.Now("session", "heartbeat")
		if err := m.repo.UpdateSession(hbCtx, id, store.SessionUpdate{EndedAt: &now}); err != nil {
			m.log.Debug("heartbeat failed", zap.String("session_id", id), zap.Error(err))
		}
		return nil
	}, "session", "heartbeat")
}

// stopHeartbeatLocked detaches the heartbeat and returns a func that
// cancels it and waits for it to exit. m.mu must be held; call the
// returned func after releasing it.
func (m *Manager) stopHeartbeatLocked() func() {
	cancel, waiter := m.hbCancel, m.hbWaiter
	m.hbCancel, m.hbWaiter = nil, nil
	if cancel == nil {
		return func() {}
	}
	return func() {
		cancel()
		_ = waiter.Wait()
	}
}
