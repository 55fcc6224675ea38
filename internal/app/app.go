// Package app is the surface the host application talks to. One user
// action fans out to the event batcher, the session manager and the daily
// stat updater.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/dailystat"
	"github.com/abhisek/beacon/internal/kv"
	"github.com/abhisek/beacon/internal/retrystore"
	"github.com/abhisek/beacon/internal/session"
	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
	"github.com/abhisek/beacon/internal/unload"
)

// Repo is the backend the pipeline writes to.
type Repo interface {
	telemetry.Sink
	session.Repo
	dailystat.Repo
}

// Options configures a Runtime.
type Options struct {
	Repo Repo

	// Medium holds failed batches. Default: in-memory.
	Medium   kv.Medium
	RetryKey string

	// Transport carries teardown beacons. Nil disables them.
	Transport unload.BestEffortTransport

	Clock    quartz.Clock
	Logger   *zap.Logger
	Metrics  *telemetry.Metrics
	Location *time.Location

	BatchSize           int
	FlushInterval       time.Duration
	HeartbeatInterval   time.Duration
	SerializeDailyStats bool

	// ViewportWidth reports the host's viewport width for the device class.
	ViewportWidth func() int
}

// Runtime owns one user's telemetry pipeline for the life of the process.
type Runtime struct {
	auth     *telemetry.AuthState
	events   *telemetry.Client
	retry    *retrystore.Store
	sessions *session.Manager
	stats    *dailystat.Updater
	net      *unload.SafetyNet
	log      *zap.Logger

	// ctx outlives individual calls; background counter updates run on it.
	ctx context.Context
	bg  sync.WaitGroup

	pathMu sync.RWMutex
	path   string
}

// New wires the pipeline. Call Open before the first Login.
func New(opts Options) *Runtime {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	r := &Runtime{
		auth: &telemetry.AuthState{},
		log:  log.Named("app"),
		ctx:  context.Background(),
	}

	r.retry = retrystore.New(retrystore.Options{
		Medium:  opts.Medium,
		Sink:    opts.Repo,
		Key:     opts.RetryKey,
		Logger:  log,
		Metrics: opts.Metrics,
	})
	r.events = telemetry.NewClient(telemetry.Options{
		Sink:          opts.Repo,
		Failures:      r.retry,
		Identity:      r.auth,
		CurrentPath:   r.currentPath,
		Clock:         clock,
		Logger:        log,
		Metrics:       opts.Metrics,
		BatchSize:     opts.BatchSize,
		FlushInterval: opts.FlushInterval,
	})
	r.stats = dailystat.New(dailystat.Options{
		Repo:      opts.Repo,
		Identity:  r.auth,
		Clock:     clock,
		Location:  opts.Location,
		Logger:    log,
		Serialize: opts.SerializeDailyStats,
	})
	r.sessions = session.NewManager(session.Options{
		Repo:              opts.Repo,
		Events:            r.events,
		Stats:             r.stats,
		Retry:             r.retry,
		Identity:          r.auth,
		Clock:             clock,
		Logger:            log,
		HeartbeatInterval: opts.HeartbeatInterval,
		ViewportWidth:     opts.ViewportWidth,
	})
	r.net = unload.New(unload.Options{
		Sessions:  r.sessions,
		Queue:     r.events,
		Transport: opts.Transport,
		Clock:     clock,
		Logger:    log,
	})
	return r
}

// Open starts timed delivery. ctx bounds the pipeline's background work.
func (r *Runtime) Open(ctx context.Context) {
	r.ctx = context.WithoutCancel(ctx)
	r.events.Open(ctx)
}

// Login signs userID in and opens a session for them. A session still
// open for another user is closed first.
func (r *Runtime) Login(ctx context.Context, userID string) {
	if cur, ok := r.sessions.Current(); ok && cur.UserID != userID {
		r.Logout(ctx)
	}
	r.auth.SignIn(userID)
	r.sessions.Start(ctx)
}

// LoginGuest switches to guest mode. Nothing is tracked for guests.
func (r *Runtime) LoginGuest(ctx context.Context) {
	if r.sessions.IsOpen() {
		r.Logout(ctx)
	}
	r.auth.SignInGuest()
}

// Logout closes the session, delivers the logout event and signs out.
func (r *Runtime) Logout(ctx context.Context) {
	r.sessions.End(ctx)
	r.events.Flush(ctx)
	r.Wait()
	r.auth.SignOut()
}

// PageView records a visit to path and counts it for today.
func (r *Runtime) PageView(path string) {
	r.pathMu.Lock()
	r.path = path
	r.pathMu.Unlock()

	r.events.TrackPageView(path)
	r.count(dailystat.Deltas{store.CounterPagesVisited: 1})
}

// GameStart records the start of a game and counts it as played.
func (r *Runtime) GameStart(gameID string) {
	r.events.TrackGameStart(gameID, nil)
	r.count(dailystat.Deltas{store.CounterGamesPlayed: 1})
}

// GameEnd records a finished game and credits the XP it earned.
func (r *Runtime) GameEnd(gameID string, score float64, xp int64) {
	r.events.TrackGameEnd(gameID, score, xp, nil)
	r.count(dailystat.Deltas{
		store.CounterGamesCompleted: 1,
		store.CounterXPEarned:       xp,
	})
}

// AssetCreated records a user-created asset.
func (r *Runtime) AssetCreated(kind, id string) {
	r.events.TrackAssetCreated(kind, id)
	r.count(dailystat.Deltas{store.CounterAssetsCreated: 1})
}

// Teardown fires the unload safety net. It does not wait for I/O.
func (r *Runtime) Teardown() {
	r.net.Fire()
}

// Watch fires the safety net on the given signals (default: interrupt and
// SIGTERM). See unload.SafetyNet.Watch.
func (r *Runtime) Watch(ctx context.Context) <-chan struct{} {
	fired := r.net.Watch(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-fired:
			close(done)
		case <-ctx.Done():
		}
	}()
	return done
}

// Wait blocks until background counter updates have finished.
func (r *Runtime) Wait() {
	r.bg.Wait()
}

// Close stops the heartbeat and the flush timer and delivers what is still
// queued. An open session is left open; its last heartbeat marks its end.
func (r *Runtime) Close(ctx context.Context) {
	r.Wait()
	r.sessions.Close()
	r.events.Dispose(ctx)
}

// Session returns the open session, if any.
func (r *Runtime) Session() (session.Snapshot, bool) {
	return r.sessions.Current()
}

// Events exposes the batcher, for inspection.
func (r *Runtime) Events() *telemetry.Client {
	return r.events
}

// Retry exposes the retry store.
func (r *Runtime) Retry() *retrystore.Store {
	return r.retry
}

// Stats exposes the daily stat updater.
func (r *Runtime) Stats() *dailystat.Updater {
	return r.stats
}

// count applies deltas for the current user without blocking the caller.
func (r *Runtime) count(deltas dailystat.Deltas) {
	userID, ok := r.auth.CurrentUser()
	if !ok {
		return
	}
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.stats.IncrementFor(r.ctx, userID, deltas)
	}()
}

func (r *Runtime) currentPath() string {
	r.pathMu.RLock()
	defer r.pathMu.RUnlock()
	return r.path
}
