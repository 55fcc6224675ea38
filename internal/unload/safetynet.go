// Package unload sends a last-chance copy of unsent telemetry and the open
// session's end time when the process is being torn down.
package unload

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/session"
	"github.com/abhisek/beacon/internal/store"
)

// Destinations used when Options leaves them empty. They match the
// collector's routes.
const (
	DefaultEventsDest  = "/v1/beacon/events"
	DefaultSessionDest = "/v1/beacon/session"
)

// BestEffortTransport queues a payload for delivery without waiting for it.
// Send reports whether the payload was accepted, not whether it arrived.
type BestEffortTransport interface {
	Send(dest string, payload []byte) bool
}

// SessionSource exposes the open session, if any.
type SessionSource interface {
	Current() (session.Snapshot, bool)
}

// Queue exposes a copy of the events not yet flushed.
type Queue interface {
	Queued() []store.TelemetryEvent
}

// SessionBeacon is the session payload sent on teardown.
type SessionBeacon struct {
	SessionID       string    `json:"session_id" validate:"required"`
	UserID          string    `json:"user_id" validate:"required"`
	EndedAt         time.Time `json:"ended_at" validate:"required"`
	DurationSeconds int64     `json:"duration_seconds" validate:"gte=0"`
}

// Options configures a SafetyNet.
type Options struct {
	Sessions    SessionSource
	Queue       Queue
	Transport   BestEffortTransport
	Clock       quartz.Clock
	Logger      *zap.Logger
	EventsDest  string
	SessionDest string
}

// SafetyNet fires once per teardown. It never blocks on I/O.
type SafetyNet struct {
	sessions    SessionSource
	queue       Queue
	transport   BestEffortTransport
	clock       quartz.Clock
	log         *zap.Logger
	eventsDest  string
	sessionDest string

	watchOnce sync.Once
	fired     chan os.Signal
}

// New creates a SafetyNet.
func New(opts Options) *SafetyNet {
	n := &SafetyNet{
		sessions:    opts.Sessions,
		queue:       opts.Queue,
		transport:   opts.Transport,
		clock:       opts.Clock,
		log:         opts.Logger,
		eventsDest:  opts.EventsDest,
		sessionDest: opts.SessionDest,
		fired:       make(chan os.Signal, 1),
	}
	if n.clock == nil {
		n.clock = quartz.NewReal()
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	n.log = n.log.Named("unload")
	if n.eventsDest == "" {
		n.eventsDest = DefaultEventsDest
	}
	if n.sessionDest == "" {
		n.sessionDest = DefaultSessionDest
	}
	return n
}

// Fire hands a copy of the unsent events and the session's end time to the
// transport. Without an open session it does nothing. The live queue is
// left alone, so the events still reach the backend through the regular
// flush if the beacon never arrives; ingest drops the duplicates by event
// ID when both get through.
func (n *SafetyNet) Fire() {
	if n.sessions == nil || n.transport == nil {
		return
	}
	cur, ok := n.sessions.Current()
	if !ok {
		return
	}

	if n.queue != nil {
		if events := n.queue.Queued(); len(events) > 0 {
			n.send(n.eventsDest, events, zap.Int("events", len(events)))
		}
	}

	now := n.clock.Now("unload", "fire")
	n.send(n.sessionDest, SessionBeacon{
		SessionID:       cur.ID,
		UserID:          cur.UserID,
		EndedAt:         now.UTC(),
		DurationSeconds: session.Duration(cur.StartedAt, now),
	}, zap.String("session_id", cur.ID))
}

func (n *SafetyNet) send(dest string, v any, field zap.Field) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		n.log.Warn("encode beacon failed", zap.String("dest", dest), field, zap.Error(err))
		return
	}
	if !n.transport.Send(dest, payload) {
		n.log.Warn("beacon not accepted", zap.String("dest", dest), field)
		return
	}
	n.log.Debug("beacon sent", zap.String("dest", dest), field)
}

// Watch calls Fire when one of sigs arrives (default: interrupt and
// SIGTERM). Only the first call registers; later calls return the same
// channel. The returned channel receives the signal after Fire returns, so
// the caller can finish shutting down.
func (n *SafetyNet) Watch(ctx context.Context, sigs ...os.Signal) <-chan os.Signal {
	n.watchOnce.Do(func() {
		if len(sigs) == 0 {
			sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
		}
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, sigs...)
		go func() {
			defer signal.Stop(ch)
			select {
			case sig := <-ch:
				n.log.Info("teardown signal", zap.Stringer("signal", sig))
				n.Fire()
				n.fired <- sig
			case <-ctx.Done():
			}
		}()
	})
	return n.fired
}
