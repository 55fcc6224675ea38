package store

import (
	"errors"
	"time"
)

// ErrUnknownCounter is returned when a daily stat counter name is not one of
// the known counters.
var ErrUnknownCounter = errors.New("unknown daily stat counter")

// Device classes recorded on a session.
const (
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
	DeviceDesktop = "desktop"
)

// Session is one continuous period of app usage.
type Session struct {
	ID              string
	UserID          string
	Device          string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int64
}

// SessionUpdate carries the fields rewritten on a session row. Nil fields are
// left untouched.
type SessionUpdate struct {
	EndedAt         *time.Time
	DurationSeconds *int64
}

// TelemetryEvent is one discrete fact about a user action.
type TelemetryEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	PagePath  string         `json:"page_path"`
	CreatedAt time.Time      `json:"created_at"`
}

// Counter names a daily stat counter.
type Counter string

const (
	CounterTotalSessions    Counter = "total_sessions"
	CounterTotalTimeSeconds Counter = "total_time_seconds"
	CounterGamesPlayed      Counter = "games_played"
	CounterGamesCompleted   Counter = "games_completed"
	CounterXPEarned         Counter = "xp_earned"
	CounterAssetsCreated    Counter = "assets_created"
	CounterPagesVisited     Counter = "pages_visited"
)

// Counters lists every known counter in display order.
var Counters = []Counter{
	CounterTotalSessions,
	CounterTotalTimeSeconds,
	CounterGamesPlayed,
	CounterGamesCompleted,
	CounterXPEarned,
	CounterAssetsCreated,
	CounterPagesVisited,
}

// Valid reports whether c is a known counter.
func (c Counter) Valid() bool {
	for _, known := range Counters {
		if c == known {
			return true
		}
	}
	return false
}

// DailyStat is one user's rollup for one calendar day.
type DailyStat struct {
	UserID           string
	StatDate         string // YYYY-MM-DD, client local
	TotalSessions    int64
	TotalTimeSeconds int64
	GamesPlayed      int64
	GamesCompleted   int64
	XPEarned         int64
	AssetsCreated    int64
	PagesVisited     int64
}

// Get returns the value of the named counter.
func (d *DailyStat) Get(c Counter) (int64, error) {
	p, err := d.field(c)
	if err != nil {
		return 0, err
	}
	return *p, nil
}

// Add adds delta to the named counter.
func (d *DailyStat) Add(c Counter, delta int64) error {
	p, err := d.field(c)
	if err != nil {
		return err
	}
	*p += delta
	return nil
}

func (d *DailyStat) field(c Counter) (*int64, error) {
	switch c {
	case CounterTotalSessions:
		return &d.TotalSessions, nil
	case CounterTotalTimeSeconds:
		return &d.TotalTimeSeconds, nil
	case CounterGamesPlayed:
		return &d.GamesPlayed, nil
	case CounterGamesCompleted:
		return &d.GamesCompleted, nil
	case CounterXPEarned:
		return &d.XPEarned, nil
	case CounterAssetsCreated:
		return &d.AssetsCreated, nil
	case CounterPagesVisited:
		return &d.PagesVisited, nil
	}
	return nil, ErrUnknownCounter
}

// QueryOpts configures list queries with filtering and pagination.
type QueryOpts struct {
	Limit  int    // max results (0 = unlimited)
	UserID string // restrict to one user ("" = all)
	From   time.Time
	To     time.Time
}
