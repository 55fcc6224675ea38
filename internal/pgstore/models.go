package pgstore

import (
	"encoding/json"
	"time"

	"github.com/abhisek/beacon/internal/store"
)

type sessionRow struct {
	ID              string     `gorm:"primaryKey;type:varchar(36)"`
	UserID          string     `gorm:"not null;index"`
	Device          string     `gorm:"not null;default:desktop"`
	StartedAt       time.Time  `gorm:"not null;index"`
	EndedAt         *time.Time
	DurationSeconds *int64
}

func (sessionRow) TableName() string { return "sessions" }

func (r sessionRow) toStore() store.Session {
	return store.Session{
		ID:              r.ID,
		UserID:          r.UserID,
		Device:          r.Device,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
		DurationSeconds: r.DurationSeconds,
	}
}

type eventRow struct {
	ID        string          `gorm:"primaryKey;type:varchar(36)"`
	UserID    string          `gorm:"not null;index"`
	SessionID *string         `gorm:"index"`
	EventType string          `gorm:"not null;index"`
	Payload   json.RawMessage `gorm:"type:jsonb"`
	PagePath  string
	CreatedAt time.Time `gorm:"not null;index"`
}

func (eventRow) TableName() string { return "telemetry_events" }

func (r eventRow) toStore() (store.TelemetryEvent, error) {
	e := store.TelemetryEvent{
		ID:        r.ID,
		UserID:    r.UserID,
		EventType: r.EventType,
		PagePath:  r.PagePath,
		CreatedAt: r.CreatedAt,
	}
	if r.SessionID != nil {
		e.SessionID = *r.SessionID
	}
	if len(r.Payload) > 0 && string(r.Payload) != "null" {
		if err := json.Unmarshal(r.Payload, &e.Payload); err != nil {
			return e, err
		}
	}
	return e, nil
}

type dailyStatRow struct {
	ID               uint   `gorm:"primaryKey"`
	UserID           string `gorm:"not null;uniqueIndex:idx_daily_stats_user_date"`
	StatDate         string `gorm:"type:varchar(10);not null;uniqueIndex:idx_daily_stats_user_date"`
	TotalSessions    int64  `gorm:"not null;default:0"`
	TotalTimeSeconds int64  `gorm:"not null;default:0"`
	GamesPlayed      int64  `gorm:"not null;default:0"`
	GamesCompleted   int64  `gorm:"not null;default:0"`
	XPEarned         int64  `gorm:"column:xp_earned;not null;default:0"`
	AssetsCreated    int64  `gorm:"not null;default:0"`
	PagesVisited     int64  `gorm:"not null;default:0"`
}

func (dailyStatRow) TableName() string { return "daily_stats" }

func newDailyStatRow(d store.DailyStat) dailyStatRow {
	return dailyStatRow{
		UserID:           d.UserID,
		StatDate:         d.StatDate,
		TotalSessions:    d.TotalSessions,
		TotalTimeSeconds: d.TotalTimeSeconds,
		GamesPlayed:      d.GamesPlayed,
		GamesCompleted:   d.GamesCompleted,
		XPEarned:         d.XPEarned,
		AssetsCreated:    d.AssetsCreated,
		PagesVisited:     d.PagesVisited,
	}
}

func (r dailyStatRow) toStore() store.DailyStat {
	return store.DailyStat{
		UserID:           r.UserID,
		StatDate:         r.StatDate,
		TotalSessions:    r.TotalSessions,
		TotalTimeSeconds: r.TotalTimeSeconds,
		GamesPlayed:      r.GamesPlayed,
		GamesCompleted:   r.GamesCompleted,
		XPEarned:         r.XPEarned,
		AssetsCreated:    r.AssetsCreated,
		PagesVisited:     r.PagesVisited,
	}
}

type kvRow struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (kvRow) TableName() string { return "kv_items" }

var models = []any{
	&sessionRow{},
	&eventRow{},
	&dailyStatRow{},
	&kvRow{},
}
