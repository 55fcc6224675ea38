package store

import (
	"context"
	"fmt"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

// Table names.
const (
	tableSessions    = "sessions"
	tableEvents      = "telemetry_events"
	tableDailyStats  = "daily_stats"
	tableKV          = "kv_items"
	dailyStatUserDay = "dailystat_user_id_stat_date"
)

var (
	// SessionsColumns holds the columns for the "sessions" table.
	SessionsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "user_id", Type: field.TypeString},
		{Name: "device", Type: field.TypeString, Default: DeviceDesktop},
		{Name: "started_at", Type: field.TypeTime},
		{Name: "ended_at", Type: field.TypeTime, Nullable: true},
		{Name: "duration_seconds", Type: field.TypeInt64, Nullable: true},
	}
	// SessionsTable holds the schema information for the "sessions" table.
	SessionsTable = &schema.Table{
		Name:       tableSessions,
		Columns:    SessionsColumns,
		PrimaryKey: []*schema.Column{SessionsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "session_user_id", Columns: []*schema.Column{SessionsColumns[1]}},
			{Name: "session_started_at", Columns: []*schema.Column{SessionsColumns[3]}},
		},
	}

	// EventsColumns holds the columns for the "telemetry_events" table.
	EventsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString},
		{Name: "user_id", Type: field.TypeString},
		{Name: "session_id", Type: field.TypeString, Nullable: true},
		{Name: "event_type", Type: field.TypeString},
		{Name: "payload", Type: field.TypeJSON, Nullable: true},
		{Name: "page_path", Type: field.TypeString, Default: ""},
		{Name: "created_at", Type: field.TypeTime},
	}
	// EventsTable holds the schema information for the "telemetry_events" table.
	EventsTable = &schema.Table{
		Name:       tableEvents,
		Columns:    EventsColumns,
		PrimaryKey: []*schema.Column{EventsColumns[0]},
		Indexes: []*schema.Index{
			{Name: "telemetryevent_user_id", Columns: []*schema.Column{EventsColumns[1]}},
			{Name: "telemetryevent_event_type", Columns: []*schema.Column{EventsColumns[3]}},
			{Name: "telemetryevent_created_at", Columns: []*schema.Column{EventsColumns[6]}},
		},
	}

	// DailyStatsColumns holds the columns for the "daily_stats" table.
	DailyStatsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt, Increment: true},
		{Name: "user_id", Type: field.TypeString},
		{Name: "stat_date", Type: field.TypeString},
		{Name: "total_sessions", Type: field.TypeInt64, Default: 0},
		{Name: "total_time_seconds", Type: field.TypeInt64, Default: 0},
		{Name: "games_played", Type: field.TypeInt64, Default: 0},
		{Name: "games_completed", Type: field.TypeInt64, Default: 0},
		{Name: "xp_earned", Type: field.TypeInt64, Default: 0},
		{Name: "assets_created", Type: field.TypeInt64, Default: 0},
		{Name: "pages_visited", Type: field.TypeInt64, Default: 0},
	}
	// DailyStatsTable holds the schema information for the "daily_stats" table.
	DailyStatsTable = &schema.Table{
		Name:       tableDailyStats,
		Columns:    DailyStatsColumns,
		PrimaryKey: []*schema.Column{DailyStatsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    dailyStatUserDay,
				Unique:  true,
				Columns: []*schema.Column{DailyStatsColumns[1], DailyStatsColumns[2]},
			},
		},
	}

	// KVColumns holds the columns for the "kv_items" table.
	KVColumns = []*schema.Column{
		{Name: "key", Type: field.TypeString},
		{Name: "value", Type: field.TypeString, Size: 2147483647},
		{Name: "updated_at", Type: field.TypeTime},
	}
	// KVTable holds the schema information for the "kv_items" table.
	KVTable = &schema.Table{
		Name:       tableKV,
		Columns:    KVColumns,
		PrimaryKey: []*schema.Column{KVColumns[0]},
	}

	// Tables holds all the tables in the schema.
	Tables = []*schema.Table{
		SessionsTable,
		EventsTable,
		DailyStatsTable,
		KVTable,
	}
)

// migrate creates or upgrades every table in Tables.
func migrate(ctx context.Context, drv dialect.Driver) error {
	m, err := schema.NewMigrate(drv)
	if err != nil {
		return fmt.Errorf("new migrate: %w", err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}
