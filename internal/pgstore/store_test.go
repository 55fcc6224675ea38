package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/abhisek/beacon/internal/store"
)

// dryRun returns a Store whose statements are built but never executed.
func dryRun(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=beacon dbname=beacon sslmode=disable",
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)
	return &Store{db: db}, db.Session(&gorm.Session{DryRun: true})
}

func TestInsertEventsSkipsDuplicateIDs(t *testing.T) {
	s, tx := dryRun(t)
	rows, err := eventRows([]store.TelemetryEvent{
		{ID: "e1", UserID: "u1", EventType: "page_view", Payload: map[string]any{"path": "/games"}, CreatedAt: time.Now()},
		{ID: "e2", UserID: "u1", SessionID: "s1", EventType: "login", CreatedAt: time.Now()},
	})
	require.NoError(t, err)

	query := s.insertEventsQuery(tx, rows).Statement.SQL.String()
	assert.Contains(t, query, `INSERT INTO "telemetry_events"`)
	assert.Contains(t, query, `ON CONFLICT ("id") DO NOTHING`)

	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].SessionID)
	assert.JSONEq(t, `{"path":"/games"}`, string(rows[0].Payload))
	require.NotNil(t, rows[1].SessionID)
	assert.Equal(t, "s1", *rows[1].SessionID)
	assert.Empty(t, rows[1].Payload)
}

func TestUpsertDailyStatOnlyOverwritesNamedCounters(t *testing.T) {
	s, tx := dryRun(t)
	row := newDailyStatRow(store.DailyStat{UserID: "u1", StatDate: "2026-10-15", GamesPlayed: 3})

	cols, err := upsertColumns([]store.Counter{store.CounterGamesPlayed})
	require.NoError(t, err)

	query := s.upsertDailyStatQuery(tx, &row, cols).Statement.SQL.String()
	assert.Contains(t, query, `ON CONFLICT ("user_id","stat_date") DO UPDATE SET`)
	assert.Contains(t, query, `"games_played"="excluded"."games_played"`)
	assert.NotContains(t, query, `"xp_earned"="excluded"."xp_earned"`)
}

func TestUpsertColumns(t *testing.T) {
	cols, err := upsertColumns(nil)
	require.NoError(t, err)
	assert.Len(t, cols, len(store.Counters))

	_, err = upsertColumns([]store.Counter{"coins"})
	assert.ErrorIs(t, err, store.ErrUnknownCounter)
}

func TestEventRowRoundTrip(t *testing.T) {
	rows, err := eventRows([]store.TelemetryEvent{{
		ID: "e1", UserID: "u1", SessionID: "s1", EventType: "game_complete",
		Payload: map[string]any{"score": 0.5}, CreatedAt: time.Unix(100, 0),
	}})
	require.NoError(t, err)

	e, err := rows[0].toStore()
	require.NoError(t, err)
	assert.Equal(t, "s1", e.SessionID)
	assert.Equal(t, 0.5, e.Payload["score"])
}

// TestPostgres runs against a live server when BEACON_TEST_POSTGRES_DSN is set.
func TestPostgres(t *testing.T) {
	dsn := os.Getenv("BEACON_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BEACON_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	user := "pgstore-test-" + time.Now().Format("150405.000000")
	id, err := s.CreateSession(ctx, store.Session{UserID: user, StartedAt: time.Now()})
	require.NoError(t, err)

	ended := time.Now()
	dur := int64(42)
	require.NoError(t, s.UpdateSession(ctx, id, store.SessionUpdate{EndedAt: &ended, DurationSeconds: &dur}))
	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, int64(42), *got.DurationSeconds)

	require.NoError(t, s.UpsertDailyStat(ctx, store.DailyStat{UserID: user, StatDate: "2026-10-15", GamesPlayed: 1, XPEarned: 10}))
	require.NoError(t, s.UpsertDailyStat(ctx, store.DailyStat{UserID: user, StatDate: "2026-10-15", GamesPlayed: 2}, store.CounterGamesPlayed))
	d, err := s.GetDailyStat(ctx, user, "2026-10-15")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(2), d.GamesPlayed)
	assert.Equal(t, int64(10), d.XPEarned)

	m := s.KV()
	require.NoError(t, m.SetItem(ctx, user, "v"))
	v, ok, err := m.GetItem(ctx, user)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	require.NoError(t, m.RemoveItem(ctx, user))
}
