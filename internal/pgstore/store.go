// Package pgstore is the hosted PostgreSQL backend. It offers the same
// operations as the local SQLite store on top of gorm.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/abhisek/beacon/internal/kv"
	"github.com/abhisek/beacon/internal/store"
)

// Store persists sessions, events, daily stats and key/value items in
// PostgreSQL.
type Store struct {
	db *gorm.DB
}

// Open connects to the database at dsn and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s, err := New(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	if logger != nil {
		logger.Named("pgstore").Info("connected to postgres")
	}
	return s, nil
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InsertEvents stores the batch in one statement. Events already stored
// are skipped.
func (s *Store) InsertEvents(ctx context.Context, events []store.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows, err := eventRows(events)
	if err != nil {
		return err
	}
	if err := s.insertEventsQuery(s.db.WithContext(ctx), rows).Error; err != nil {
		return fmt.Errorf("insert %d events: %w", len(events), err)
	}
	return nil
}

func (s *Store) insertEventsQuery(tx *gorm.DB, rows []eventRow) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&rows)
}

func eventRows(events []store.TelemetryEvent) ([]eventRow, error) {
	rows := make([]eventRow, 0, len(events))
	for _, e := range events {
		r := eventRow{
			ID:        e.ID,
			UserID:    e.UserID,
			EventType: e.EventType,
			PagePath:  e.PagePath,
			CreatedAt: e.CreatedAt.UTC(),
		}
		if e.SessionID != "" {
			sid := e.SessionID
			r.SessionID = &sid
		}
		if len(e.Payload) > 0 {
			raw, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode payload for event %s: %w", e.ID, err)
			}
			r.Payload = raw
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// RecentEvents returns events newest first.
func (s *Store) RecentEvents(ctx context.Context, opts store.QueryOpts) ([]store.TelemetryEvent, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	if !opts.From.IsZero() {
		q = q.Where("created_at >= ?", opts.From.UTC())
	}
	if !opts.To.IsZero() {
		q = q.Where("created_at <= ?", opts.To.UTC())
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	out := make([]store.TelemetryEvent, 0, len(rows))
	for _, r := range rows {
		e, err := r.toStore()
		if err != nil {
			return nil, fmt.Errorf("decode payload for event %s: %w", r.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return int(n), nil
}

// CreateSession inserts a session row and returns its generated ID.
func (s *Store) CreateSession(ctx context.Context, sess store.Session) (string, error) {
	row := sessionRow{
		ID:              uuid.NewString(),
		UserID:          sess.UserID,
		Device:          sess.Device,
		StartedAt:       sess.StartedAt.UTC(),
		EndedAt:         sess.EndedAt,
		DurationSeconds: sess.DurationSeconds,
	}
	if row.Device == "" {
		row.Device = store.DeviceDesktop
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return row.ID, nil
}

// UpdateSession rewrites the non-nil fields of upd on session id.
func (s *Store) UpdateSession(ctx context.Context, id string, upd store.SessionUpdate) error {
	updates := map[string]any{}
	if upd.EndedAt != nil {
		updates["ended_at"] = upd.EndedAt.UTC()
	}
	if upd.DurationSeconds != nil {
		updates["duration_seconds"] = *upd.DurationSeconds
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetSession returns the session with the given ID, or nil if none exists.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess := row.toStore()
	return &sess, nil
}

// RecentSessions returns sessions newest first.
func (s *Store) RecentSessions(ctx context.Context, opts store.QueryOpts) ([]store.Session, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []sessionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	out := make([]store.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStore())
	}
	return out, nil
}

// GetDailyStat returns the row for (userID, date), or nil if none exists.
func (s *Store) GetDailyStat(ctx context.Context, userID, date string) (*store.DailyStat, error) {
	var row dailyStatRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND stat_date = ?", userID, date).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily stat %s/%s: %w", userID, date, err)
	}
	d := row.toStore()
	return &d, nil
}

// UpsertDailyStat inserts d as the (user, date) row. If the row exists,
// only the listed counters are overwritten; with none listed every counter
// is.
func (s *Store) UpsertDailyStat(ctx context.Context, d store.DailyStat, counters ...store.Counter) error {
	cols, err := upsertColumns(counters)
	if err != nil {
		return err
	}
	row := newDailyStatRow(d)
	if err := s.upsertDailyStatQuery(s.db.WithContext(ctx), &row, cols).Error; err != nil {
		return fmt.Errorf("upsert daily stat %s/%s: %w", d.UserID, d.StatDate, err)
	}
	return nil
}

func (s *Store) upsertDailyStatQuery(tx *gorm.DB, row *dailyStatRow, cols []string) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "stat_date"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(row)
}

func upsertColumns(counters []store.Counter) ([]string, error) {
	if len(counters) == 0 {
		counters = store.Counters
	}
	cols := make([]string, 0, len(counters))
	for _, c := range counters {
		if !c.Valid() {
			return nil, fmt.Errorf("upsert daily stat: %w: %q", store.ErrUnknownCounter, c)
		}
		cols = append(cols, string(c))
	}
	return cols, nil
}

// ListDailyStats returns daily stats newest date first.
func (s *Store) ListDailyStats(ctx context.Context, opts store.QueryOpts) ([]store.DailyStat, error) {
	q := s.db.WithContext(ctx).Order("stat_date DESC").Order("user_id")
	if opts.UserID != "" {
		q = q.Where("user_id = ?", opts.UserID)
	}
	if !opts.From.IsZero() {
		q = q.Where("stat_date >= ?", opts.From.Format(time.DateOnly))
	}
	if !opts.To.IsZero() {
		q = q.Where("stat_date <= ?", opts.To.Format(time.DateOnly))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	var rows []dailyStatRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	out := make([]store.DailyStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toStore())
	}
	return out, nil
}

// KV returns a durable key/value medium stored in the kv_items table.
func (s *Store) KV() kv.Medium {
	return &kvMedium{db: s.db}
}

type kvMedium struct {
	db *gorm.DB
}

func (m *kvMedium) GetItem(ctx context.Context, key string) (string, bool, error) {
	var row kvRow
	err := m.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return row.Value, true, nil
}

func (m *kvMedium) SetItem(ctx context.Context, key, value string) error {
	row := kvRow{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (m *kvMedium) RemoveItem(ctx context.Context, key string) error {
	if err := m.db.WithContext(ctx).Where("key = ?", key).Delete(&kvRow{}).Error; err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}
