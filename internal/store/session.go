package store

import (
	"context"
	"database/sql"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
)

// CreateSession inserts a new session row and returns its generated ID.
func (s *Store) CreateSession(ctx context.Context, sess Session) (string, error) {
	id := uuid.NewString()
	device := sess.Device
	if device == "" {
		device = DeviceDesktop
	}

	query, args := s.builder().Insert(tableSessions).
		Columns("id", "user_id", "device", "started_at", "ended_at", "duration_seconds").
		Values(id, sess.UserID, device, sess.StartedAt.UTC(), nullTime(sess.EndedAt), nullInt64(sess.DurationSeconds)).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// UpdateSession rewrites the non-nil fields of upd on session id.
func (s *Store) UpdateSession(ctx context.Context, id string, upd SessionUpdate) error {
	if upd.EndedAt == nil && upd.DurationSeconds == nil {
		return nil
	}

	u := s.builder().Update(tableSessions)
	if upd.EndedAt != nil {
		u = u.Set("ended_at", upd.EndedAt.UTC())
	}
	if upd.DurationSeconds != nil {
		u = u.Set("duration_seconds", *upd.DurationSeconds)
	}
	query, args := u.Where(entsql.EQ("id", id)).Query()

	res, err := s.exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GetSession returns the session with the given ID, or nil if none exists.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sessions, err := s.listSessions(ctx, entsql.EQ("id", id), 1)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// RecentSessions returns sessions newest first.
func (s *Store) RecentSessions(ctx context.Context, opts QueryOpts) ([]Session, error) {
	var pred *entsql.Predicate
	if opts.UserID != "" {
		pred = entsql.EQ("user_id", opts.UserID)
	}
	return s.listSessions(ctx, pred, opts.Limit)
}

func (s *Store) listSessions(ctx context.Context, pred *entsql.Predicate, limit int) ([]Session, error) {
	b := s.builder()
	sel := b.Select("id", "user_id", "device", "started_at", "ended_at", "duration_seconds").
		From(b.Table(tableSessions)).
		OrderBy(entsql.Desc("started_at"))
	if pred != nil {
		sel = sel.Where(pred)
	}
	if limit > 0 {
		sel = sel.Limit(limit)
	}

	query, args := sel.Query()
	rows, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess     Session
			endedAt  sql.NullTime
			duration sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Device, &sess.StartedAt, &endedAt, &duration); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			sess.DurationSeconds = &d
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
