package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

// InsertEvents stores a batch of telemetry events in one statement, so the
// batch is accepted or rejected as a whole. Events whose ID is already
// stored are skipped, which makes redelivery of the same batch harmless.
func (s *Store) InsertEvents(ctx context.Context, events []TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}

	ins := s.builder().Insert(tableEvents).
		Columns("id", "user_id", "session_id", "event_type", "payload", "page_path", "created_at")
	for _, e := range events {
		payload, err := encodePayload(e.Payload)
		if err != nil {
			return fmt.Errorf("encode payload for event %s: %w", e.ID, err)
		}
		ins = ins.Values(e.ID, e.UserID, nullString(e.SessionID), e.EventType, payload, e.PagePath, e.CreatedAt.UTC())
	}
	ins = ins.OnConflict(entsql.ConflictColumns("id"), entsql.DoNothing())

	query, args := ins.Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return fmt.Errorf("insert %d events: %w", len(events), err)
	}
	return nil
}

// RecentEvents returns events newest first.
func (s *Store) RecentEvents(ctx context.Context, opts QueryOpts) ([]TelemetryEvent, error) {
	b := s.builder()
	sel := b.Select("id", "user_id", "session_id", "event_type", "payload", "page_path", "created_at").
		From(b.Table(tableEvents)).
		OrderBy(entsql.Desc("created_at"))

	var preds []*entsql.Predicate
	if opts.UserID != "" {
		preds = append(preds, entsql.EQ("user_id", opts.UserID))
	}
	if !opts.From.IsZero() {
		preds = append(preds, entsql.GTE("created_at", opts.From.UTC()))
	}
	if !opts.To.IsZero() {
		preds = append(preds, entsql.LTE("created_at", opts.To.UTC()))
	}
	if len(preds) > 0 {
		sel = sel.Where(entsql.And(preds...))
	}
	if opts.Limit > 0 {
		sel = sel.Limit(opts.Limit)
	}

	query, args := sel.Query()
	rows, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []TelemetryEvent
	for rows.Next() {
		var (
			e         TelemetryEvent
			sessionID sql.NullString
			payload   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &sessionID, &e.EventType, &payload, &e.PagePath, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.SessionID = sessionID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload for event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	b := s.builder()
	query, args := b.Select(entsql.Count("*")).From(b.Table(tableEvents)).Query()
	rows, err := s.query(ctx, query, args)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("scan count: %w", err)
		}
	}
	return n, rows.Err()
}

func encodePayload(p map[string]any) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
