package store

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"
)

var dailyStatColumns = []string{
	"user_id", "stat_date",
	"total_sessions", "total_time_seconds", "games_played",
	"games_completed", "xp_earned", "assets_created", "pages_visited",
}

// GetDailyStat returns the row for (userID, date), or nil if none exists.
func (s *Store) GetDailyStat(ctx context.Context, userID, date string) (*DailyStat, error) {
	stats, err := s.listDailyStats(ctx, entsql.And(
		entsql.EQ("user_id", userID),
		entsql.EQ("stat_date", date),
	), 1)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		return nil, nil
	}
	return &stats[0], nil
}

// UpsertDailyStat inserts d as the (user, date) row. If the row exists,
// only the listed counters are overwritten with d's values; with no
// counters listed every counter is overwritten.
func (s *Store) UpsertDailyStat(ctx context.Context, d DailyStat, counters ...Counter) error {
	resolve := entsql.ResolveWithNewValues()
	if len(counters) > 0 {
		for _, c := range counters {
			if !c.Valid() {
				return fmt.Errorf("upsert daily stat: %w: %q", ErrUnknownCounter, c)
			}
		}
		resolve = entsql.ResolveWith(func(u *entsql.UpdateSet) {
			for _, c := range counters {
				u.SetExcluded(string(c))
			}
		})
	}

	query, args := s.builder().Insert(tableDailyStats).
		Columns(dailyStatColumns...).
		Values(
			d.UserID, d.StatDate,
			d.TotalSessions, d.TotalTimeSeconds, d.GamesPlayed,
			d.GamesCompleted, d.XPEarned, d.AssetsCreated, d.PagesVisited,
		).
		OnConflict(
			entsql.ConflictColumns("user_id", "stat_date"),
			resolve,
		).
		Query()
	if _, err := s.exec(ctx, query, args); err != nil {
		return fmt.Errorf("upsert daily stat %s/%s: %w", d.UserID, d.StatDate, err)
	}
	return nil
}

// ListDailyStats returns daily stats newest date first.
func (s *Store) ListDailyStats(ctx context.Context, opts QueryOpts) ([]DailyStat, error) {
	var preds []*entsql.Predicate
	if opts.UserID != "" {
		preds = append(preds, entsql.EQ("user_id", opts.UserID))
	}
	if !opts.From.IsZero() {
		preds = append(preds, entsql.GTE("stat_date", opts.From.Format("2006-01-02")))
	}
	if !opts.To.IsZero() {
		preds = append(preds, entsql.LTE("stat_date", opts.To.Format("2006-01-02")))
	}
	var pred *entsql.Predicate
	if len(preds) > 0 {
		pred = entsql.And(preds...)
	}
	return s.listDailyStats(ctx, pred, opts.Limit)
}

func (s *Store) listDailyStats(ctx context.Context, pred *entsql.Predicate, limit int) ([]DailyStat, error) {
	b := s.builder()
	sel := b.Select(dailyStatColumns...).
		From(b.Table(tableDailyStats)).
		OrderBy(entsql.Desc("stat_date"), "user_id")
	if pred != nil {
		sel = sel.Where(pred)
	}
	if limit > 0 {
		sel = sel.Limit(limit)
	}

	query, args := sel.Query()
	rows, err := s.query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var out []DailyStat
	for rows.Next() {
		var d DailyStat
		if err := rows.Scan(
			&d.UserID, &d.StatDate,
			&d.TotalSessions, &d.TotalTimeSeconds, &d.GamesPlayed,
			&d.GamesCompleted, &d.XPEarned, &d.AssetsCreated, &d.PagesVisited,
		); err != nil {
			return nil, fmt.Errorf("scan daily stat: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily stats: %w", err)
	}
	return out, nil
}
