package store

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/beacon/internal/kv"
)

// KV returns a durable key/value medium stored in the kv_items table.
func (s *Store) KV() kv.Medium {
	return &KVMedium{s: s}
}

// KVMedium implements kv.Medium on top of the SQLite store, so the retry
// queue survives restarts alongside the rest of the local data.
type KVMedium struct {
	s *Store
}

func (m *KVMedium) GetItem(ctx context.Context, key string) (string, bool, error) {
	b := m.s.builder()
	query, args := b.Select("value").
		From(b.Table(tableKV)).
		Where(entsql.EQ("key", key)).
		Limit(1).
		Query()
	rows, err := m.s.query(ctx, query, args)
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return "", false, rows.Err()
	}
	var v string
	if err := rows.Scan(&v); err != nil {
		return "", false, fmt.Errorf("scan %q: %w", key, err)
	}
	return v, true, nil
}

func (m *KVMedium) SetItem(ctx context.Context, key, value string) error {
	query, args := m.s.builder().Insert(tableKV).
		Columns("key", "value", "updated_at").
		Values(key, value, time.Now().UTC()).
		OnConflict(entsql.ConflictColumns("key"), entsql.ResolveWithNewValues()).
		Query()
	if _, err := m.s.exec(ctx, query, args); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (m *KVMedium) RemoveItem(ctx context.Context, key string) error {
	query, args := m.s.builder().Delete(tableKV).Where(entsql.EQ("key", key)).Query()
	if _, err := m.s.exec(ctx, query, args); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}
