package kv

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func testMedium(t *testing.T, m Medium) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := m.GetItem(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, m.SetItem(ctx, "k", `[{"id":"a"}]`))
	v, ok, err := m.GetItem(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[{"id":"a"}]`, v)

	require.NoError(t, m.SetItem(ctx, "k", "[]"))
	v, _, err = m.GetItem(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "[]", v)

	require.NoError(t, m.RemoveItem(ctx, "k"))
	_, ok, err = m.GetItem(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	// Removing a missing key is not an error.
	require.NoError(t, m.RemoveItem(ctx, "k"))
}

func TestMemory(t *testing.T) {
	testMedium(t, NewMemory())
}

func TestFile(t *testing.T) {
	f, err := NewFile(t.TempDir())
	require.NoError(t, err)
	testMedium(t, f)
}

func TestFileSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	f, err := NewFile(dir)
	require.NoError(t, err)
	require.NoError(t, f.SetItem(ctx, "beacon.failed_events", "[1]"))

	reopened, err := NewFile(dir)
	require.NoError(t, err)
	v, ok, err := reopened.GetItem(ctx, "beacon.failed_events")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[1]", v)
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	testMedium(t, r)
}

func TestRedisPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: "app:"})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	require.NoError(t, r.SetItem(context.Background(), "k", "v"))
	got, err := mr.Get("app:k")
	require.NoError(t, err)
	require.Equal(t, "v", got)
}
