package track

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newSet(t *testing.T) *Set {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewSet(rdb, "test", "run-1")
}

func TestAddRemoveDrains(t *testing.T) {
	s := newSet(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "a", "b"))
	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "b"))
	n, err = s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	s := newSet(t)
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "a"))
	require.NoError(t, s.Add(ctx, "a"))
	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, s.Remove(ctx, "a"))
	n, err = s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestRemoveBeforeAddDoesNotLeakActive(t *testing.T) {
	s := newSet(t)
	ctx := context.Background()

	// The job finished before the producer recorded it.
	require.NoError(t, s.Remove(ctx, "fast"))
	require.NoError(t, s.Add(ctx, "fast"))

	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestRemoveUnknownIsHarmless(t *testing.T) {
	s := newSet(t)
	ctx := context.Background()
	require.NoError(t, s.Remove(ctx, "never-seen"))
	n, err := s.Size(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
	require.NoError(t, s.Clear(ctx))
}
