package lease

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mini := miniredis.RunT(t)
	cfg := config.Default().Lease
	cfg.Mode = "redis"
	cfg.RedisAddr = mini.Addr()

	locker, err := NewRedis(context.Background(), cfg, newLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })
	return locker, mini
}

func TestLocalExclusive(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	first, err := l.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "subject-1", "session-b", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	_, err = l.Acquire(ctx, "subject-2", "session-b", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, first.Release(ctx))
	_, err = l.Acquire(ctx, "subject-1", "session-b", time.Minute)
	assert.NoError(t, err)
}

func TestLocalExpiredLeaseCanBeTaken(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.clock = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "subject-1", "session-b", time.Minute)
	require.NoError(t, err)

	// the stale owner must not free the new owner's lease
	require.NoError(t, stale.Release(ctx))
	_, err = l.Acquire(ctx, "subject-1", "session-c", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestLocalRenewKeepsLeaseAlive(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.clock = func() time.Time { return now }

	owned, err := l.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		now = now.Add(40 * time.Second)
		require.NoError(t, owned.Renew(ctx, time.Minute))
	}
	_, err = l.Acquire(ctx, "subject-1", "session-b", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestLocalRenewAfterTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.clock = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	_, err = l.Acquire(ctx, "subject-1", "session-b", time.Minute)
	require.NoError(t, err)

	assert.ErrorIs(t, stale.Renew(ctx, time.Minute), ErrHeld)

	released, err := l.Acquire(ctx, "subject-2", "session-c", time.Minute)
	require.NoError(t, err)
	require.NoError(t, released.Release(ctx))
	assert.ErrorIs(t, released.Renew(ctx, time.Minute), ErrHeld)
}

func TestRedisExclusive(t *testing.T) {
	ctx := context.Background()
	locker, mini := newRedisLocker(t)

	first, err := locker.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "session-a", mustGet(t, mini, "loqa:capture:lease:subject-1"))

	_, err = locker.Acquire(ctx, "subject-1", "session-b", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, first.Release(ctx))
	assert.False(t, mini.Exists("loqa:capture:lease:subject-1"))
}

func TestRedisReleaseKeepsForeignOwner(t *testing.T) {
	ctx := context.Background()
	locker, mini := newRedisLocker(t)

	stale, err := locker.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)

	mini.FastForward(2 * time.Minute)
	_, err = locker.Acquire(ctx, "subject-1", "session-b", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.Equal(t, "session-b", mustGet(t, mini, "loqa:capture:lease:subject-1"))
}

func TestRedisRenew(t *testing.T) {
	ctx := context.Background()
	locker, mini := newRedisLocker(t)

	owned, err := locker.Acquire(ctx, "subject-1", "session-a", time.Minute)
	require.NoError(t, err)

	mini.FastForward(40 * time.Second)
	require.NoError(t, owned.Renew(ctx, time.Minute))
	mini.FastForward(40 * time.Second)
	assert.Equal(t, "session-a", mustGet(t, mini, "loqa:capture:lease:subject-1"))
	assert.Greater(t, mini.TTL("loqa:capture:lease:subject-1"), 10*time.Second)

	mini.FastForward(2 * time.Minute)
	_, err = locker.Acquire(ctx, "subject-1", "session-b", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, owned.Renew(ctx, time.Minute), ErrHeld)
	assert.Equal(t, "session-b", mustGet(t, mini, "loqa:capture:lease:subject-1"))
}

func TestNewRedisUnreachable(t *testing.T) {
	cfg := config.Default().Lease
	cfg.Mode = "redis"
	cfg.RedisAddr = "127.0.0.1:1"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := New(ctx, cfg, newLogger())
	assert.Error(t, err)
}

func mustGet(t *testing.T, mini *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mini.Get(key)
	require.NoError(t, err)
	return v
}
