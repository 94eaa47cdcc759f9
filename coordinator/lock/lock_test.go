package lock

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

// TestAcquire_ExclusiveAcrossWorkers: a second worker cannot acquire a
// lock already held by a different worker_id.
func TestAcquire_ExclusiveAcrossWorkers(t *testing.T) {
	l, _ := newTestLocker(t)

	ok, err := l.Acquire("checksum-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("checksum-1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestAcquire_ReentrantForSameWorker: acquire is re-entrant for the
// same worker_id.
func TestAcquire_ReentrantForSameWorker(t *testing.T) {
	l, _ := newTestLocker(t)

	ok, err := l.Acquire("checksum-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("checksum-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "same worker re-acquiring must succeed")
}

// TestRelease_AllowsReacquisition verifies release frees the key for a
// different worker to claim.
func TestRelease_AllowsReacquisition(t *testing.T) {
	l, _ := newTestLocker(t)

	ok, err := l.Acquire("checksum-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release("checksum-1"))

	ok, err = l.Acquire("checksum-1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

// TestAcquire_TTLExpiry verifies an expired lock can be claimed by
// another worker (TTL-based auto-expiry).
func TestAcquire_TTLExpiry(t *testing.T) {
	l, mr := newTestLocker(t)

	ok, err := l.Acquire("checksum-1", "worker-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = l.Acquire("checksum-1", "worker-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}
