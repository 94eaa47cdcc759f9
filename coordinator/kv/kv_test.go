package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestSetGet is the round-trip law: set(k,v); get(k) == v.
func TestSetGet(t *testing.T) {
	s := openTestStore(t)
	key := []byte("proj\x00acct\x00k1")

	_, ok, err := s.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(key, []byte("v1")))
	value, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), value)

	has, err := s.Has(key)
	require.NoError(t, err)
	require.True(t, has)
}

// TestSetIfAbsent covers storage.set_if_absent: first call
// sets, second call on an existing key is a no-op.
func TestSetIfAbsent(t *testing.T) {
	s := openTestStore(t)
	key := []byte("k")

	set, err := s.SetIfAbsent(key, []byte("first"))
	require.NoError(t, err)
	require.True(t, set)

	set, err = s.SetIfAbsent(key, []byte("second"))
	require.NoError(t, err)
	require.False(t, set)

	value, _, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), value)
}

// TestSetIfEquals exercises the CAS round-trip law:
// set_if_equals(k, v, v'); get(k) == v'; a second set_if_equals against
// the now-stale version returns (false, v') without mutating storage.
func TestSetIfEquals(t *testing.T) {
	s := openTestStore(t)
	key := []byte("k")

	ok, _, version, err := s.SetIfEquals(key, 0, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, version)

	ok, _, version, err = s.SetIfEquals(key, version, []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, version)

	value, _, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	// Stale expected version: rejected, current value/version returned,
	// stored value untouched.
	ok, current, currentVersion, err := s.SetIfEquals(key, 1, []byte("v3"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []byte("v2"), current)
	require.EqualValues(t, 2, currentVersion)

	value, _, err = s.Get(key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
}

// TestIncrementDecrement covers the round-trip law: increment(k,
// δ) applied N times from zero yields N·δ; interprets stored values as
// little-endian signed 64-bit integers.
func TestIncrementDecrement(t *testing.T) {
	s := openTestStore(t)
	key := []byte("counter")

	var last int64
	for i := 0; i < 5; i++ {
		v, err := s.Increment(key, 3)
		require.NoError(t, err)
		last = v
	}
	require.EqualValues(t, 15, last)

	v, err := s.Decrement(key, 5)
	require.NoError(t, err)
	require.EqualValues(t, 10, v)
}

// TestDelete removes a key so a subsequent Get reports absent.
func TestDelete(t *testing.T) {
	s := openTestStore(t)
	key := []byte("k")
	require.NoError(t, s.Set(key, []byte("v")))
	require.NoError(t, s.Delete(key))
	_, ok, err := s.Get(key)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestList returns keys sharing a prefix.
func TestList(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set(NamespacedKey("p1", "a1", "x"), []byte("1")))
	require.NoError(t, s.Set(NamespacedKey("p1", "a1", "y"), []byte("2")))
	require.NoError(t, s.Set(NamespacedKey("p2", "a1", "x"), []byte("3")))

	keys, err := s.List(NamespacedKey("p1", "a1", ""))
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

// TestClearPrefix removes only the keys under the given namespace.
func TestClearPrefix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set(NamespacedKey("p1", "a1", "x"), []byte("1")))
	require.NoError(t, s.Set(NamespacedKey("p1", "a1", "y"), []byte("2")))
	require.NoError(t, s.Set(NamespacedKey("p1", "a2", "x"), []byte("3")))

	removed, err := s.ClearPrefix(NamespacedKey("p1", "a1", ""))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, ok, err := s.Get(NamespacedKey("p1", "a1", "x"))
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.Get(NamespacedKey("p1", "a2", "x"))
	require.NoError(t, err)
	require.True(t, ok)
}
