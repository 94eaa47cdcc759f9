package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/protocol"
)

// TestAdmit_BurstThenThrottle covers the anonymous burst limit: 11 anonymous
// POSTs to the same route within one second admit the first 10 (burst)
// and throttle the 11th with a positive Retry-After.
func TestAdmit_BurstThenThrottle(t *testing.T) {
	l := New(DefaultAnonymousRPS, DefaultAnonymousBurst, DefaultAnonymousConc, DefaultKeyedRPS, DefaultKeyedBurst, DefaultKeyedConc)
	key := BucketKey{Route: "/near-rpc", Identity: protocol.IdentityAnonymous}

	for i := 0; i < DefaultAnonymousBurst; i++ {
		release, err := l.Admit(key)
		require.Nil(t, err, "request %d should be admitted within burst", i)
		require.NotNil(t, release)
		release()
	}

	_, err := l.Admit(key)
	require.NotNil(t, err, "11th request should be throttled")
	require.Equal(t, protocol.CodeThrottled, err.Code)
	require.GreaterOrEqual(t, err.RetryAfterSeconds, 1)
}

// TestAdmit_PerBucketIsolation verifies distinct (route, identity_class)
// pairs get independent buckets.
func TestAdmit_PerBucketIsolation(t *testing.T) {
	l := New(DefaultAnonymousRPS, DefaultAnonymousBurst, DefaultAnonymousConc, DefaultKeyedRPS, DefaultKeyedBurst, DefaultKeyedConc)
	anon := BucketKey{Route: "/near-rpc", Identity: protocol.IdentityAnonymous}
	keyed := BucketKey{Route: "/near-rpc", Identity: protocol.IdentityKeyed}

	for i := 0; i < DefaultAnonymousBurst; i++ {
		release, err := l.Admit(anon)
		require.Nil(t, err)
		release()
	}
	_, err := l.Admit(anon)
	require.NotNil(t, err)

	// The keyed bucket for the same route is untouched by the
	// anonymous bucket's exhaustion.
	_, err = l.Admit(keyed)
	require.Nil(t, err)
}

// TestAdmit_InFlightTracksRelease checks the in-flight counter in the
// metrics snapshot increments on admit and decrements on release.
func TestAdmit_InFlightTracksRelease(t *testing.T) {
	l := New(DefaultAnonymousRPS, DefaultAnonymousBurst, DefaultAnonymousConc, DefaultKeyedRPS, DefaultKeyedBurst, DefaultKeyedConc)
	key := BucketKey{Route: "/external/foo", Identity: protocol.IdentityAnonymous}

	release, err := l.Admit(key)
	require.Nil(t, err)

	snap := l.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 1, snap[0].InFlight)
	require.Equal(t, "/external/foo", snap[0].Route)

	release()
	snap = l.Snapshot()
	require.EqualValues(t, 0, snap[0].InFlight)
}

// TestSnapshot_SortedByRouteThenIdentity exercises the documented
// ordering of GET /throttle/metrics.
func TestSnapshot_SortedByRouteThenIdentity(t *testing.T) {
	l := New(DefaultAnonymousRPS, DefaultAnonymousBurst, DefaultAnonymousConc, DefaultKeyedRPS, DefaultKeyedBurst, DefaultKeyedConc)
	_, _ = l.Admit(BucketKey{Route: "/z", Identity: protocol.IdentityAnonymous})
	_, _ = l.Admit(BucketKey{Route: "/a", Identity: protocol.IdentityKeyed})
	_, _ = l.Admit(BucketKey{Route: "/a", Identity: protocol.IdentityAnonymous})

	snap := l.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "/a", snap[0].Route)
	require.Equal(t, protocol.IdentityAnonymous, snap[0].Identity)
	require.Equal(t, "/a", snap[1].Route)
	require.Equal(t, protocol.IdentityKeyed, snap[1].Identity)
	require.Equal(t, "/z", snap[2].Route)
}

// TestAdmit_ConcurrencyCap holds admitted requests open: once
// DefaultAnonymousConc are in flight, the next admit is throttled even
// though tokens remain, and releasing one slot re-admits.
func TestAdmit_ConcurrencyCap(t *testing.T) {
	l := New(DefaultAnonymousRPS, DefaultAnonymousBurst, DefaultAnonymousConc, DefaultKeyedRPS, DefaultKeyedBurst, DefaultKeyedConc)
	key := BucketKey{Route: "/near-rpc", Identity: protocol.IdentityAnonymous}

	releases := make([]func(), 0, DefaultAnonymousConc)
	for i := 0; i < DefaultAnonymousConc; i++ {
		release, err := l.Admit(key)
		require.Nil(t, err, "request %d should be admitted below the concurrency cap", i)
		releases = append(releases, release)
	}

	_, err := l.Admit(key)
	require.NotNil(t, err, "admit beyond the concurrency cap should be throttled")
	require.Equal(t, protocol.CodeThrottled, err.Code)

	releases[0]()
	release, err := l.Admit(key)
	require.Nil(t, err, "a freed slot should re-admit")
	release()
	for _, r := range releases[1:] {
		r()
	}
}
