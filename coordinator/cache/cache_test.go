package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outlayer-network/outlayer/protocol"
)

func openTestCache(t *testing.T, capBytes int64) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), capBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TestUploadDownloadRoundTrip is the round-trip law:
// upload_wasm(b); download_wasm(sha(b)) == b.
func TestUploadDownloadRoundTrip(t *testing.T) {
	c := openTestCache(t, 0)
	data := []byte("fake wasm bytes")
	sum := checksumOf(data)

	require.NoError(t, c.Upload(sum, data, protocol.CacheOrigin{SourceKind: "url", URL: "https://example/a.wasm"}, "url", "https://example/a.wasm"))
	require.True(t, c.Has(sum))

	got, err := c.Download(sum)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestUploadChecksumMismatchRejected checks that uploading bytes whose
// SHA-256 does not equal the declared checksum fails with
// CacheCorruption, and the blob is never written.
func TestUploadChecksumMismatchRejected(t *testing.T) {
	c := openTestCache(t, 0)
	err := c.Upload("deadbeef", []byte("mismatched"), protocol.CacheOrigin{SourceKind: "url"}, "url", "u")
	require.Error(t, err)

	protoErr, ok := err.(*protocol.Error)
	require.True(t, ok)
	require.Equal(t, protocol.CodeCacheCorruption, protoErr.Code)
	require.False(t, c.Has("deadbeef"))
}

// TestLookupByIdentity verifies the claim-time cache probe index.
func TestLookupByIdentity(t *testing.T) {
	c := openTestCache(t, 0)
	data := []byte("artifact-bytes")
	sum := checksumOf(data)
	require.NoError(t, c.Upload(sum, data, protocol.CacheOrigin{SourceKind: "repo", Repo: "r", Commit: "abc"}, "repo", "r@abc"))

	got, ok := c.LookupByIdentity("repo", "r@abc")
	require.True(t, ok)
	require.Equal(t, sum, got)

	_, ok = c.LookupByIdentity("repo", "unknown")
	require.False(t, ok)
}

// TestUploadHitOnlyTouches verifies a second upload of the same bytes
// (cache hit) only bumps access metadata rather than failing or
// duplicating the blob.
func TestUploadHitOnlyTouches(t *testing.T) {
	c := openTestCache(t, 0)
	data := []byte("same bytes twice")
	sum := checksumOf(data)

	require.NoError(t, c.Upload(sum, data, protocol.CacheOrigin{SourceKind: "url"}, "url", "u1"))
	require.NoError(t, c.Upload(sum, data, protocol.CacheOrigin{SourceKind: "url"}, "url", "u1"))

	got, err := c.Download(sum)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

// TestEvictionUnderCap checks LRU eviction fires once total size
// exceeds the configured cap, and an evicted entry is genuinely gone.
func TestEvictionUnderCap(t *testing.T) {
	a := []byte("aaaaaaaaaa") // 10 bytes
	b := []byte("bbbbbbbbbb")
	sumA, sumB := checksumOf(a), checksumOf(b)

	c := openTestCache(t, 15) // cap smaller than a+b combined
	require.NoError(t, c.Upload(sumA, a, protocol.CacheOrigin{SourceKind: "url"}, "url", "a"))
	require.NoError(t, c.Upload(sumB, b, protocol.CacheOrigin{SourceKind: "url"}, "url", "b"))

	// a was inserted first (older last-access) so it should be the one
	// evicted once b pushes total size over the cap.
	require.False(t, c.Has(sumA))
	require.True(t, c.Has(sumB))
}
