// Package cache is the content-addressed WASM artifact cache: blobs on
// disk named by checksum, metadata in leveldb, an in-process LRU index
// for fast "is this in cache" probes, and an index from
// (source_kind, source_identity) -> checksum so claim-time cache probe
// never needs to produce the artifact.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/outlayer-network/outlayer/internal/log"
	"github.com/outlayer-network/outlayer/internal/metrics"
	"github.com/outlayer-network/outlayer/protocol"
)

var logger = log.NewModuleLogger(log.ModuleCache)

const identityIndexPrefix = "idx:"
const metaPrefix = "meta:"

// Cache owns the on-disk blob directory, the leveldb metadata store,
// and the in-process LRU index. Exclusively owned by the coordinator;
// workers only read/write through its API.
type Cache struct {
	mu       sync.Mutex
	blobDir  string
	meta     *leveldb.DB
	lru      *lru.Cache // checksum -> struct{}, existence-only fast path
	capBytes int64
	curBytes int64
}

// Open opens (or creates) the cache rooted at dir with the given
// on-disk size cap.
func Open(dir string, capBytes int64) (*Cache, error) {
	blobDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("cache: failed to create blob dir %s: %w", blobDir, err)
	}
	metaDB, err := leveldb.OpenFile(filepath.Join(dir, "meta"), nil)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to open metadata store: %w", err)
	}
	idx, err := lru.New(100000)
	if err != nil {
		metaDB.Close()
		return nil, fmt.Errorf("cache: failed to create lru index: %w", err)
	}
	c := &Cache{blobDir: blobDir, meta: metaDB, lru: idx, capBytes: capBytes}
	c.curBytes = c.sumSizes()
	return c, nil
}

func (c *Cache) Close() error { return c.meta.Close() }

func (c *Cache) blobPath(checksum string) string {
	return filepath.Join(c.blobDir, checksum)
}

func (c *Cache) sumSizes() int64 {
	iter := c.meta.NewIterator(nil, nil)
	defer iter.Release()
	var total int64
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < len(metaPrefix) || key[:len(metaPrefix)] != metaPrefix {
			continue
		}
		var entry protocol.CacheEntry
		if err := json.Unmarshal(iter.Value(), &entry); err == nil {
			total += entry.Size
			c.lru.Add(entry.Checksum, struct{}{})
		}
	}
	return total
}

// Has reports whether checksum is already cached.
func (c *Cache) Has(checksum string) bool {
	_, ok := c.lru.Get(checksum)
	if ok {
		return true
	}
	_, err := c.meta.Get([]byte(metaPrefix+checksum), nil)
	return err == nil
}

// LookupByIdentity resolves the cached checksum for a
// (source_kind, source_identity) pair, used at claim time so the
// coordinator can decide compile-vs-execute-only without building the
// artifact first.
func (c *Cache) LookupByIdentity(sourceKind, sourceIdentity string) (checksum string, ok bool) {
	val, err := c.meta.Get([]byte(identityIndexPrefix+sourceKind+"|"+sourceIdentity), nil)
	if err != nil {
		return "", false
	}
	return string(val), true
}

// Upload stores bytes under their SHA-256 if absent. The checksum is
// recomputed server-side and must match the declared one; a mismatch
// is refused and logged. On a cache hit, only the access time and index are updated.
func (c *Cache) Upload(declaredChecksum string, data []byte, origin protocol.CacheOrigin, sourceKind, sourceIdentity string) error {
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != declaredChecksum {
		logger.Error("cache upload checksum mismatch", "declared", declaredChecksum, "actual", actual)
		return protocol.New(protocol.CodeCacheCorruption, "declared checksum does not match sha256 of uploaded bytes")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if c.Has(actual) {
		if sourceIdentity != "" {
			if err := c.meta.Put([]byte(identityIndexPrefix+sourceKind+"|"+sourceIdentity), []byte(actual), nil); err != nil {
				return fmt.Errorf("cache: failed to write identity index: %w", err)
			}
		}
		return c.touch(actual, now)
	}

	if err := os.WriteFile(c.blobPath(actual), data, 0644); err != nil {
		return fmt.Errorf("cache: failed to write blob %s: %w", actual, err)
	}

	originJSON, err := json.Marshal(origin)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal origin: %w", err)
	}
	entry := protocol.CacheEntry{
		Checksum: actual, OriginJSON: string(originJSON), Size: int64(len(data)),
		Created: now, LastAccessed: now, AccessCount: 1,
	}
	if err := c.putEntry(entry); err != nil {
		return err
	}
	if sourceIdentity != "" {
		if err := c.meta.Put([]byte(identityIndexPrefix+sourceKind+"|"+sourceIdentity), []byte(actual), nil); err != nil {
			return fmt.Errorf("cache: failed to write identity index: %w", err)
		}
	}
	c.lru.Add(actual, struct{}{})
	c.curBytes += entry.Size

	return c.evictLocked()
}

func (c *Cache) putEntry(entry protocol.CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.meta.Put([]byte(metaPrefix+entry.Checksum), data, nil)
}

func (c *Cache) getEntry(checksum string) (*protocol.CacheEntry, error) {
	data, err := c.meta.Get([]byte(metaPrefix+checksum), nil)
	if err != nil {
		return nil, err
	}
	var entry protocol.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *Cache) touch(checksum string, at time.Time) error {
	entry, err := c.getEntry(checksum)
	if err != nil {
		return err
	}
	entry.LastAccessed = at
	entry.AccessCount++
	return c.putEntry(*entry)
}

// Download streams the blob for checksum, bumping last-access and
// access count.
func (c *Cache) Download(checksum string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.blobPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("cache: checksum %s not found", checksum)
		}
		return nil, fmt.Errorf("cache: failed to read blob: %w", err)
	}
	if err := c.touch(checksum, time.Now()); err != nil {
		logger.Warn("failed to update access metadata", "checksum", checksum, "err", err)
	}
	return data, nil
}

// WriteTo streams the blob directly to w (used by the HTTP handler to
// avoid buffering large artifacts twice).
func (c *Cache) WriteTo(checksum string, w io.Writer) error {
	data, err := c.Download(checksum)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// evictLocked removes LRU entries until total size is under cap.
// Eviction removes file and metadata atomically; caller must hold c.mu.
func (c *Cache) evictLocked() error {
	if c.capBytes <= 0 || c.curBytes <= c.capBytes {
		return nil
	}
	entries, err := c.allEntriesLocked()
	if err != nil {
		return err
	}
	sortByLastAccessed(entries)

	for _, entry := range entries {
		if c.curBytes <= c.capBytes {
			break
		}
		if err := c.evictOneLocked(entry.Checksum); err != nil {
			logger.Error("eviction failed", "checksum", entry.Checksum, "err", err)
			continue
		}
		c.curBytes -= entry.Size
		metrics.CacheEvictions.Inc()
		logger.Info("evicted cache entry", "checksum", entry.Checksum, "size", entry.Size)
	}
	return nil
}

func (c *Cache) evictOneLocked(checksum string) error {
	if err := os.Remove(c.blobPath(checksum)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := c.meta.Delete([]byte(metaPrefix+checksum), nil); err != nil {
		return err
	}
	c.lru.Remove(checksum)
	return nil
}

func (c *Cache) allEntriesLocked() ([]protocol.CacheEntry, error) {
	iter := c.meta.NewIterator(nil, nil)
	defer iter.Release()
	var out []protocol.CacheEntry
	for iter.Next() {
		key := string(iter.Key())
		if len(key) < len(metaPrefix) || key[:len(metaPrefix)] != metaPrefix {
			continue
		}
		var entry protocol.CacheEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, iter.Error()
}

func sortByLastAccessed(entries []protocol.CacheEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].LastAccessed.After(entries[j].LastAccessed); j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// EvictNow runs an eviction pass immediately (companion to the LRU
// sweeper, backing POST /admin/cache/evict).
func (c *Cache) EvictNow() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked()
}
