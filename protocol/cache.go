package protocol

import "time"

// CacheOrigin records where a compiled artifact came from: either a
// repository + commit, or a direct URL + expected hash.
type CacheOrigin struct {
	SourceKind string `json:"source_kind"`
	Repo       string `json:"repo,omitempty"`
	Commit     string `json:"commit,omitempty"`
	URL        string `json:"url,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
}

// CacheEntry is a content-addressed compiled WASM artifact record.
// The blob itself lives on disk, named by Checksum; this is the
// metadata row.
type CacheEntry struct {
	Checksum     string    `json:"checksum" gorm:"primary_key"`
	OriginJSON   string    `json:"-"`
	Size         int64     `json:"size"`
	Created      time.Time `json:"created"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  uint64    `json:"access_count"`
}

func (CacheEntry) TableName() string { return "wasm_cache" }
