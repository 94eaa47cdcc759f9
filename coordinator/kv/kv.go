// Package kv is the guest-visible per-project persistent key/value
// store, exposed via the storage.* host functions: a thin
// Put/Get/Has/Delete wrapper over dgraph-io/badger, with the CAS
// operations (set_if_absent, set_if_equals, increment, decrement)
// built on badger transactions.
package kv

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dgraph-io/badger"

	"github.com/outlayer-network/outlayer/internal/log"
)

var logger = log.NewModuleLogger(log.ModuleKV)

// Store wraps one badger database per coordinator deployment. Keys are
// namespaced by (project_uuid, account_id, key); namespacing is the
// caller's responsibility via NamespacedKey.
type Store struct {
	db *badger.DB
}

// NamespacedKey joins the (project, account, key) triple into the flat
// byte key badger stores.
func NamespacedKey(project, account, key string) []byte {
	return []byte(project + "\x00" + account + "\x00" + key)
}

func Open(dir string) (*Store, error) {
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return nil, fmt.Errorf("kv: %s is not a directory", dir)
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("kv: failed to create dir %s: %w", dir, err)
		}
	} else {
		return nil, fmt.Errorf("kv: failed to stat dir %s: %w", dir, err)
	}

	opts := badger.DefaultOptions(dir)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kv: failed to open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// entry is the stored value envelope: the raw bytes plus a version
// counter used by set_if_equals.
type entry struct {
	Version uint64
	Value   []byte
}

func encodeEntry(e entry) []byte {
	buf := make([]byte, 8+len(e.Value))
	binary.LittleEndian.PutUint64(buf[:8], e.Version)
	copy(buf[8:], e.Value)
	return buf
}

func decodeEntry(raw []byte) (entry, error) {
	if len(raw) < 8 {
		return entry{}, fmt.Errorf("kv: malformed stored entry")
	}
	return entry{Version: binary.LittleEndian.Uint64(raw[:8]), Value: append([]byte(nil), raw[8:]...)}, nil
}

// Set unconditionally stores value under key, bumping its version.
func (s *Store) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		cur, version, err := readVersion(txn, key)
		_ = cur
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, encodeEntry(entry{Version: version + 1, Value: value}))
	})
}

func readVersion(txn *badger.Txn, key []byte) ([]byte, uint64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return nil, 0, err
	}
	if err != nil {
		return nil, 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, 0, err
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, 0, err
	}
	return e.Value, e.Version, nil
}

// Get returns the current value for key.
func (s *Store) Get(key []byte) (value []byte, ok bool, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(key)
		if getErr == badger.ErrKeyNotFound {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		raw, copyErr := item.ValueCopy(nil)
		if copyErr != nil {
			return copyErr
		}
		e, decodeErr := decodeEntry(raw)
		if decodeErr != nil {
			return decodeErr
		}
		value, ok = e.Value, true
		return nil
	})
	return value, ok, err
}

// Has reports whether key exists.
func (s *Store) Has(key []byte) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Delete removes key.
func (s *Store) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// List returns all keys sharing prefix.
func (s *Store) List(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte(nil), it.Item().Key()...))
		}
		return nil
	})
	return keys, err
}

// ClearPrefix deletes every key sharing prefix and returns how many
// were removed.
func (s *Store) ClearPrefix(prefix []byte) (int, error) {
	keys, err := s.List(prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if derr := txn.Delete(key); derr != nil {
				return derr
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// SetIfAbsent sets key to value only if it does not already exist.
func (s *Store) SetIfAbsent(key, value []byte) (set bool, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		_, getErr := txn.Get(key)
		if getErr == nil {
			set = false
			return nil
		}
		if getErr != badger.ErrKeyNotFound {
			return getErr
		}
		set = true
		return txn.Set(key, encodeEntry(entry{Version: 1, Value: value}))
	})
	return set, err
}

// SetIfEquals is the CAS primitive: it sets key to newValue only if
// its current version equals expectedVersion. On mismatch it leaves
// the stored value untouched and returns the current value and
// version for client-side retry.
func (s *Store) SetIfEquals(key []byte, expectedVersion uint64, newValue []byte) (ok bool, currentValue []byte, currentVersion uint64, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		cur, version, getErr := readVersion(txn, key)
		if getErr != nil && getErr != badger.ErrKeyNotFound {
			return getErr
		}
		if version != expectedVersion {
			ok = false
			currentValue, currentVersion = cur, version
			return nil
		}
		ok = true
		currentVersion = version + 1
		currentValue = newValue
		return txn.Set(key, encodeEntry(entry{Version: currentVersion, Value: newValue}))
	})
	return ok, currentValue, currentVersion, err
}

// Increment/decrement interpret stored values as little-endian signed
// 64-bit integers, applied atomically inside a badger
// transaction.
func (s *Store) Increment(key []byte, delta int64) (int64, error) {
	return s.addDelta(key, delta)
}

func (s *Store) Decrement(key []byte, delta int64) (int64, error) {
	return s.addDelta(key, -delta)
}

func (s *Store) addDelta(key []byte, delta int64) (int64, error) {
	var result int64
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, version, getErr := readVersion(txn, key)
		if getErr != nil && getErr != badger.ErrKeyNotFound {
			return getErr
		}
		var current int64
		if len(cur) == 8 {
			current = int64(binary.LittleEndian.Uint64(cur))
		}
		result = current + delta
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(result))
		return txn.Set(key, encodeEntry(entry{Version: version + 1, Value: buf}))
	})
	return result, err
}
