// Package lock implements the advisory TTL-based mutual-exclusion
// primitive used by the first worker to claim compilation of a given
// checksum. It is an
// optimization, not safety-critical: the job-table uniqueness
// constraint (protocol.Job) is the sole cross-worker safety guarantee.
package lock

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/outlayer-network/outlayer/internal/log"
)

var logger = log.NewModuleLogger(log.ModuleLock)

const keyPrefix = "outlayer:lock:"

type Locker struct {
	client *redis.Client
}

func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire sets key to workerID with the given ttl if absent, or
// re-entrantly succeeds if the current holder is already workerID.
func (l *Locker) Acquire(key, workerID string, ttl time.Duration) (bool, error) {
	rk := keyPrefix + key
	ok, err := l.client.SetNX(rk, workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: acquire failed: %w", err)
	}
	if ok {
		return true, nil
	}
	holder, err := l.client.Get(rk).Result()
	if err == redis.Nil {
		// lock expired between SetNX and Get; retry once.
		return l.client.SetNX(rk, workerID, ttl).Result()
	}
	if err != nil {
		return false, fmt.Errorf("lock: holder check failed: %w", err)
	}
	if holder == workerID {
		// re-entrant: refresh the TTL.
		if err := l.client.Expire(rk, ttl).Err(); err != nil {
			return false, fmt.Errorf("lock: refresh failed: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// Release drops key unconditionally (advisory: callers should only
// release locks they believe they hold).
func (l *Locker) Release(key string) error {
	if err := l.client.Del(keyPrefix + key).Err(); err != nil {
		return fmt.Errorf("lock: release failed: %w", err)
	}
	return nil
}
