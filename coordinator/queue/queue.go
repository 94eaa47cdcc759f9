// Package queue is the Redis-backed pending-task queue behind
// coordinator create_task/poll. poll must block on the broker rather
// than spin, so it wraps BLPOP.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/outlayer-network/outlayer/internal/log"
)

var logger = log.NewModuleLogger(log.ModuleQueue)

const pendingKey = "outlayer:tasks:pending"

// Task is the queued unit produced by create_task: an opaque
// correlation key plus the event payload needed to run claim_jobs
// later. The queue carries a self-contained event record.
type Task struct {
	RequestID   string          `json:"request_id"`
	DataID      string          `json:"data_id"`
	EventID     string          `json:"event_id"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Queue wraps a Redis client with the pending-task list plus an
// idempotency set keyed by the originating event id.
type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func eventSeenKey(eventID string) string {
	return "outlayer:tasks:seen:" + eventID
}

// CreateTask enqueues task, deduplicating on EventID: concurrent
// duplicates resolve to the same queue entry.
// Returns true if this call actually enqueued (false if it was a
// duplicate no-op).
func (q *Queue) CreateTask(ctx context.Context, task Task) (enqueued bool, err error) {
	if task.EventID == "" {
		return false, fmt.Errorf("queue: task missing event id")
	}
	// SET NX acts as the idempotency guard; only the first caller for
	// a given event id proceeds to push.
	ok, err := q.client.SetNX(eventSeenKey(task.EventID), "1", 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("queue: dedup check failed: %w", err)
	}
	if !ok {
		logger.Debug("duplicate event, queue entry already exists", "event_id", task.EventID)
		return false, nil
	}

	task.EnqueuedAt = time.Now()
	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("queue: marshal task: %w", err)
	}
	if err := q.client.RPush(pendingKey, data).Err(); err != nil {
		return false, fmt.Errorf("queue: rpush failed: %w", err)
	}
	return true, nil
}

// Poll blocks up to timeout waiting for the next queue entry via
// BLPOP, returning at most one task to at most one caller (Redis's
// list pop is atomic across clients).1 poll. Returns
// (nil, nil) on timeout. BLPOP counts its timeout in whole seconds, so
// a timeout that is not a whole number of seconds is rounded up.
func (q *Queue) Poll(timeout time.Duration) (*Task, error) {
	if rem := timeout % time.Second; rem > 0 {
		timeout += time.Second - rem
	}
	res, err := q.client.BLPop(timeout, pendingKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: blpop failed: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("queue: unexpected blpop reply shape")
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("queue: unmarshal task: %w", err)
	}
	return &task, nil
}
