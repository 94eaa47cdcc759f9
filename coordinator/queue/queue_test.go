package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

// TestCreateTask_DedupesOnEventID checks that create_task is idempotent
// in the originating event id: concurrent duplicates resolve to the
// same queue entry.
func TestCreateTask_DedupesOnEventID(t *testing.T) {
	q := newTestQueue(t)
	task := Task{RequestID: "100", DataID: "0xaa", EventID: "evt-1", Payload: json.RawMessage(`{}`)}

	enqueued, err := q.CreateTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, enqueued)

	enqueued, err = q.CreateTask(context.Background(), task)
	require.NoError(t, err)
	require.False(t, enqueued, "duplicate event id must not re-enqueue")

	got, err := q.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "100", got.RequestID)

	// only one entry was ever queued
	got2, err := q.Poll(10 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got2)
}

// TestPoll_TimesOutWithoutSpinning verifies Poll returns (nil, nil) on
// an empty queue rather than erroring, the BLPOP timeout contract.
func TestPoll_TimesOutWithoutSpinning(t *testing.T) {
	q := newTestQueue(t)
	task, err := q.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, task)
}

// TestPoll_FIFO verifies tasks are delivered in enqueue order.
func TestPoll_FIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.CreateTask(ctx, Task{RequestID: "1", DataID: "a", EventID: "e1", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = q.CreateTask(ctx, Task{RequestID: "2", DataID: "b", EventID: "e2", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)

	first, err := q.Poll(time.Second)
	require.NoError(t, err)
	require.Equal(t, "1", first.RequestID)

	second, err := q.Poll(time.Second)
	require.NoError(t, err)
	require.Equal(t, "2", second.RequestID)
}
