package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

func setupQueue(t *testing.T, retention time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, zap.NewNop(), retention), mr
}

func TestEnqueueDrainOrder(t *testing.T) {
	q, _ := setupQueue(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "u2", "friend_request", json.RawMessage(`{"senderId":"u3"}`)))
	require.NoError(t, q.Enqueue(ctx, "u2", "friend_request_accepted", json.RawMessage(`{"senderId":"u4"}`)))

	n, err := q.Len(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := q.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "friend_request", entries[0].EventType)
	assert.Equal(t, "u2", entries[0].TargetUserID)
	assert.JSONEq(t, `{"senderId":"u3"}`, string(entries[0].Payload))
	assert.Equal(t, "friend_request_accepted", entries[1].EventType)
	assert.False(t, entries[0].EnqueuedAt.IsZero())

	n, err = q.Len(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, n, "drain deletes the queue")

	entries, err = q.Drain(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainIsExclusive(t *testing.T) {
	q, _ := setupQueue(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, "u1", "friend_request", json.RawMessage(`{}`)))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := q.Drain(ctx, "u1")
			assert.NoError(t, err)
			mu.Lock()
			total += len(entries)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, total)
}

func TestRequeueKeepsOrderAhead(t *testing.T) {
	q, _ := setupQueue(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "u1", "a", json.RawMessage(`1`)))
	require.NoError(t, q.Enqueue(ctx, "u1", "b", json.RawMessage(`2`)))
	drained, err := q.Drain(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, "u1", "c", json.RawMessage(`3`)))
	require.NoError(t, q.Requeue(ctx, "u1", drained))

	entries, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.EventType)
	}
	assert.Equal(t, []string{"a", "b", "c"}, kinds)
}

func TestRetention(t *testing.T) {
	q, mr := setupQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "u1", "friend_request", json.RawMessage(`{}`)))
	assert.Equal(t, time.Minute, mr.TTL(q.key("u1")))

	mr.FastForward(2 * time.Minute)
	n, err := q.Len(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}
