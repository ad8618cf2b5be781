package room

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/room/roomtest"
)

func startAdapter(t *testing.T, ctx context.Context, addr, processID string) *Adapter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	a := NewAdapter(NewHub(zap.NewNop()), client, processID, zap.NewNop())
	go func() { _ = a.Listen(ctx) }()
	select {
	case <-a.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter %s did not subscribe", processID)
	}
	return a
}

func TestBroadcastReachesOtherProcess(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	procA := startAdapter(t, ctx, mr.Addr(), "pA")
	procB := startAdapter(t, ctx, mr.Addr(), "pB")

	sender := roomtest.NewConn("cxA", "u1")
	procA.Join(sender, ConversationRoom("c1"))
	remote := roomtest.NewConn("cxB", "u2")
	procB.Join(remote, ConversationRoom("c1"))

	err := procA.Broadcast(ctx, ConversationRoom("c1"), "group_name_updated", map[string]string{"conversationId": "c1", "name": "ops"}, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return remote.Count("group_name_updated") == 1 }, 2*time.Second, 10*time.Millisecond)
	frame, _ := remote.Last("group_name_updated")
	assert.JSONEq(t, `{"conversationId":"c1","name":"ops"}`, string(frame.Payload))

	// The origin serves its own joiners once and ignores its echo.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.Count("group_name_updated"))
}

func TestBroadcastHonoursExceptAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	procA := startAdapter(t, ctx, mr.Addr(), "pA")
	procB := startAdapter(t, ctx, mr.Addr(), "pB")

	typist := roomtest.NewConn("cxA", "u1")
	procA.Join(typist, ConversationRoom("c1"))
	other := roomtest.NewConn("cxB", "u2")
	procB.Join(other, ConversationRoom("c1"))

	require.NoError(t, procA.Broadcast(ctx, ConversationRoom("c1"), "typing_start", map[string]string{"userId": "u1"}, "cxA"))

	require.Eventually(t, func() bool { return other.Count("typing_start") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, typist.Count("typing_start"))
}

func TestListenIgnoresGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	procB := startAdapter(t, ctx, mr.Addr(), "pB")
	c := roomtest.NewConn("cxB", "u2")
	procB.Join(c, "r")

	mr.Publish("room_broadcast", "{broken")
	mr.Publish("room_broadcast", `{"origin":"pA","room":"r","event":"ok","payload":{}}`)

	require.Eventually(t, func() bool { return c.Count("ok") == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestAdapterMembershipIsLocal(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	a := NewAdapter(NewHub(zap.NewNop()), client, "pA", zap.NewNop())

	conn := roomtest.NewConn("cx1", "u1")
	a.Join(conn, PersonalRoom("u1"))
	a.Join(conn, ConversationRoom("c1"))
	a.Join(conn, ConversationRoom("c2"))
	assert.True(t, a.Hub().InRoom("cx1", ConversationRoom("c1")))

	assert.True(t, a.Leave("cx1", ConversationRoom("c1")))
	assert.False(t, a.Leave("cx1", ConversationRoom("c1")))

	left := a.LeaveAll("cx1")
	assert.ElementsMatch(t, []string{PersonalRoom("u1"), ConversationRoom("c2")}, left)
	assert.Empty(t, a.Hub().Rooms("cx1"))
}
