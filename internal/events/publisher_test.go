package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/membership"
	"github.com/nmxmxh/ovasabi-relay/internal/pending"
	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	"github.com/nmxmxh/ovasabi-relay/internal/room"
	"github.com/nmxmxh/ovasabi-relay/internal/room/roomtest"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
)

type cluster struct {
	mr        *miniredis.Miniredis
	client    *redis.Client
	presence  *presence.Registry
	pending   *pending.Queue
	members   *membership.Cache
	publisher *Publisher
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := zap.NewNop()
	c := &cluster{
		mr:       mr,
		client:   client,
		presence: presence.NewRegistry(client, log, time.Minute),
		pending:  pending.NewQueue(client, log, time.Hour),
		members:  membership.NewCache(client, log),
	}
	c.publisher = NewPublisher(client, c.presence, c.pending, c.members, log)
	return c
}

// startRelay runs a relay as another process would, with its own client.
func (c *cluster) startRelay(t *testing.T, ctx context.Context) *room.Hub {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: c.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := room.NewHub(zap.NewNop())
	relay, err := NewRelay(hub, client, zap.NewNop())
	require.NoError(t, err)
	go func() { _ = relay.Listen(ctx) }()
	select {
	case <-relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}
	return hub
}

func TestFriendRequestToOfflineUserIsQueued(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := c.startRelay(t, ctx)
	watcher := roomtest.NewConn("cxW", "u2")
	hub.Join(watcher, room.PersonalRoom("u2"))

	err := c.publisher.Publish(ctx, FriendRequest, map[string]interface{}{
		"senderId":   "u3",
		"receiverId": "u2",
		"senderInfo": map[string]string{"username": "carol"},
	})
	require.NoError(t, err)

	n, err := c.pending.Len(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := c.pending.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "friend_request", entries[0].EventType)
	assert.JSONEq(t, `{"senderId":"u3","receiverId":"u2","senderInfo":{"username":"carol"}}`, string(entries[0].Payload))

	// Offline targets are not published to.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, watcher.Count("friend_request"))
}

func TestFriendRequestToOnlineUserIsPublished(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := c.startRelay(t, ctx)

	_, err := c.presence.Register(ctx, presence.Handle{ConnectionID: "cx2", UserID: "u2", ProcessID: "pB"})
	require.NoError(t, err)
	conn := roomtest.NewConn("cx2", "u2")
	hub.Join(conn, room.PersonalRoom("u2"))

	require.NoError(t, c.publisher.Publish(ctx, FriendRequest, map[string]string{"senderId": "u3", "receiverId": "u2"}))

	require.Eventually(t, func() bool { return conn.Count("friend_request") == 1 }, 2*time.Second, 10*time.Millisecond)
	n, err := c.pending.Len(ctx, "u2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAcceptedQueuesOnlyOfflineParty(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	_, err := c.presence.Register(ctx, presence.Handle{ConnectionID: "cx1", UserID: "u1", ProcessID: "pA"})
	require.NoError(t, err)

	require.NoError(t, c.publisher.Publish(ctx, FriendRequestAccepted, map[string]string{"senderId": "u1", "receiverId": "u2"}))

	n, _ := c.pending.Len(ctx, "u2")
	assert.Equal(t, int64(1), n)
	n, _ = c.pending.Len(ctx, "u1")
	assert.Zero(t, n)
}

func TestPublishMirrorsMembership(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()

	require.NoError(t, c.publisher.Publish(ctx, GroupCreated, map[string]interface{}{
		"conversationId": "c1", "name": "team", "creatorId": "u1", "participantIds": []string{"u2", "u3"},
	}))
	members, err := c.members.Members(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2", "u3"}, members)

	require.NoError(t, c.publisher.Publish(ctx, MemberAdded, map[string]interface{}{"conversationId": "c1", "newParticipantIds": []string{"u4"}}))
	require.NoError(t, c.publisher.Publish(ctx, LeaveConversation, map[string]string{"conversationId": "c1", "userId": "u2"}))
	members, _ = c.members.Members(ctx, "c1")
	assert.ElementsMatch(t, []string{"u1", "u3", "u4"}, members)

	require.NoError(t, c.publisher.Publish(ctx, ConversationDeleted, map[string]interface{}{"conversationId": "c1", "participantIds": []string{"u1"}}))
	members, _ = c.members.Members(ctx, "c1")
	assert.Empty(t, members)
}

func TestPublishRejectsInvalidPayload(t *testing.T) {
	c := newCluster(t)
	err := c.publisher.Publish(context.Background(), MemberRemoved, map[string]string{"conversationId": "c1"})
	assert.True(t, relayerrors.Is(err, relayerrors.ErrInvalidPayload))

	err = c.publisher.Publish(context.Background(), MessageRead, []byte(`{not json`))
	assert.True(t, relayerrors.Is(err, relayerrors.ErrInvalidPayload))
}

func TestRoomEventReachesOtherProcess(t *testing.T) {
	c := newCluster(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The publisher runs on one process, the members sit on another.
	hubB := c.startRelay(t, ctx)
	stays := roomtest.NewConn("cxB1", "u1")
	leaves := roomtest.NewConn("cxB2", "u2")
	hubB.Join(stays, room.ConversationRoom("c1"))
	hubB.Join(leaves, room.ConversationRoom("c1"))
	hubB.Join(leaves, room.PersonalRoom("u2"))

	require.NoError(t, c.members.Add(ctx, "c1", "u1", "u2"))
	require.NoError(t, c.publisher.Publish(ctx, MemberRemoved, map[string]string{"conversationId": "c1", "userId": "u2"}))

	require.Eventually(t, func() bool { return stays.Count("member_removed") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return leaves.Count(EventRemovedFromConversation) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hubB.InRoom("cxB2", room.ConversationRoom("c1")))

	members, err := c.members.Members(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)

	require.NoError(t, c.publisher.Publish(ctx, NicknameUpdated, map[string]string{"conversationId": "c1", "userId": "u1", "nickname": "boss"}))
	require.Eventually(t, func() bool { return stays.Count("nickname_updated") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, leaves.Count("nickname_updated"))
}
