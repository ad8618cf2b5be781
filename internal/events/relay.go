package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/room"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
	redisutil "github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

type handlerFunc func(kind Kind, route Routing, raw json.RawMessage)

// Relay subscribes to every event channel and emits to local connections.
type Relay struct {
	hub      *room.Hub
	client   redis.UniversalClient
	log      *zap.Logger
	handlers map[Kind]handlerFunc
	ready    chan struct{}
}

// NewRelay builds the dispatch table and fails if any kind lacks a handler.
func NewRelay(hub *room.Hub, client redis.UniversalClient, log *zap.Logger) (*Relay, error) {
	r := &Relay{
		hub:    hub,
		client: client,
		log:    log.With(zap.String("module", "event_relay")),
		ready:  make(chan struct{}),
	}
	r.handlers = map[Kind]handlerFunc{
		MemberAdded:           r.memberAdded,
		MemberRemoved:         r.memberRemoved,
		LeaveConversation:     r.memberRemoved,
		GroupCreated:          r.groupCreated,
		GroupNameUpdated:      r.toRoom,
		GroupAvatarUpdated:    r.toRoom,
		ConversationDeleted:   r.conversationDeleted,
		MessageRead:           r.toRoom,
		MessageDeleted:        r.toRoom,
		MessageEdited:         r.toRoom,
		FriendRequest:         r.toTargets,
		FriendRequestAccepted: r.toTargets,
		NicknameUpdated:       r.toRoom,
		RoleUpdated:           r.toRoom,
	}
	for _, k := range kinds {
		if r.handlers[k] == nil {
			return nil, fmt.Errorf("events: no handler for %s", k)
		}
	}
	return r, nil
}

// Ready is closed once every channel subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Listen relays events until ctx is done.
func (r *Relay) Listen(ctx context.Context) error {
	channels := make([]string, 0, len(kinds))
	for _, k := range kinds {
		channels = append(channels, k.Channel())
	}
	pubsub := r.client.Subscribe(ctx, channels...)
	defer func() {
		if err := pubsub.Close(); err != nil {
			r.log.Error("Failed to close Redis pubsub", zap.Error(err))
		}
	}()
	for range channels {
		if _, err := pubsub.Receive(ctx); err != nil {
			return fmt.Errorf("events: subscribe: %w", err)
		}
	}
	close(r.ready)
	r.log.Info("Event relay subscribed", zap.Int("channels", len(channels)))

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.Dispatch(msg.Channel, json.RawMessage(msg.Payload)); err != nil {
				r.log.Warn("Dropped event", zap.String("channel", msg.Channel), zap.Error(err))
				_ = redisutil.EmitToDLQ(ctx, r.client, r.log, msg.Channel, []byte(msg.Payload), err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Dispatch routes one payload received on channel to its handler.
func (r *Relay) Dispatch(channel string, raw json.RawMessage) error {
	kind, ok := ParseKind(channel)
	if !ok {
		metrics.RelayedEvents.WithLabelValues(channel, "unknown").Inc()
		return relayerrors.Wrap(relayerrors.ErrUnknownChannel, channel)
	}
	var route Routing
	if err := json.Unmarshal(raw, &route); err != nil {
		metrics.RelayedEvents.WithLabelValues(channel, "invalid").Inc()
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error())
	}
	if err := route.Validate(kind); err != nil {
		metrics.RelayedEvents.WithLabelValues(channel, "invalid").Inc()
		return err
	}
	r.handlers[kind](kind, route, raw)
	metrics.RelayedEvents.WithLabelValues(channel, "ok").Inc()
	return nil
}

func personalRooms(userIDs []string) []string {
	rooms := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		rooms = append(rooms, room.PersonalRoom(id))
	}
	return rooms
}
