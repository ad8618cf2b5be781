package room

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	redisutil "github.com/nmxmxh/ovasabi-relay/pkg/redis"
)

// broadcast is the frame carried on the room relay channel.
type broadcast struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Except  string          `json:"except,omitempty"`
}

// Adapter makes room broadcasts reach joiners on every process. Local
// joiners are served directly; peers re-emit to their own joiners.
type Adapter struct {
	hub       *Hub
	client    redis.UniversalClient
	processID string
	log       *zap.Logger
	ready     chan struct{}
}

func NewAdapter(hub *Hub, client redis.UniversalClient, processID string, log *zap.Logger) *Adapter {
	return &Adapter{
		hub:       hub,
		client:    client,
		processID: processID,
		log:       log.With(zap.String("module", "room_adapter")),
		ready:     make(chan struct{}),
	}
}

func (a *Adapter) Hub() *Hub {
	return a.hub
}

// Join adds a local connection to room.
func (a *Adapter) Join(conn Conn, room string) {
	a.hub.Join(conn, room)
}

// Leave removes a local connection from room.
func (a *Adapter) Leave(connID, room string) bool {
	return a.hub.Leave(connID, room)
}

// LeaveAll removes a local connection from every room it joined.
func (a *Adapter) LeaveAll(connID string) []string {
	return a.hub.LeaveAll(connID)
}

// Broadcast emits to every joiner of room cluster-wide, skipping except.
func (a *Adapter) Broadcast(ctx context.Context, room, event string, payload interface{}, except string) error {
	raw, err := json.Raw(payload)
	if err != nil {
		return fmt.Errorf("room: encode %s payload: %w", event, err)
	}
	a.hub.Emit(room, event, raw, except)

	frame, err := json.Marshal(broadcast{
		Origin:  a.processID,
		Room:    room,
		Event:   event,
		Payload: raw,
		Except:  except,
	})
	if err != nil {
		return err
	}
	if err := a.client.Publish(ctx, redisutil.ChannelRoomBroadcast, frame).Err(); err != nil {
		return fmt.Errorf("room: relay %s to %s: %w", event, room, err)
	}
	return nil
}

// Ready is closed once the relay subscription is confirmed.
func (a *Adapter) Ready() <-chan struct{} {
	return a.ready
}

// Listen re-emits peer broadcasts to local joiners until ctx is done.
func (a *Adapter) Listen(ctx context.Context) error {
	pubsub := a.client.Subscribe(ctx, redisutil.ChannelRoomBroadcast)
	defer func() {
		if err := pubsub.Close(); err != nil {
			a.log.Error("Failed to close Redis pubsub", zap.Error(err))
		}
	}()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("room: subscribe: %w", err)
	}
	close(a.ready)
	a.log.Info("Room relay subscribed", zap.String("channel", redisutil.ChannelRoomBroadcast))

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			a.handle(msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (a *Adapter) handle(payload string) {
	var b broadcast
	if err := json.Unmarshal([]byte(payload), &b); err != nil {
		a.log.Warn("Failed to unmarshal room broadcast", zap.Error(err))
		return
	}
	if b.Origin == a.processID {
		return
	}
	a.hub.Emit(b.Room, b.Event, b.Payload, b.Except)
}
