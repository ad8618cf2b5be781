package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) ([]presence.Handle, error)
}

type PendingQueue interface {
	Enqueue(ctx context.Context, userID, eventType string, payload json.RawMessage) error
}

type MembershipMirror interface {
	Add(ctx context.Context, conversationID string, userIDs ...string) error
	Remove(ctx context.Context, conversationID string, userIDs ...string) error
	Delete(ctx context.Context, conversationID string) error
}

// Publisher is used by the process that owns a structural change.
type Publisher struct {
	client   redis.UniversalClient
	presence PresenceLookup
	pending  PendingQueue
	members  MembershipMirror
	log      *zap.Logger
}

func NewPublisher(client redis.UniversalClient, presence PresenceLookup, pending PendingQueue, members MembershipMirror, log *zap.Logger) *Publisher {
	return &Publisher{
		client:   client,
		presence: presence,
		pending:  pending,
		members:  members,
		log:      log.With(zap.String("module", "event_publisher")),
	}
}

// Publish mirrors membership changes, then fans the payload out to every
// process. A user-targeted event whose targets are all offline is queued for
// them and not published.
func (p *Publisher) Publish(ctx context.Context, kind Kind, payload interface{}) error {
	raw, err := json.Raw(payload)
	if err != nil {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error())
	}
	var route Routing
	if err := json.Unmarshal(raw, &route); err != nil {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error())
	}
	if err := route.Validate(kind); err != nil {
		return err
	}

	p.mirror(ctx, kind, route)

	if kind.UserTargeted() {
		online, err := p.storeForOffline(ctx, kind, route, raw)
		if err != nil {
			return err
		}
		if !online {
			return nil
		}
	}

	if err := p.client.Publish(ctx, kind.Channel(), []byte(raw)).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", kind, err)
	}
	p.log.Debug("Published event", zap.String("channel", kind.Channel()), zap.String("conversation_id", route.ConversationID))
	return nil
}

// storeForOffline queues the event for every offline target and reports
// whether any target is online. A failed lookup counts as offline and online
// at once, so the event is both queued and published.
func (p *Publisher) storeForOffline(ctx context.Context, kind Kind, route Routing, raw json.RawMessage) (bool, error) {
	anyOnline := false
	for _, userID := range route.Targets(kind) {
		handles, err := p.presence.Lookup(ctx, userID)
		if err != nil {
			p.log.Warn("Presence lookup failed, queueing and publishing", zap.String("user_id", userID), zap.Error(err))
			anyOnline = true
		} else if len(handles) > 0 {
			anyOnline = true
			continue
		}
		if err := p.pending.Enqueue(ctx, userID, kind.String(), raw); err != nil {
			return anyOnline, fmt.Errorf("events: queue %s for %s: %w", kind, userID, err)
		}
	}
	return anyOnline, nil
}

// mirror keeps the membership cache in step; failures only cost the fast
// path, so they are logged.
func (p *Publisher) mirror(ctx context.Context, kind Kind, route Routing) {
	if p.members == nil {
		return
	}
	var err error
	switch kind {
	case MemberAdded:
		err = p.members.Add(ctx, route.ConversationID, route.NewMembers()...)
	case MemberRemoved, LeaveConversation:
		err = p.members.Remove(ctx, route.ConversationID, route.UserID)
	case GroupCreated:
		err = p.members.Add(ctx, route.ConversationID, unique(append([]string{route.CreatorID}, route.ParticipantIDs...))...)
	case ConversationDeleted:
		err = p.members.Delete(ctx, route.ConversationID)
	}
	if err != nil {
		p.log.Warn("Failed to mirror membership change", zap.String("kind", kind.String()), zap.String("conversation_id", route.ConversationID), zap.Error(err))
	}
}
