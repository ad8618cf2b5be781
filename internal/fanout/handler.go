// Package fanout turns bus envelopes into new_message emissions on this
// process's connections.
package fanout

import (
	"context"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/bus"
	"github.com/nmxmxh/ovasabi-relay/internal/dedup"
	"github.com/nmxmxh/ovasabi-relay/internal/presence"
	"github.com/nmxmxh/ovasabi-relay/internal/room"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

const EventNewMessage = "new_message"

type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) ([]presence.Handle, error)
}

// MemberSource resolves participants for envelopes that carry none.
type MemberSource interface {
	Members(ctx context.Context, conversationID string) ([]string, error)
}

type NewMessage struct {
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversationId"`
}

type Handler struct {
	window    *dedup.Window
	presence  PresenceLookup
	members   MemberSource
	hub       *room.Hub
	processID string
	log       *zap.Logger
}

func NewHandler(window *dedup.Window, presence PresenceLookup, members MemberSource, hub *room.Hub, processID string, log *zap.Logger) *Handler {
	return &Handler{
		window:    window,
		presence:  presence,
		members:   members,
		hub:       hub,
		processID: processID,
		log:       log.With(zap.String("module", "fanout")),
	}
}

// HandleEnvelope emits new_message exactly once to every local connection
// that joined the conversation room or belongs to a participant. Redelivered
// envelopes inside the dedup window are dropped.
func (h *Handler) HandleEnvelope(ctx context.Context, env *bus.Envelope) error {
	id := env.ID()
	if h.window.Seen(id) {
		metrics.EnvelopesConsumed.WithLabelValues("duplicate").Inc()
		h.log.Debug("Duplicate envelope ignored", zap.String("envelope_id", id))
		return nil
	}

	participants := env.Participants()
	if len(env.RecipientIDs) == 0 && h.members != nil {
		cached, err := h.members.Members(ctx, env.ConversationID)
		if err != nil {
			h.log.Warn("Membership cache unavailable", zap.String("conversation_id", env.ConversationID), zap.Error(err))
		}
		participants = append(participants, cached...)
	}

	rooms := []string{room.ConversationRoom(env.ConversationID)}
	for _, userID := range participants {
		if h.hasLocalHandle(ctx, userID) {
			rooms = append(rooms, room.PersonalRoom(userID))
		}
	}

	sent := h.hub.EmitUnion(rooms, EventNewMessage, NewMessage{
		Message:        env.Message,
		ConversationID: env.ConversationID,
	}, "")
	metrics.EnvelopesConsumed.WithLabelValues("handled").Inc()
	h.log.Debug("Envelope fanned out",
		zap.String("envelope_id", id),
		zap.String("conversation_id", env.ConversationID),
		zap.Int("connections", sent))
	return nil
}

// hasLocalHandle consults the registry for a live handle on this process. If
// the registry cannot answer, the local personal room is used as is.
func (h *Handler) hasLocalHandle(ctx context.Context, userID string) bool {
	handles, err := h.presence.Lookup(ctx, userID)
	if err != nil {
		h.log.Warn("Presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return true
	}
	for _, handle := range handles {
		if handle.ProcessID == h.processID {
			return true
		}
	}
	return false
}
