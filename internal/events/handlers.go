package events

import (
	"github.com/nmxmxh/ovasabi-relay/internal/room"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

func (r *Relay) toRoom(kind Kind, route Routing, raw json.RawMessage) {
	r.hub.Emit(room.ConversationRoom(route.ConversationID), kind.String(), raw, "")
}

func (r *Relay) toTargets(kind Kind, route Routing, raw json.RawMessage) {
	r.hub.EmitUnion(personalRooms(route.Targets(kind)), kind.String(), raw, "")
}

func (r *Relay) memberAdded(kind Kind, route Routing, raw json.RawMessage) {
	r.hub.Emit(room.ConversationRoom(route.ConversationID), kind.String(), raw, "")
	r.hub.EmitUnion(personalRooms(route.NewMembers()), EventAddedToConversation, conversationRef{route.ConversationID}, "")
}

// memberRemoved serves member_removed and leave_conversation: the room hears
// about it first, then the user's local connections stop receiving the room.
func (r *Relay) memberRemoved(kind Kind, route Routing, raw json.RawMessage) {
	convRoom := room.ConversationRoom(route.ConversationID)
	r.hub.Emit(convRoom, kind.String(), raw, "")
	r.hub.EvictUser(route.UserID, convRoom)
	if kind == MemberRemoved {
		r.hub.Emit(room.PersonalRoom(route.UserID), EventRemovedFromConversation, conversationRef{route.ConversationID}, "")
	}
}

func (r *Relay) groupCreated(kind Kind, route Routing, raw json.RawMessage) {
	rooms := personalRooms(unique(append([]string{route.CreatorID}, route.ParticipantIDs...)))
	r.hub.EmitUnion(rooms, kind.String(), raw, "")
	r.hub.EmitUnion(rooms, EventJoinConversation, conversationRef{route.ConversationID}, "")
}

func (r *Relay) conversationDeleted(kind Kind, route Routing, raw json.RawMessage) {
	convRoom := room.ConversationRoom(route.ConversationID)
	r.hub.EmitUnion(personalRooms(route.ParticipantIDs), kind.String(), raw, "")
	r.hub.Emit(convRoom, EventRoomClosed, conversationRef{route.ConversationID}, "")
	r.hub.CloseRoom(convRoom)
}
