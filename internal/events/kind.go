// Package events carries structural (non-message) events between processes
// over Redis pub/sub. Every process relays each event to its own local
// connections; user-targeted events for offline users are parked in the
// pending queue instead.
package events

// Kind names a structural event. The kind doubles as the pub/sub channel and
// as the event name emitted to clients.
type Kind string

const (
	MemberAdded           Kind = "member_added"
	MemberRemoved         Kind = "member_removed"
	LeaveConversation     Kind = "leave_conversation"
	GroupCreated          Kind = "group_created"
	GroupNameUpdated      Kind = "group_name_updated"
	GroupAvatarUpdated    Kind = "group_avatar_updated"
	ConversationDeleted   Kind = "conversation_deleted"
	MessageRead           Kind = "message_read"
	MessageDeleted        Kind = "message_deleted"
	MessageEdited         Kind = "message_edited"
	FriendRequest         Kind = "friend_request"
	FriendRequestAccepted Kind = "friend_request_accepted"
	NicknameUpdated       Kind = "nickname_updated"
	RoleUpdated           Kind = "role_updated"
)

// Instructions emitted to clients alongside relayed kinds.
const (
	EventJoinConversation        = "join_conversation"
	EventRoomClosed              = "room_closed"
	EventAddedToConversation     = "added_to_conversation"
	EventRemovedFromConversation = "removed_from_conversation"
)

var kinds = []Kind{
	MemberAdded,
	MemberRemoved,
	LeaveConversation,
	GroupCreated,
	GroupNameUpdated,
	GroupAvatarUpdated,
	ConversationDeleted,
	MessageRead,
	MessageDeleted,
	MessageEdited,
	FriendRequest,
	FriendRequestAccepted,
	NicknameUpdated,
	RoleUpdated,
}

// Kinds lists every structural event kind.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// ParseKind resolves a channel name.
func ParseKind(channel string) (Kind, bool) {
	for _, k := range kinds {
		if string(k) == channel {
			return k, true
		}
	}
	return "", false
}

// UserTargeted reports whether the kind targets specific users rather than a
// room, which makes it eligible for the pending queue.
func (k Kind) UserTargeted() bool {
	return k == FriendRequest || k == FriendRequestAccepted
}

// Channel returns the pub/sub channel carrying the kind.
func (k Kind) Channel() string {
	return string(k)
}

func (k Kind) String() string {
	return string(k)
}
