package events

import (
	"fmt"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
)

// Routing holds the payload fields that decide where an event goes. The
// payload itself is relayed untouched.
type Routing struct {
	ConversationID    string   `json:"conversationId"`
	UserID            string   `json:"userId"`
	CreatorID         string   `json:"creatorId"`
	ParticipantIDs    []string `json:"participantIds"`
	NewParticipantID  string   `json:"newParticipantId"`
	NewParticipantIDs []string `json:"newParticipantIds"`
	SenderID          string   `json:"senderId"`
	ReceiverID        string   `json:"receiverId"`
}

// NewMembers merges the single and list forms of added participants.
func (r Routing) NewMembers() []string {
	return unique(append([]string{r.NewParticipantID}, r.NewParticipantIDs...))
}

// Targets returns the users a user-targeted kind is addressed to.
func (r Routing) Targets(kind Kind) []string {
	switch kind {
	case FriendRequest:
		return unique([]string{r.ReceiverID})
	case FriendRequestAccepted:
		return unique([]string{r.ReceiverID, r.SenderID})
	}
	return nil
}

// Validate checks the fields kind needs for routing.
func (r Routing) Validate(kind Kind) error {
	missing := func(field string) error {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, fmt.Sprintf("%s requires %s", kind, field))
	}
	switch kind {
	case FriendRequest:
		if r.ReceiverID == "" {
			return missing("receiverId")
		}
		return nil
	case FriendRequestAccepted:
		if r.ReceiverID == "" || r.SenderID == "" {
			return missing("senderId and receiverId")
		}
		return nil
	}

	if r.ConversationID == "" {
		return missing("conversationId")
	}
	switch kind {
	case MemberAdded:
		if len(r.NewMembers()) == 0 {
			return missing("newParticipantIds")
		}
	case MemberRemoved, LeaveConversation:
		if r.UserID == "" {
			return missing("userId")
		}
	case GroupCreated:
		if len(r.ParticipantIDs) == 0 {
			return missing("participantIds")
		}
	}
	return nil
}

func unique(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
