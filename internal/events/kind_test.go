package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/room"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
)

func TestEveryKindHasHandler(t *testing.T) {
	r, err := NewRelay(room.NewHub(zap.NewNop()), nil, zap.NewNop())
	require.NoError(t, err)
	for _, k := range Kinds() {
		assert.NotNil(t, r.handlers[k], k.String())
	}
	assert.Len(t, r.handlers, len(Kinds()))
}

func TestParseKind(t *testing.T) {
	k, ok := ParseKind("friend_request")
	assert.True(t, ok)
	assert.Equal(t, FriendRequest, k)

	_, ok = ParseKind("new_message")
	assert.False(t, ok)
}

func TestUserTargeted(t *testing.T) {
	for _, k := range Kinds() {
		want := k == FriendRequest || k == FriendRequestAccepted
		assert.Equal(t, want, k.UserTargeted(), k.String())
	}
}

func TestRoutingValidate(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		route Routing
		ok    bool
	}{
		{"room event", GroupNameUpdated, Routing{ConversationID: "c1"}, true},
		{"room event without conversation", MessageRead, Routing{}, false},
		{"member added single id", MemberAdded, Routing{ConversationID: "c1", NewParticipantID: "u2"}, true},
		{"member added without members", MemberAdded, Routing{ConversationID: "c1"}, false},
		{"member removed", MemberRemoved, Routing{ConversationID: "c1", UserID: "u2"}, true},
		{"leave without user", LeaveConversation, Routing{ConversationID: "c1"}, false},
		{"group created", GroupCreated, Routing{ConversationID: "c1", ParticipantIDs: []string{"u1"}}, true},
		{"group created empty", GroupCreated, Routing{ConversationID: "c1"}, false},
		{"friend request", FriendRequest, Routing{SenderID: "u3", ReceiverID: "u2"}, true},
		{"friend request without receiver", FriendRequest, Routing{SenderID: "u3"}, false},
		{"accepted needs both", FriendRequestAccepted, Routing{ReceiverID: "u2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.route.Validate(tt.kind)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, relayerrors.Is(err, relayerrors.ErrInvalidPayload))
		})
	}
}

func TestRoutingTargets(t *testing.T) {
	r := Routing{SenderID: "u1", ReceiverID: "u2"}
	assert.Equal(t, []string{"u2"}, r.Targets(FriendRequest))
	assert.Equal(t, []string{"u2", "u1"}, r.Targets(FriendRequestAccepted))
	assert.Nil(t, r.Targets(MessageRead))

	added := Routing{NewParticipantID: "u3", NewParticipantIDs: []string{"u3", "u4"}}
	assert.Equal(t, []string{"u3", "u4"}, added.NewMembers())
}
