package session

import (
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

// Client requests.
const (
	RequestAuthenticate      = "authenticate"
	RequestJoinConversation  = "join_conversation"
	RequestLeaveConversation = "leave_conversation"
	RequestSendMessage       = "send_message"
	RequestTypingStart       = "typing_start"
	RequestTypingEnd         = "typing_end"
)

// Server events.
const (
	EventAuthenticated      = "authenticated"
	EventJoinedConversation = "joined_conversation"
	EventLeftConversation   = "left_conversation"
	EventMessageSent        = "message_sent"
	EventError              = "error"
)

// Frame is the unit exchanged on the socket in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authenticateRequest struct {
	Token string `json:"token"`
}

type conversationRequest struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	TempID         string `json:"tempId,omitempty"`
}

type typingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type authenticatedEvent struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

type messageSentEvent struct {
	Message interface{} `json:"message"`
	TempID  string      `json:"tempId,omitempty"`
}

// ErrorEvent is the payload of an error frame.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Request string `json:"request,omitempty"`
}

func newErrorEvent(request string, err error) ErrorEvent {
	return ErrorEvent{Code: relayerrors.Code(err), Message: err.Error(), Request: request}
}

// decodeData unmarshals a request body, mapping failures to ErrInvalidPayload.
func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error())
	}
	return nil
}

// decodeConversationID accepts {"conversationId": "..."} or a bare string.
func decodeConversationID(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, nil
	}
	var req conversationRequest
	if err := decodeData(data, &req); err != nil {
		return "", err
	}
	if req.ConversationID == "" {
		return "", relayerrors.Wrap(relayerrors.ErrInvalidPayload, "conversationId is required")
	}
	return req.ConversationID, nil
}
