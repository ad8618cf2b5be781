package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/internal/bus"
	"github.com/nmxmxh/ovasabi-relay/internal/events"
	"github.com/nmxmxh/ovasabi-relay/internal/repository"
	"github.com/nmxmxh/ovasabi-relay/internal/room"
	"github.com/nmxmxh/ovasabi-relay/pkg/auth"
	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
	"github.com/nmxmxh/ovasabi-relay/pkg/metrics"
)

var errHandshakeTimeout = relayerrors.Wrap(relayerrors.ErrMissingToken, "handshake timed out")

type requestHandler func(s *Session, data json.RawMessage) error

var requestHandlers = map[string]requestHandler{
	RequestJoinConversation:  (*Session).joinConversation,
	RequestLeaveConversation: (*Session).leaveConversation,
	RequestSendMessage:       (*Session).sendMessage,
	RequestTypingStart:       typing(RequestTypingStart),
	RequestTypingEnd:         typing(RequestTypingEnd),
}

// dispatch handles one inbound frame. It reports false when the session must
// close.
func (s *Session) dispatch(frame Frame) bool {
	if s.State() == StateConnecting {
		if frame.Event != RequestAuthenticate {
			s.sendError(frame.Event, relayerrors.Wrap(relayerrors.ErrMissingToken, "authenticate first"))
			return false
		}
		var req authenticateRequest
		if err := decodeData(frame.Data, &req); err != nil || req.Token == "" {
			s.sendError(frame.Event, relayerrors.ErrMissingToken)
			return false
		}
		return s.authenticate(req.Token, "frame")
	}

	if frame.Event == RequestAuthenticate {
		s.sendError(frame.Event, relayerrors.Wrap(relayerrors.ErrInvalidState, "already authenticated"))
		return true
	}
	handler, ok := requestHandlers[frame.Event]
	if !ok {
		s.sendError(frame.Event, relayerrors.Wrap(relayerrors.ErrUnknownEvent, frame.Event))
		return true
	}
	if err := handler(s, frame.Data); err != nil {
		s.log.Debug("Request failed", zap.String("request", frame.Event), zap.Error(err))
		s.sendError(frame.Event, err)
	}
	return true
}

// authenticate verifies the credential and attaches the session. A failure
// is reported to the client and the session must close.
func (s *Session) authenticate(token, source string) bool {
	claims, err := auth.Parse(token, s.manager.cfg.JWTSecret)
	if err != nil {
		metrics.AuthRequests.WithLabelValues(source, "failure").Inc()
		s.log.Info("Authentication failed", zap.String("source", source), zap.Error(err))
		s.sendError(RequestAuthenticate, err)
		return false
	}
	metrics.AuthRequests.WithLabelValues(source, "success").Inc()

	s.life.Lock()
	defer s.life.Unlock()
	s.userID.Store(claims.UserID)
	s.deviceID.Store(claims.DeviceID)
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated)) {
		return false
	}
	s.manager.attach(s)
	s.log.Info("Connection authenticated", zap.String("user_id", claims.UserID), zap.String("source", source))
	return true
}

func (s *Session) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, opTimeout)
}

// joinRequest is the nested form of a join, {data: {conversationId}}.
type joinRequest struct {
	Data conversationRequest `json:"data"`
}

func (s *Session) joinConversation(data json.RawMessage) error {
	conversationID, err := decodeConversationID(data)
	if err != nil {
		var req joinRequest
		if decodeData(data, &req) != nil || req.Data.ConversationID == "" {
			return err
		}
		conversationID = req.Data.ConversationID
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	m := s.manager
	ok, err := m.breaker.Execute(func() (interface{}, error) {
		return m.deps.Store.IsParticipant(ctx, conversationID, s.UserID())
	})
	if err != nil {
		s.log.Error("Failed to check participant", zap.String("conversation_id", conversationID), zap.Error(err))
		return relayerrors.Wrap(relayerrors.ErrPersistence, "could not verify membership")
	}
	if isMember, _ := ok.(bool); !isMember {
		return relayerrors.Wrap(relayerrors.ErrNotParticipant, conversationID)
	}

	s.life.Lock()
	if s.State() == StateClosed {
		s.life.Unlock()
		return relayerrors.ErrConnectionClosed
	}
	m.deps.Rooms.Join(s, room.ConversationRoom(conversationID))
	s.state.CompareAndSwap(int32(StateAuthenticated), int32(StateJoined))
	s.life.Unlock()

	return s.Send(EventJoinedConversation, conversationRequest{ConversationID: conversationID})
}

// leaveConversation removes the user from the conversation for good and
// tells every process to drop their connections from its room.
func (s *Session) leaveConversation(data json.RawMessage) error {
	conversationID, err := decodeConversationID(data)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext()
	defer cancel()
	m := s.manager
	userID := s.UserID()

	m.deps.Rooms.Leave(s.id, room.ConversationRoom(conversationID))
	if !s.inAnyConversation() {
		s.state.CompareAndSwap(int32(StateJoined), int32(StateAuthenticated))
	}

	if _, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.deps.Store.RemoveParticipant(ctx, conversationID, userID)
	}); err != nil {
		s.log.Error("Failed to remove participant", zap.String("conversation_id", conversationID), zap.Error(err))
		return relayerrors.Wrap(relayerrors.ErrPersistence, "could not leave conversation")
	}

	payload := map[string]string{"conversationId": conversationID, "userId": userID}
	if err := m.deps.Publisher.Publish(ctx, events.LeaveConversation, payload); err != nil {
		s.log.Warn("Failed to publish leave", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return s.Send(EventLeftConversation, conversationRequest{ConversationID: conversationID})
}

func (s *Session) inAnyConversation() bool {
	prefix := room.ConversationRoom("")
	for _, r := range s.manager.hub.Rooms(s.id) {
		if strings.HasPrefix(r, prefix) {
			return true
		}
	}
	return false
}

// sendMessage persists the message, then hands it to the bus. Delivery to
// recipients, the sender's other connections included, happens when the
// envelope comes back from the bus.
func (s *Session) sendMessage(data json.RawMessage) error {
	var req sendMessageRequest
	if err := decodeData(data, &req); err != nil {
		return err
	}
	if req.ConversationID == "" || strings.TrimSpace(req.Content) == "" {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, "conversationId and content are required")
	}
	m := s.manager
	if !m.hub.InRoom(s.id, room.ConversationRoom(req.ConversationID)) {
		return relayerrors.Wrap(relayerrors.ErrNotJoined, req.ConversationID)
	}
	if req.Type == "" {
		req.Type = "text"
	}

	ctx, cancel := s.requestContext()
	defer cancel()
	userID := s.UserID()

	saved, err := m.breaker.Execute(func() (interface{}, error) {
		return m.deps.Store.SaveMessage(ctx, repository.Message{
			ConversationID: req.ConversationID,
			SenderID:       userID,
			Content:        req.Content,
			Type:           req.Type,
		})
	})
	if err != nil {
		s.log.Error("Failed to save message", zap.String("conversation_id", req.ConversationID), zap.Error(err))
		return relayerrors.Wrap(relayerrors.ErrPersistence, "message was not saved")
	}
	msg, _ := saved.(repository.Message)

	recipients := m.recipients(ctx, req.ConversationID)
	env, err := bus.NewEnvelope(req.ConversationID, userID, recipients, msg)
	if err != nil {
		return relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error())
	}
	if err := m.deps.Producer.Publish(ctx, env); err != nil {
		// The message is stored; clients catch up from storage.
		s.log.Error("Failed to publish envelope",
			zap.String("envelope_id", env.EnvelopeID),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
	}
	return s.Send(EventMessageSent, messageSentEvent{Message: msg, TempID: req.TempID})
}

// recipients reads the membership cache, falling back to storage and
// warming the cache.
func (m *Manager) recipients(ctx context.Context, conversationID string) []string {
	members, err := m.deps.Members.Members(ctx, conversationID)
	if err == nil && len(members) > 0 {
		return members
	}
	if err != nil {
		m.log.Warn("Membership cache unavailable", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	result, err := m.breaker.Execute(func() (interface{}, error) {
		return m.deps.Store.Participants(ctx, conversationID)
	})
	if err != nil {
		m.log.Warn("Failed to load participants", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}
	participants, _ := result.([]string)
	if err := m.deps.Members.Replace(ctx, conversationID, participants); err != nil {
		m.log.Warn("Failed to warm membership cache", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return participants
}

// typing relays typing indicators to everyone else in the room.
func typing(event string) requestHandler {
	return func(s *Session, data json.RawMessage) error {
		conversationID, err := decodeConversationID(data)
		if err != nil {
			return err
		}
		target := room.ConversationRoom(conversationID)
		m := s.manager
		if !m.hub.InRoom(s.id, target) {
			return relayerrors.Wrap(relayerrors.ErrNotJoined, conversationID)
		}
		ctx, cancel := s.requestContext()
		defer cancel()
		payload := typingEvent{ConversationID: conversationID, UserID: s.UserID()}
		if err := m.deps.Rooms.Broadcast(ctx, target, event, payload, s.id); err != nil {
			s.log.Warn("Failed to relay typing", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return nil
	}
}
