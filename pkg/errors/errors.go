package errors

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrMissingToken is returned when a connection presents no credential.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken is returned when a credential cannot be verified.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired is returned when a credential has expired.
	ErrTokenExpired = errors.New("token expired")
	// ErrInvalidPayload is returned when a frame or event payload is malformed.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnknownEvent is returned for request types the relay does not handle.
	ErrUnknownEvent = errors.New("unknown event")
	// ErrUnknownChannel is returned when publishing to a channel outside the catalogue.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrNotJoined is returned when a connection acts on a room it has not joined.
	ErrNotJoined = errors.New("conversation not joined")
	// ErrNotParticipant is returned when a user asks to join a conversation they are not part of.
	ErrNotParticipant = errors.New("not a participant")
	// ErrInvalidState is returned when a request arrives in the wrong session state.
	ErrInvalidState = errors.New("invalid session state")
)

// Delivery errors.
var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSendBufferFull is returned when a slow connection cannot take more frames.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrPersistence is returned when the storage collaborator rejects a write.
	ErrPersistence = errors.New("persistence failed")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Code maps an error to the stable code sent to clients in error events.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingToken), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired):
		return "unauthorized"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrNotParticipant):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrPersistence):
		return "send_failed"
	default:
		return "internal"
	}
}

// LogWithError logs the error with context and returns a wrapped error.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(requestIDKey{}).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

type requestIDKey struct{}

// WithRequestID tags ctx with a request id picked up by LogWithError.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
