package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"ErrMissingToken", ErrMissingToken, "missing token"},
		{"ErrInvalidToken", ErrInvalidToken, "invalid token"},
		{"ErrTokenExpired", ErrTokenExpired, "token expired"},
		{"ErrInvalidPayload", ErrInvalidPayload, "invalid payload"},
		{"ErrUnknownEvent", ErrUnknownEvent, "unknown event"},
		{"ErrNotJoined", ErrNotJoined, "conversation not joined"},
		{"ErrConnectionClosed", ErrConnectionClosed, "connection closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "noop"))

	wrapped := Wrap(ErrInvalidPayload, "decode join_conversation")
	assert.Equal(t, "decode join_conversation: invalid payload", wrapped.Error())
	assert.True(t, Is(wrapped, ErrInvalidPayload))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrMissingToken, "unauthorized"},
		{Wrap(ErrTokenExpired, "auth"), "unauthorized"},
		{ErrInvalidPayload, "invalid_payload"},
		{ErrUnknownEvent, "unknown_event"},
		{ErrNotJoined, "not_joined"},
		{Wrap(ErrPersistence, "save"), "send_failed"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}

func TestLogWithError(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	ctx := WithRequestID(context.Background(), "req-1")

	err := LogWithError(ctx, zap.New(core), "publish failed", ErrConnectionClosed)

	assert.True(t, Is(err, ErrConnectionClosed))
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-1", logs.All()[0].ContextMap()["request_id"])
}
