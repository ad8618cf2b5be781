package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db, zap.NewNop()), mock
}

func TestSaveMessage(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).
		WithArgs("m1", "c1", "u1", "hello", "text").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(created))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations SET last_message_id")).
		WithArgs("m1", created, "c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	msg, err := store.SaveMessage(context.Background(), Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, created, msg.CreatedAt)
	assert.Equal(t, "text", msg.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessageRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO messages")).WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	_, err := store.SaveMessage(context.Background(), Message{ConversationID: "c1", SenderID: "u1", Content: "x"})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParticipants(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_id FROM conversation_participants")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1").AddRow("u2"))

	ids, err := store.Participants(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsParticipant(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs("c1", "u9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := store.IsParticipant(context.Background(), "c1", "u9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveParticipantAndStatus(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversation_participants")).
		WithArgs("c1", "u2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET status")).
		WithArgs("u2", "offline").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RemoveParticipant(context.Background(), "c1", "u2"))
	require.NoError(t, store.UpdateOnlineStatus(context.Background(), "u2", "offline"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
