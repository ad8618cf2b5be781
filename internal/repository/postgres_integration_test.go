package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap"

	"github.com/nmxmxh/ovasabi-relay/pkg/tester"
)

const schema = `
CREATE TABLE users (id TEXT PRIMARY KEY, status TEXT NOT NULL DEFAULT 'offline', last_seen TIMESTAMPTZ);
CREATE TABLE conversations (id TEXT PRIMARY KEY, last_message_id TEXT, updated_at TIMESTAMPTZ);
CREATE TABLE conversation_participants (conversation_id TEXT NOT NULL, user_id TEXT NOT NULL, PRIMARY KEY (conversation_id, user_id));
CREATE TABLE messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations (id),
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
INSERT INTO users (id) VALUES ('u1'), ('u2');
INSERT INTO conversations (id) VALUES ('c1');
INSERT INTO conversation_participants VALUES ('c1', 'u1'), ('c1', 'u2');
`

func TestPostgresStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	tt := tester.NewTester("postgres-store", zap.NewNop())
	t.Cleanup(func() { _ = tt.Teardown(context.Background()) })
	require.NoError(t, tt.SetupPostgres(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, schema)
		return err
	}))

	store := NewPostgresStore(tt.DB, zap.NewNop())

	ids, err := store.Participants(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)

	ok, err := store.IsParticipant(ctx, "c1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	msg, err := store.SaveMessage(ctx, Message{ConversationID: "c1", SenderID: "u1", Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	var last string
	require.NoError(t, tt.DB.QueryRowContext(ctx, `SELECT last_message_id FROM conversations WHERE id = 'c1'`).Scan(&last))
	assert.Equal(t, msg.ID, last)

	_, err = store.SaveMessage(ctx, Message{ConversationID: "missing", SenderID: "u1", Content: "x"})
	assert.Error(t, err, "foreign key violation rolls back")

	require.NoError(t, store.RemoveParticipant(ctx, "c1", "u2"))
	ok, err = store.IsParticipant(ctx, "c1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.UpdateOnlineStatus(ctx, "u1", "online"))
	var status string
	require.NoError(t, tt.DB.QueryRowContext(ctx, `SELECT status FROM users WHERE id = 'u1'`).Scan(&status))
	assert.Equal(t, "online", status)
}
