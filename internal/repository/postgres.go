package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresStore implements Store on the chat service's Postgres schema.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB, log *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:  db,
		log: log.With(zap.String("module", "repository")),
	}
}

// SaveMessage inserts msg and moves the conversation's last message pointer
// in one transaction.
func (s *PostgresStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = "text"
	}
	err := WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, content, type, created_at)
			VALUES ($1, $2, $3, $4, $5, now())
			RETURNING created_at
		`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type)
		if err := row.Scan(&msg.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE conversations SET last_message_id = $1, updated_at = $2 WHERE id = $3
		`, msg.ID, msg.CreatedAt, msg.ConversationID)
		return err
	})
	if err != nil {
		s.log.Error("Failed to save message", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
		return Message{}, err
	}
	return msg, nil
}

func (s *PostgresStore) Participants(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants WHERE conversation_id = $1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)
	`, conversationID, userID).Scan(&ok)
	return ok, err
}

func (s *PostgresStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID)
	return err
}

func (s *PostgresStore) UpdateOnlineStatus(ctx context.Context, userID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET status = $2, last_seen = now() WHERE id = $1
	`, userID, status)
	return err
}
