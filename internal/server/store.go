package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// StoredMessage is one persisted channel message.
type StoredMessage struct {
	Content   string
	Username  string
	PfpPath   string
	CreatedAt time.Time
}

// MessageStore persists channel messages for the history API.
type MessageStore interface {
	SaveChannelMessage(ctx context.Context, channelID, userID, username, pfpPath, content, messageType string, createdAt time.Time) error
	ChannelMessages(ctx context.Context, channelID string, limit int) ([]StoredMessage, error)
}

// pgStore is the postgres-backed store.
type pgStore struct {
	db *sql.DB
}

// OpenPGStore connects to postgres and ensures the messages table exists.
func OpenPGStore(dsn string) (MessageStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	schema := `CREATE TABLE IF NOT EXISTS channel_messages (
		id SERIAL PRIMARY KEY,
		channel_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		pfp_path TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &pgStore{db: db}, nil
}

func (s *pgStore) SaveChannelMessage(ctx context.Context, channelID, userID, username, pfpPath, content, messageType string, createdAt time.Time) error {
	query := `INSERT INTO channel_messages
		(channel_id, user_id, username, pfp_path, content, message_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := s.db.ExecContext(ctx, query, channelID, userID, username, pfpPath, content, messageType, createdAt)
	return err
}

func (s *pgStore) ChannelMessages(ctx context.Context, channelID string, limit int) ([]StoredMessage, error) {
	query := `SELECT content, username, pfp_path, created_at
		FROM channel_messages
		WHERE channel_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.Content, &m.Username, &m.PfpPath, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// memStore keeps messages in memory; the default when no DSN is configured.
type memStore struct {
	mu       sync.RWMutex
	limit    int
	messages map[string][]StoredMessage
}

func NewMemStore() MessageStore {
	return &memStore{limit: 500, messages: make(map[string][]StoredMessage)}
}

func (s *memStore) SaveChannelMessage(_ context.Context, channelID, _, username, pfpPath, content, _ string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := append(s.messages[channelID], StoredMessage{
		Content:   content,
		Username:  username,
		PfpPath:   pfpPath,
		CreatedAt: createdAt,
	})
	if len(msgs) > s.limit {
		msgs = msgs[len(msgs)-s.limit:]
	}
	s.messages[channelID] = msgs
	return nil
}

func (s *memStore) ChannelMessages(_ context.Context, channelID string, limit int) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[channelID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]StoredMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}
