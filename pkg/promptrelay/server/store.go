// Package server – store.go persists conversations and exchanged messages to
// SQLite. Schema creation is idempotent, so opening an existing database is
// safe.
package server

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Message lifecycle states.
const (
	MessagePending  = "pending"
	MessageSent     = "sent"
	MessageReceived = "received"
	MessageFailed   = "error"
)

// StoredMessage is one persisted prompt or reply.
type StoredMessage struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	Status         string
	CreatedAt      time.Time
}

// Store wraps the SQLite database holding the request/reply log.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and ensures the schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL DEFAULT '',
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			status          TEXT NOT NULL,
			created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveConversation records a conversation id the first time it is seen.
func (s *Store) SaveConversation(id, title string) error {
	if id == "" {
		return nil
	}
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO conversations (id, title) VALUES (?, ?)`, id, title)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// SaveMessage inserts a message and returns its row id.
func (s *Store) SaveMessage(conversationID, role, content, msgStatus string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, role, content, status) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, msgStatus)
	if err != nil {
		return 0, fmt.Errorf("save message: %w", err)
	}
	return res.LastInsertId()
}

// UpdateMessageStatus advances a message's lifecycle state.
func (s *Store) UpdateMessageStatus(id int64, msgStatus string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, msgStatus, id)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// MessagesByConversation returns a conversation's messages oldest first.
func (s *Store) MessagesByConversation(conversationID string) ([]StoredMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, conversation_id, role, content, status, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
