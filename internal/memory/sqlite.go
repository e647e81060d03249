package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore is a SQLite-backed [MessageStore]. The caller owns the
// database handle and chooses the driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on db and ensures the schema exists.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		parts TEXT,
		timestamp TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append adds a message to a conversation, creating the conversation on
// first use.
func (s *SQLiteStore) Append(conversationID string, msg Message) error {
	if conversationID == "" {
		return fmt.Errorf("append message: empty conversation id")
	}
	msg = newMessage(msg)
	ts := msg.Timestamp.UTC().Format(time.RFC3339Nano)

	var parts sql.NullString
	if !msg.IsText() {
		b, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("marshal parts: %w", err)
		}
		parts = sql.NullString{String: string(b), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, ts, ts); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, parts, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, conversationID, msg.Role, msg.Content, parts, ts); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

// AddMessage appends a plain text message to a conversation.
func (s *SQLiteStore) AddMessage(conversationID, role, content string) error {
	return s.Append(conversationID, Message{Role: role, Content: content})
}

// GetMessages returns a conversation's messages in insertion order.
func (s *SQLiteStore) GetMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, parts, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY rowid ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m     Message
			parts sql.NullString
			ts    string
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &parts, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if parts.Valid {
			if err := json.Unmarshal([]byte(parts.String), &m.Parts); err != nil {
				return nil, fmt.Errorf("decode parts for %s: %w", m.ID, err)
			}
			if m.Parts == nil {
				m.Parts = []Part{}
			}
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Stats returns memory statistics.
func (s *SQLiteStore) Stats() map[string]any {
	var convCount, msgCount int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgCount)

	return map[string]any{
		"conversations": convCount,
		"messages":      msgCount,
		"storage":       "sqlite",
	}
}
