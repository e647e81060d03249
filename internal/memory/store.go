// Package memory provides conversation memory storage.
package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MessageStore is the persistence contract behind a [Conversation].
// Implementations are append-only: once a message is stored it is never
// mutated or removed.
type MessageStore interface {
	Append(conversationID string, msg Message) error
	GetMessages(conversationID string) ([]Message, error)
}

// Part is one element of structured message content.
type Part struct {
	Type string `json:"type"` // text, image, file
	Text string `json:"text,omitempty"`
	Ref  string `json:"ref,omitempty"`
}

// Message represents a conversation message. Content holds plain text;
// Parts, when non-nil, holds structured content instead.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // system, user, assistant
	Content   string    `json:"content"`
	Parts     []Part    `json:"parts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsText reports whether the message content is a plain string.
func (m Message) IsText() bool {
	return m.Parts == nil
}

// Text returns the message content as a string, flattening structured
// parts.
func (m Message) Text() string {
	if m.IsText() {
		return m.Content
	}
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// newMessage stamps an ID and timestamp on msg if it has none.
func newMessage(msg Message) Message {
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		msg.ID = id.String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// Store is an in-memory [MessageStore].
type Store struct {
	mu            sync.RWMutex
	conversations map[string][]Message
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{conversations: make(map[string][]Message)}
}

// Append adds a message to a conversation.
func (s *Store) Append(conversationID string, msg Message) error {
	if conversationID == "" {
		return fmt.Errorf("append message: empty conversation id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], newMessage(msg))
	return nil
}

// AddMessage appends a plain text message to a conversation.
func (s *Store) AddMessage(conversationID, role, content string) error {
	return s.Append(conversationID, Message{Role: role, Content: content})
}

// GetMessages returns a copy of a conversation's messages in order.
// Returns an empty slice if the conversation doesn't exist.
func (s *Store) GetMessages(conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.conversations[conversationID]
	msgs := make([]Message, len(src))
	copy(msgs, src)
	return msgs, nil
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, msgs := range s.conversations {
		total += len(msgs)
	}
	return map[string]any{
		"conversations": len(s.conversations),
		"messages":      total,
		"storage":       "memory",
	}
}
