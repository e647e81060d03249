package memory

import (
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

// Both backends must satisfy the same append-only contract.
func testStores(t *testing.T) map[string]MessageStore {
	return map[string]MessageStore{
		"memory": NewStore(),
		"sqlite": newTestSQLiteStore(t),
	}
}

func TestMessageStore_AppendPreservesOrder(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, content := range []string{"<write_code>", "<path>a.go</path>", "</write_code>"} {
				if err := store.Append("c1", Message{Role: "assistant", Content: content}); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}
			if err := store.Append("c2", Message{Role: "user", Content: "other"}); err != nil {
				t.Fatalf("Append: %v", err)
			}

			msgs, err := store.GetMessages("c1")
			if err != nil {
				t.Fatalf("GetMessages: %v", err)
			}
			if len(msgs) != 3 {
				t.Fatalf("len = %d, want 3", len(msgs))
			}
			if msgs[0].Content != "<write_code>" || msgs[2].Content != "</write_code>" {
				t.Errorf("order = %q, %q", msgs[0].Content, msgs[2].Content)
			}
			for _, m := range msgs {
				if m.ID == "" || m.Timestamp.IsZero() {
					t.Errorf("message missing id or timestamp: %+v", m)
				}
			}
		})
	}
}

func TestMessageStore_StructuredParts(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Append("c1", Message{Role: "assistant", Parts: []Part{{Type: "image", Ref: "shot.png"}, {Type: "text", Text: "caption"}}})
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			msgs, _ := store.GetMessages("c1")
			if len(msgs) != 1 {
				t.Fatalf("len = %d, want 1", len(msgs))
			}
			if msgs[0].IsText() {
				t.Error("structured message reported IsText")
			}
			if got := msgs[0].Text(); got != "caption" {
				t.Errorf("Text() = %q, want caption", got)
			}
		})
	}
}

func TestMessageStore_UnknownConversation(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			msgs, err := store.GetMessages("missing")
			if err != nil {
				t.Fatalf("GetMessages: %v", err)
			}
			if msgs == nil || len(msgs) != 0 {
				t.Errorf("GetMessages(missing) = %v, want empty slice", msgs)
			}
		})
	}
}

func TestMessageStore_EmptyConversationID(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Append("", Message{Role: "user", Content: "x"}); err == nil {
				t.Fatal("expected error for empty conversation id")
			}
		})
	}
}

func TestStore_GetMessagesReturnsCopy(t *testing.T) {
	s := NewStore()
	s.AddMessage("c", "user", "original")

	msgs, _ := s.GetMessages("c")
	msgs[0].Content = "mutated"

	again, _ := s.GetMessages("c")
	if again[0].Content != "original" {
		t.Errorf("stored message mutated through copy: %q", again[0].Content)
	}
}

func TestStats(t *testing.T) {
	s := NewStore()
	s.AddMessage("a", "user", "1")
	s.AddMessage("b", "user", "2")
	s.AddMessage("b", "assistant", "3")

	stats := s.Stats()
	if stats["conversations"] != 2 || stats["messages"] != 3 {
		t.Errorf("Stats() = %v", stats)
	}

	sq := newTestSQLiteStore(t)
	sq.AddMessage("a", "user", "1")
	if got := sq.Stats()["messages"]; got != 1 {
		t.Errorf("sqlite messages = %v, want 1", got)
	}
}
