package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/taskloop/internal/agent"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_journal_mode=WAL")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(openTestDB(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStore_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	run := &agent.Run{
		TaskID:         "task-001",
		ConversationID: "conv-abc",
		Requirement:    "write hello.go",
		Depth:          1,
		Model:          "qwen3:8b",
		State:          "finished",
		Detail:         "wrote hello.go",
		Summary:        "assistant: <write_code>...",
		Iterations:     3,
		Consecutive:    0,
		TotalFailures:  1,
		Actions:        map[string]int{"write_code": 2},
		GeneratedFiles: []string{"/ws/hello.go"},
		InputTokens:    1500,
		OutputTokens:   200,
		StartedAt:      now,
		CompletedAt:    now.Add(5 * time.Second),
		DurationMs:     5000,
	}
	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	got, err := store.Get(ctx, "task-001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Requirement != run.Requirement {
		t.Errorf("Requirement = %q, want %q", got.Requirement, run.Requirement)
	}
	if got.State != "finished" || got.Detail != "wrote hello.go" {
		t.Errorf("State/Detail = %q/%q", got.State, got.Detail)
	}
	if got.TotalFailures != 1 || got.Iterations != 3 {
		t.Errorf("TotalFailures/Iterations = %d/%d, want 1/3", got.TotalFailures, got.Iterations)
	}
	if got.Actions["write_code"] != 2 {
		t.Errorf("Actions = %v", got.Actions)
	}
	if len(got.GeneratedFiles) != 1 || got.GeneratedFiles[0] != "/ws/hello.go" {
		t.Errorf("GeneratedFiles = %v", got.GeneratedFiles)
	}
	if !got.StartedAt.Equal(now) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, now)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_RecordReplaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &agent.Run{TaskID: "t", ConversationID: "c", Requirement: "r", Depth: 1, Model: "m", State: "paused"}
	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.State = "finished"
	if err := store.RecordRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	runs, err := store.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 || runs[0].State != "finished" {
		t.Errorf("runs = %+v, want one finished run", runs)
	}
}

func TestStore_ListOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		conv := "conv-a"
		if i%2 == 1 {
			conv = "conv-b"
		}
		run := &agent.Run{
			TaskID:         fmt.Sprintf("task-%d", i),
			ConversationID: conv,
			Requirement:    "r",
			Depth:          1,
			Model:          "m",
			State:          "finished",
			StartedAt:      base.Add(time.Duration(i) * time.Minute),
			CompletedAt:    base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if err := store.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun(%d): %v", i, err)
		}
	}

	runs, err := store.List(ctx, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len = %d, want 3", len(runs))
	}
	if runs[0].TaskID != "task-4" {
		t.Errorf("first = %q, want task-4 (newest)", runs[0].TaskID)
	}

	byConv, err := store.ListByConversation(ctx, "conv-b")
	if err != nil {
		t.Fatalf("ListByConversation: %v", err)
	}
	if len(byConv) != 2 {
		t.Errorf("conv-b runs = %d, want 2", len(byConv))
	}
}
