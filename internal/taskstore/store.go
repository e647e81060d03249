// Package taskstore persists the record of every finished task run for
// status queries and later review.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/taskloop/internal/agent"
)

// ErrNotFound is returned by [Store.Get] for an unknown task ID.
var ErrNotFound = errors.New("run not found")

// Store persists [agent.Run] records in SQLite. It shares the caller's
// [sql.DB] and creates its own table on initialization.
type Store struct {
	db *sql.DB
}

// New creates a run store on db, creating the runs table if it does
// not already exist.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("run store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			task_id          TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			requirement      TEXT NOT NULL,
			depth            INTEGER NOT NULL,
			model            TEXT NOT NULL,
			state            TEXT NOT NULL,
			detail           TEXT,
			summary          TEXT,
			iterations       INTEGER NOT NULL,
			consecutive      INTEGER NOT NULL,
			total_failures   INTEGER NOT NULL,
			actions          TEXT,
			generated_files  TEXT,
			input_tokens     INTEGER NOT NULL,
			output_tokens    INTEGER NOT NULL,
			started_at       TEXT NOT NULL,
			completed_at     TEXT NOT NULL,
			duration_ms      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_runs_conversation
			ON runs(conversation_id, started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_started
			ON runs(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_state
			ON runs(state);
	`)
	return err
}

// RecordRun implements [agent.Recorder]. A task that runs again, for
// example after a pause, replaces its earlier record.
func (s *Store) RecordRun(ctx context.Context, run *agent.Run) error {
	actionsJSON, err := json.Marshal(run.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	filesJSON, err := json.Marshal(run.GeneratedFiles)
	if err != nil {
		return fmt.Errorf("marshal generated_files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (
			task_id, conversation_id, requirement, depth, model,
			state, detail, summary, iterations, consecutive, total_failures,
			actions, generated_files, input_tokens, output_tokens,
			started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.ConversationID, run.Requirement, run.Depth, run.Model,
		run.State, run.Detail, run.Summary,
		run.Iterations, run.Consecutive, run.TotalFailures,
		string(actionsJSON), string(filesJSON),
		run.InputTokens, run.OutputTokens,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.CompletedAt.UTC().Format(time.RFC3339Nano),
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.TaskID, err)
	}
	return nil
}

const selectColumns = `
	SELECT task_id, conversation_id, requirement, depth, model,
		state, detail, summary, iterations, consecutive, total_failures,
		actions, generated_files, input_tokens, output_tokens,
		started_at, completed_at, duration_ms
	FROM runs`

// Get retrieves the record for one task.
func (s *Store) Get(ctx context.Context, taskID string) (*agent.Run, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE task_id = ?`, taskID)
	run, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// List returns records newest first. If limit is 0, all records are
// returned.
func (s *Store) List(ctx context.Context, limit int) ([]*agent.Run, error) {
	query := selectColumns + ` ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// ListByConversation returns the records of one conversation, newest
// first.
func (s *Store) ListByConversation(ctx context.Context, conversationID string) ([]*agent.Run, error) {
	return s.query(ctx, selectColumns+` WHERE conversation_id = ? ORDER BY started_at DESC`, conversationID)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*agent.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*agent.Run
	for rows.Next() {
		run, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*agent.Run, error) {
	var run agent.Run
	var detail, summary, actionsJSON, filesJSON sql.NullString
	var startedAt, completedAt string

	err := s.Scan(
		&run.TaskID, &run.ConversationID, &run.Requirement, &run.Depth, &run.Model,
		&run.State, &detail, &summary,
		&run.Iterations, &run.Consecutive, &run.TotalFailures,
		&actionsJSON, &filesJSON,
		&run.InputTokens, &run.OutputTokens,
		&startedAt, &completedAt, &run.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	run.Detail = detail.String
	run.Summary = summary.String
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)

	if actionsJSON.Valid && actionsJSON.String != "" {
		_ = json.Unmarshal([]byte(actionsJSON.String), &run.Actions)
	}
	if filesJSON.Valid && filesJSON.String != "" {
		_ = json.Unmarshal([]byte(filesJSON.String), &run.GeneratedFiles)
	}
	return &run, nil
}
