// Package usage records the token usage and cost of every model call
// a task makes, and totals it by model, provider, task, or
// conversation over a time window.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout stores timestamps as fixed-width UTC text so that string
// comparison in SQL orders them chronologically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Record is one model call.
type Record struct {
	ID             string
	Timestamp      time.Time
	TaskID         string
	ConversationID string
	Model          string
	Provider       string // "anthropic", "ollama"
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
}

// Totals aggregates a set of records.
type Totals struct {
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Period is the half-open window [Start, End).
type Period struct {
	Start time.Time
	End   time.Time
}

// Last returns the window of length d ending now.
func Last(d time.Duration) Period {
	end := time.Now()
	return Period{Start: end.Add(-d), End: end}
}

func (p Period) args() []any {
	return []any{p.Start.UTC().Format(timeLayout), p.End.UTC().Format(timeLayout)}
}

// Grouping selects the column totals are broken down by.
type Grouping string

// Groupings accepted by [Store.TotalsBy].
const (
	ByModel        Grouping = "model"
	ByProvider     Grouping = "provider"
	ByTask         Grouping = "task_id"
	ByConversation Grouping = "conversation_id"
)

func (g Grouping) valid() bool {
	switch g {
	case ByModel, ByProvider, ByTask, ByConversation:
		return true
	}
	return false
}

// Store is an append-only SQLite table of usage records. It is safe
// for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store on db, creating its table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS model_calls (
		id              TEXT PRIMARY KEY,
		called_at       TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cost_usd        REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_model_calls_called_at ON model_calls(called_at);
	CREATE INDEX IF NOT EXISTS idx_model_calls_task ON model_calls(task_id);
	`)
	return err
}

// Record appends rec, assigning a UUIDv7 and the current time when
// they are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_calls
			(id, called_at, task_id, conversation_id, model, provider,
			 input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(timeLayout),
		rec.TaskID, rec.ConversationID, rec.Model, rec.Provider,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const totalsColumns = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

// Totals sums every record in p.
func (s *Store) Totals(ctx context.Context, p Period) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT `+totalsColumns+` FROM model_calls WHERE called_at >= ? AND called_at < ?`,
		p.args()...,
	).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	if err != nil {
		return Totals{}, fmt.Errorf("query usage totals: %w", err)
	}
	return t, nil
}

// TaskTotals sums every record of one task regardless of when it was
// made.
func (s *Store) TaskTotals(ctx context.Context, taskID string) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx,
		`SELECT `+totalsColumns+` FROM model_calls WHERE task_id = ?`, taskID,
	).Scan(&t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD)
	if err != nil {
		return Totals{}, fmt.Errorf("query task usage: %w", err)
	}
	return t, nil
}

// TotalsBy sums the records in p per distinct value of g.
func (s *Store) TotalsBy(ctx context.Context, g Grouping, p Period) (map[string]Totals, error) {
	if !g.valid() {
		return nil, fmt.Errorf("unknown usage grouping %q", g)
	}
	query := fmt.Sprintf(
		`SELECT %s, %s FROM model_calls
		 WHERE called_at >= ? AND called_at < ?
		 GROUP BY %s`, g, totalsColumns, g)

	rows, err := s.db.QueryContext(ctx, query, p.args()...)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", g, err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var key string
		var t Totals
		if err := rows.Scan(&key, &t.Calls, &t.InputTokens, &t.OutputTokens, &t.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", g, err)
		}
		out[key] = t
	}
	return out, rows.Err()
}
