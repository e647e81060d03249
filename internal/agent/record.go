package agent

import (
	"context"
	"time"
)

// Run is the record of one finished [Loop.Run], persisted by a
// [Recorder].
type Run struct {
	TaskID         string         `json:"task_id"`
	ConversationID string         `json:"conversation_id"`
	Requirement    string         `json:"requirement"`
	Depth          int            `json:"depth"`
	Model          string         `json:"model"`
	State          string         `json:"state"`
	Detail         string         `json:"detail,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Iterations     int            `json:"iterations"`
	Consecutive    int            `json:"consecutive_failures"`
	TotalFailures  int            `json:"total_failures"`
	Actions        map[string]int `json:"actions,omitempty"`
	GeneratedFiles []string       `json:"generated_files,omitempty"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
	DurationMs     int64          `json:"duration_ms"`
}

// Recorder persists run records.
type Recorder interface {
	RecordRun(ctx context.Context, run *Run) error
}

// UsageRecorder persists token usage for one model call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, taskID, conversationID, model string, inputTokens, outputTokens int) error
}

func newRun(task Task, ec *ExecutionContext, model string, out Outcome, started, completed time.Time) *Run {
	run := &Run{
		TaskID:      task.ID,
		Requirement: task.Requirement,
		Depth:       task.Depth,
		Model:       model,
		State:       out.State().String(),
		Detail:      out.Detail(),
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	if f, ok := out.(Finished); ok {
		run.Summary = f.MemorizedSummary
	}
	if ec != nil {
		run.ConversationID = ec.ConversationID
		run.Iterations = ec.Iterations
		run.Consecutive = ec.Retry.Consecutive
		run.TotalFailures = ec.Retry.Total
		run.Actions = ec.Actions
		run.GeneratedFiles = ec.GeneratedFiles
		run.InputTokens = ec.InputTokens
		run.OutputTokens = ec.OutputTokens
	}
	return run
}
