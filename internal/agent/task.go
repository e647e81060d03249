// Package agent implements the task execution loop: it drives one task
// from a requirement to a terminal outcome by asking a model for
// actions, executing them, and judging the results.
package agent

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Task is one unit of work for a [Loop]. It does not change while the
// loop runs.
type Task struct {
	ID          string `json:"id"`
	Requirement string `json:"requirement"`
	// Depth is 1 for top-level tasks and grows for sub-tasks spawned by
	// plan revision.
	Depth int `json:"depth"`
	// TerminalTool, when set, names a tool whose successful execution
	// completes the task without an explicit finish action.
	TerminalTool string `json:"terminal_tool,omitempty"`
}

// NewTask returns a top-level task with a fresh ID.
func NewTask(requirement string) Task {
	return Task{ID: newID(), Requirement: requirement, Depth: 1}
}

// Sub returns a sub-task one level below t.
func (t Task) Sub(requirement string) Task {
	return Task{ID: newID(), Requirement: requirement, Depth: t.Depth + 1, TerminalTool: t.TerminalTool}
}

// Validate checks the task invariants.
func (t Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(t.Requirement) == "" {
		return fmt.Errorf("task %s: requirement is required", t.ID)
	}
	if t.Depth < 1 {
		return fmt.Errorf("task %s: depth must be at least 1, got %d", t.ID, t.Depth)
	}
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
