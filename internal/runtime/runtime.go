// Package runtime executes tool actions requested by the model.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/taskloop/internal/action"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Meta carries side effects of an action the caller may want to track.
type Meta struct {
	// Filepath is the workspace file the action produced, if any.
	Filepath string `json:"filepath,omitempty"`
}

// Result is the outcome of one executed action.
type Result struct {
	Status  string `json:"status"`
	Content string `json:"content"`
	Meta    Meta   `json:"meta"`
}

// Success reports whether the action succeeded.
func (r *Result) Success() bool {
	return r != nil && r.Status == StatusSuccess
}

// Executor runs actions. A failed tool is reported in the Result; the
// error return is reserved for actions that cannot be executed at all.
type Executor interface {
	Execute(ctx context.Context, a action.Action, taskID string) (*Result, error)
}

// Runtime executes [action.Invoke] actions against a [Registry].
type Runtime struct {
	registry *Registry
	logger   *slog.Logger
}

// New creates a runtime over registry.
func New(registry *Registry, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{registry: registry, logger: logger.With("component", "runtime")}
}

// Registry returns the tool registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Execute runs a. Unknown tools and handler errors produce a failure
// Result rather than an error.
func (rt *Runtime) Execute(ctx context.Context, a action.Action, taskID string) (*Result, error) {
	inv, ok := a.(action.Invoke)
	if !ok {
		return nil, fmt.Errorf("action %s is not executable", a.Kind())
	}

	tool := rt.registry.Get(inv.Tool)
	if tool == nil {
		rt.logger.Warn("unknown tool requested", "task_id", taskID, "tool", inv.Tool)
		return &Result{
			Status:  StatusFailure,
			Content: fmt.Sprintf("unknown tool %q; available tools: %v", inv.Tool, rt.registry.Names()),
		}, nil
	}

	start := time.Now()
	out, err := tool.Handler(ctx, inv.Params())
	elapsed := time.Since(start)

	if err != nil {
		rt.logger.Info("tool failed",
			"task_id", taskID,
			"tool", inv.Tool,
			"elapsed", elapsed.Round(time.Millisecond),
			"error", err,
		)
		return &Result{Status: StatusFailure, Content: err.Error(), Meta: Meta{Filepath: out.Filepath}}, nil
	}

	rt.logger.Debug("tool succeeded",
		"task_id", taskID,
		"tool", inv.Tool,
		"elapsed", elapsed.Round(time.Millisecond),
		"content_len", len(out.Content),
		"filepath", out.Filepath,
	)
	return &Result{Status: StatusSuccess, Content: out.Content, Meta: Meta{Filepath: out.Filepath}}, nil
}
