package agent

import (
	"context"

	"github.com/nugget/taskloop/internal/action"
	"github.com/nugget/taskloop/internal/memory"
	"github.com/nugget/taskloop/internal/retry"
	"github.com/nugget/taskloop/internal/runtime"
)

// Memory is the conversation a loop reads and appends to. Appended
// messages are never modified or removed.
type Memory interface {
	Messages() []memory.Message
	Add(role, content string) error
	// MemorizedContent is a best-effort summary used in the finish
	// outcome.
	MemorizedContent(ctx context.Context) string
}

// ActionResolver turns completed model text into actions. An empty
// result means nothing parseable; a single [action.ParseError] means a
// malformed action.
type ActionResolver interface {
	ResolveActions(text string) []action.Action
}

// ExecutionContext is the mutable state of one loop invocation. It must
// not be shared between loops running concurrently.
type ExecutionContext struct {
	Memory         Memory
	Runtime        runtime.Executor
	ConversationID string

	Retry retry.State
	// Note is the latest reflection comment, cleared on success.
	Note           string
	GeneratedFiles []string
	// Actions counts executed actions by name.
	Actions map[string]int

	Iterations   int
	InputTokens  int
	OutputTokens int
}

// NewExecutionContext creates a context for one loop run.
func NewExecutionContext(mem Memory, rt runtime.Executor, conversationID string) *ExecutionContext {
	return &ExecutionContext{Memory: mem, Runtime: rt, ConversationID: conversationID}
}

// Child returns a context for a sub-task that runs after this one has
// finished. Memory and runtime carry over; counters and files start
// fresh.
func (ec *ExecutionContext) Child() *ExecutionContext {
	return NewExecutionContext(ec.Memory, ec.Runtime, ec.ConversationID)
}

func (ec *ExecutionContext) countAction(name string) {
	if ec.Actions == nil {
		ec.Actions = make(map[string]int)
	}
	ec.Actions[name]++
}

func (ec *ExecutionContext) recordFile(path string) {
	if path == "" {
		return
	}
	for _, p := range ec.GeneratedFiles {
		if p == path {
			return
		}
	}
	ec.GeneratedFiles = append(ec.GeneratedFiles, path)
}
