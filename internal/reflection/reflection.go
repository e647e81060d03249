// Package reflection judges whether an executed action succeeded.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/taskloop/internal/llm"
	"github.com/nugget/taskloop/internal/prompts"
	"github.com/nugget/taskloop/internal/runtime"
)

// Verdict statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Verdict is the evaluation of one action result.
type Verdict struct {
	Status   string `json:"status"`
	Comments string `json:"comments"`
}

// Success reports whether the verdict is a success.
func (v Verdict) Success() bool { return v.Status == StatusSuccess }

// Evaluator turns an action result into a verdict.
type Evaluator interface {
	Evaluate(ctx context.Context, requirement, actionName string, result *runtime.Result, conversationID string) (Verdict, error)
}

// StatusEvaluator trusts the runtime's own status.
type StatusEvaluator struct{}

// Evaluate returns success iff result succeeded. On failure the comments
// carry the result content.
func (StatusEvaluator) Evaluate(_ context.Context, _, _ string, result *runtime.Result, _ string) (Verdict, error) {
	if result == nil {
		return Verdict{Status: StatusFailure, Comments: "action produced no result"}, nil
	}
	if result.Success() {
		return Verdict{Status: StatusSuccess}, nil
	}
	comments := strings.TrimSpace(result.Content)
	if comments == "" {
		comments = "action failed without output"
	}
	return Verdict{Status: StatusFailure, Comments: comments}, nil
}

// LLMEvaluator asks a model whether a successful action actually moved
// the task forward.
type LLMEvaluator struct {
	client   llm.Client
	model    string
	logger   *slog.Logger
	fallback StatusEvaluator
}

// NewLLMEvaluator creates an evaluator that calls model through client.
func NewLLMEvaluator(client llm.Client, model string, logger *slog.Logger) *LLMEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMEvaluator{client: client, model: model, logger: logger.With("component", "reflection")}
}

// Evaluate judges result against requirement. Runtime failures are not
// sent to the model. A model reply that cannot be decoded falls back to
// the runtime status. Errors from the model call are returned so the
// caller can classify them.
func (e *LLMEvaluator) Evaluate(ctx context.Context, requirement, actionName string, result *runtime.Result, conversationID string) (Verdict, error) {
	if !result.Success() {
		return e.fallback.Evaluate(ctx, requirement, actionName, result, conversationID)
	}

	prompt := prompts.EvaluationPrompt(requirement, actionName, result.Status, result.Content)
	resp, err := e.client.Chat(ctx, e.model, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return Verdict{}, fmt.Errorf("reflection call: %w", err)
	}

	v, err := parseVerdict(resp.Message.Content)
	if err != nil {
		e.logger.Warn("unparseable reflection reply, using runtime status",
			"conversation_id", conversationID,
			"error", err,
		)
		return e.fallback.Evaluate(ctx, requirement, actionName, result, conversationID)
	}
	e.logger.Debug("reflection verdict",
		"conversation_id", conversationID,
		"action", actionName,
		"status", v.Status,
	)
	return v, nil
}

// parseVerdict decodes a JSON verdict, tolerating markdown code fences.
func parseVerdict(content string) (Verdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var v Verdict
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	v.Status = strings.ToLower(strings.TrimSpace(v.Status))
	if v.Status != StatusSuccess && v.Status != StatusFailure {
		return Verdict{}, fmt.Errorf("unknown status %q", v.Status)
	}
	return v, nil
}
