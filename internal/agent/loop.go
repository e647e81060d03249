package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/taskloop/internal/action"
	"github.com/nugget/taskloop/internal/llm"
	"github.com/nugget/taskloop/internal/memory"
	"github.com/nugget/taskloop/internal/prompts"
	"github.com/nugget/taskloop/internal/reflection"
	"github.com/nugget/taskloop/internal/retry"
	"github.com/nugget/taskloop/internal/stream"
)

// Loop defaults.
const (
	DefaultMaxOutputBytes   = 64 * 1024
	DefaultMaxContinuations = 16
)

// Config holds the loop's model and limits.
type Config struct {
	Model  string
	Limits retry.Limits
	// MaxOutputBytes caps the trailing run of model output. Exceeding it
	// fails the task.
	MaxOutputBytes int
	// MaxContinuations caps back-to-back continuation requests for one
	// unfinished action before it counts as a failure.
	MaxContinuations int
	// SystemPrompt seeds an empty conversation.
	SystemPrompt string
	// TerminalTool applies to tasks that do not set their own.
	TerminalTool string
}

// Loop drives tasks through think, parse, execute and reflect until they
// reach an [Outcome]. A Loop holds no per-task state and may run many
// tasks concurrently, each with its own [ExecutionContext].
type Loop struct {
	client    llm.Client
	resolver  ActionResolver
	evaluator reflection.Evaluator
	cfg       Config
	logger    *slog.Logger

	observer     Observer
	recorder     Recorder
	usage        UsageRecorder
	continuation ContinuationCheck
}

// Option configures a [Loop].
type Option func(*Loop)

// WithObserver adds an event observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) {
		if l.observer == nil {
			l.observer = o
			return
		}
		l.observer = Observers{l.observer, o}
	}
}

// WithRecorder persists a [Run] when each task ends.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithUsageRecorder records token usage after every model call.
func WithUsageRecorder(u UsageRecorder) Option {
	return func(l *Loop) { l.usage = u }
}

// WithContinuationCheck replaces [StopReasonContinuation].
func WithContinuationCheck(c ContinuationCheck) Option {
	return func(l *Loop) { l.continuation = c }
}

// NewLoop creates a loop. Zero limits take their defaults.
func NewLoop(client llm.Client, resolver ActionResolver, evaluator reflection.Evaluator, cfg Config, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Limits == (retry.Limits{}) {
		cfg.Limits = retry.DefaultLimits()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.MaxContinuations <= 0 {
		cfg.MaxContinuations = DefaultMaxContinuations
	}
	if evaluator == nil {
		evaluator = reflection.StatusEvaluator{}
	}
	l := &Loop{
		client:       client,
		resolver:     resolver,
		evaluator:    evaluator,
		cfg:          cfg,
		logger:       logger.With("component", "loop"),
		continuation: StopReasonContinuation,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes task until it finishes, fails, or yields to the planner
// or the user. Every error and panic inside the loop is converted into
// the returned [Outcome].
func (l *Loop) Run(ctx context.Context, task Task, ec *ExecutionContext) (out Outcome) {
	started := time.Now()
	log := l.logger.With("task_id", task.ID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("execution loop panicked", "panic", r, "stack", string(debug.Stack()))
			out = Failure{Reason: fmt.Sprintf("internal error: %v", r)}
		}
		l.complete(ctx, task, ec, out, started, log)
	}()

	if ec == nil || ec.Memory == nil || ec.Runtime == nil {
		return Failure{Reason: "execution context requires memory and runtime"}
	}
	if err := task.Validate(); err != nil {
		return Failure{Reason: err.Error()}
	}

	log.Info("task started",
		"depth", task.Depth,
		"model", l.cfg.Model,
		"conversation_id", ec.ConversationID,
	)

	if err := l.seed(task, ec); err != nil {
		return Failure{Reason: fmt.Sprintf("seed conversation: %v", err)}
	}

	var (
		nudge         string
		continuations int
	)
	for {
		if ctx.Err() != nil {
			return Failure{Reason: cancelReason(ctx)}
		}

		ec.Iterations++
		iterLog := log.With("iter", ec.Iterations)

		// THINK
		l.phase(task, ec, PhaseThink)
		resp, err := l.think(ctx, task, ec, nudge)
		nudge = ""
		if err != nil {
			if o, done := l.fail(ctx, task, ec, err, iterLog); done {
				return o
			}
			continue
		}

		trailing := stream.TrailingText(ec.Memory.Messages())
		if len(trailing) > l.cfg.MaxOutputBytes {
			iterLog.Warn("model output over limit", "bytes", len(trailing), "limit", l.cfg.MaxOutputBytes)
			return Failure{Reason: fmt.Sprintf(
				"model output exception: %d bytes exceeds the %d byte limit", len(trailing), l.cfg.MaxOutputBytes)}
		}

		verdict := stream.ClassifyText(trailing)
		truncated := l.continuation(resp)
		if verdict == stream.Continue || truncated {
			continuations++
			iterLog.Debug("action incomplete, continuing",
				"verdict", verdict,
				"truncated", truncated,
				"continuations", continuations,
			)
			if continuations <= l.cfg.MaxContinuations {
				if truncated {
					nudge = prompts.TruncationNudge()
				} else {
					nudge = prompts.ContinuationNudge()
				}
				continue
			}
			continuations = 0
			detail := fmt.Sprintf("action still unfinished after %d continuations", l.cfg.MaxContinuations)
			if o, done := l.correct(ctx, task, ec, prompts.ParseErrorCorrection(detail), detail, iterLog); done {
				return o
			}
			continue
		}
		continuations = 0

		// PARSE
		l.phase(task, ec, PhaseParse)
		actions := l.resolve(resp.Message.Content, trailing)
		if len(actions) == 0 {
			iterLog.Info("reply contained no action")
			if o, done := l.correct(ctx, task, ec, prompts.NonActionCorrection(), "", iterLog); done {
				return o
			}
			continue
		}
		if len(actions) > 1 {
			iterLog.Debug("multiple actions in reply, using the first", "count", len(actions))
		}

		act := actions[0]
		l.emit(Event{Kind: EventAction, TaskID: task.ID, Iteration: ec.Iterations, Phase: PhaseParse, Action: act.Name(), Retry: ec.Retry})

		switch a := act.(type) {
		case action.ParseError:
			iterLog.Info("unparseable action", "error", a.Message)
			if o, done := l.correct(ctx, task, ec, prompts.ParseErrorCorrection(a.Message), a.Message, iterLog); done {
				return o
			}
		case action.Finish:
			return Finished{Message: a.Message, MemorizedSummary: ec.Memory.MemorizedContent(ctx)}
		case action.RevisePlan:
			return RevisePlan{Params: a.Params()}
		case action.PauseForUserInput:
			return PauseForUserInput{Params: a.Params()}
		case action.Invoke:
			if o, done := l.execute(ctx, task, ec, a, iterLog); done {
				return o
			}
		default:
			return Failure{Reason: fmt.Sprintf("unsupported action %s", act.Kind())}
		}
	}
}

// seed adds the system prompt to an empty conversation and the task
// prompt unless the conversation already carries it.
func (l *Loop) seed(task Task, ec *ExecutionContext) error {
	msgs := ec.Memory.Messages()
	if len(msgs) == 0 && l.cfg.SystemPrompt != "" {
		if err := ec.Memory.Add("system", l.cfg.SystemPrompt); err != nil {
			return err
		}
	}
	prompt := prompts.TaskPrompt(task.Requirement)
	for _, m := range msgs {
		if m.Role == "user" && m.Text() == prompt {
			return nil
		}
	}
	return ec.Memory.Add("user", prompt)
}

// think streams one model reply and appends it to memory. The nudge, if
// any, is sent with this request only; storing it would split the
// assistant run an unfinished action spans.
func (l *Loop) think(ctx context.Context, task Task, ec *ExecutionContext, nudge string) (*llm.ChatResponse, error) {
	history := ec.Memory.Messages()
	msgs := toLLMMessages(history)
	if nudge != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: nudge})
	}

	prior := stream.TrailingText(history)
	var streamed strings.Builder
	resp, err := l.client.ChatStream(ctx, l.cfg.Model, msgs, func(tok string) {
		streamed.WriteString(tok)
		l.emit(Event{
			Kind:      EventToken,
			TaskID:    task.ID,
			Iteration: ec.Iterations,
			Phase:     PhaseThink,
			Token:     tok,
			Streaming: stream.ClassifyText(prior+streamed.String()) == stream.Continue,
		})
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errors.New("model returned no response")
	}

	ec.InputTokens += resp.InputTokens
	ec.OutputTokens += resp.OutputTokens
	if l.usage != nil && (resp.InputTokens > 0 || resp.OutputTokens > 0) {
		if err := l.usage.RecordUsage(ctx, task.ID, ec.ConversationID, l.cfg.Model, resp.InputTokens, resp.OutputTokens); err != nil {
			l.logger.Warn("failed to record usage", "task_id", task.ID, "error", err)
		}
	}

	l.logger.Debug("model reply",
		"task_id", task.ID,
		"iter", ec.Iterations,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"content_len", len(resp.Message.Content),
	)
	l.logger.Log(ctx, llm.LevelTrace, "model reply content", "task_id", task.ID, "content", resp.Message.Content)

	if resp.Message.Content != "" {
		if err := ec.Memory.Add("assistant", resp.Message.Content); err != nil {
			return nil, fmt.Errorf("append model reply: %w", err)
		}
	}
	return resp, nil
}

// resolve parses the latest reply. When that yields nothing usable and
// the reply continues earlier assistant output, the whole trailing run
// is parsed instead.
func (l *Loop) resolve(increment, trailing string) []action.Action {
	actions := l.resolver.ResolveActions(increment)
	if trailing == increment {
		return actions
	}
	if len(actions) > 0 && actions[0].Kind() != action.KindParseError {
		return actions
	}
	if whole := l.resolver.ResolveActions(trailing); len(whole) > 0 {
		return whole
	}
	return actions
}

// execute runs an invoke action and reflects on its result.
func (l *Loop) execute(ctx context.Context, task Task, ec *ExecutionContext, a action.Invoke, log *slog.Logger) (Outcome, bool) {
	l.phase(task, ec, PhaseExecute)
	ec.countAction(a.Tool)

	res, err := ec.Runtime.Execute(ctx, a, task.ID)
	if err != nil {
		return l.fail(ctx, task, ec, err, log)
	}
	ec.recordFile(res.Meta.Filepath)
	l.emit(Event{
		Kind:      EventResult,
		TaskID:    task.ID,
		Iteration: ec.Iterations,
		Phase:     PhaseExecute,
		Action:    a.Tool,
		Status:    res.Status,
		Retry:     ec.Retry,
	})

	l.phase(task, ec, PhaseReflect)
	verdict, err := l.evaluator.Evaluate(ctx, task.Requirement, a.Tool, res, ec.ConversationID)
	if err != nil {
		return l.fail(ctx, task, ec, err, log)
	}

	if !verdict.Success() {
		log.Info("action failed", "action", a.Tool, "comments", verdict.Comments)
		ec.Note = verdict.Comments
		return l.correct(ctx, task, ec, prompts.FailureCorrection(a.Tool, verdict.Comments), verdict.Comments, log)
	}

	ec.Retry = ec.Retry.Succeeded()
	ec.Note = ""
	log.Debug("action succeeded", "action", a.Tool, "total", ec.Retry.Total)

	if terminal := l.terminalTool(task); terminal != "" && a.Tool == terminal {
		msg := res.Content
		if msg == "" {
			msg = action.String(a, "content")
		}
		if err := ec.Memory.Add("user", prompts.ActionResult(a.Tool, res.Content)); err != nil {
			log.Warn("failed to record terminal result", "error", err)
		}
		return Finished{Message: msg, MemorizedSummary: ec.Memory.MemorizedContent(ctx)}, true
	}

	if err := ec.Memory.Add("user", prompts.ActionResult(a.Tool, res.Content)); err != nil {
		return l.fail(ctx, task, ec, err, log)
	}
	return nil, false
}

func (l *Loop) terminalTool(task Task) string {
	if task.TerminalTool != "" {
		return task.TerminalTool
	}
	return l.cfg.TerminalTool
}

// fail classifies err. Cancellation and non-retryable provider errors
// end the task at once; anything else is reported to the model and
// charged to the retry budget.
func (l *Loop) fail(ctx context.Context, task Task, ec *ExecutionContext, err error, log *slog.Logger) (Outcome, bool) {
	if ctx.Err() != nil {
		return Failure{Reason: cancelReason(ctx)}, true
	}
	if llm.IsNonRetryable(err) {
		log.Error("non-retryable error", "error", err)
		return Failure{Reason: err.Error()}, true
	}
	log.Warn("error in execution loop", "error", err)
	return l.correct(ctx, task, ec, prompts.ExceptionCorrection(err), err.Error(), log)
}

// correct appends a correction for the model and charges one failure.
func (l *Loop) correct(ctx context.Context, task Task, ec *ExecutionContext, message, detail string, log *slog.Logger) (Outcome, bool) {
	if err := ec.Memory.Add("user", message); err != nil {
		log.Warn("failed to append correction", "error", err)
	}
	return l.govern(ctx, task, ec, detail, log)
}

// govern counts a failure and either stops the task or waits out the
// retry delay.
func (l *Loop) govern(ctx context.Context, task Task, ec *ExecutionContext, detail string, log *slog.Logger) (Outcome, bool) {
	ec.Retry = ec.Retry.Failed()
	decision := retry.Decide(ec.Retry, l.cfg.Limits, detail)
	if decision.Stop {
		log.Warn("retry budget exhausted",
			"consecutive", ec.Retry.Consecutive,
			"total", ec.Retry.Total,
			"reason", decision.Reason,
		)
		return Failure{Reason: decision.Reason}, true
	}

	log.Info("retrying",
		"consecutive", ec.Retry.Consecutive,
		"total", ec.Retry.Total,
		"delay", l.cfg.Limits.Delay,
	)
	l.emit(Event{Kind: EventRetry, TaskID: task.ID, Iteration: ec.Iterations, Detail: detail, Retry: ec.Retry})

	if err := retry.Sleep(ctx, l.cfg.Limits.Delay); err != nil {
		return Failure{Reason: cancelReason(ctx)}, true
	}
	return nil, false
}

// complete reports the outcome to observers and the recorder.
func (l *Loop) complete(ctx context.Context, task Task, ec *ExecutionContext, out Outcome, started time.Time, log *slog.Logger) {
	completed := time.Now()
	run := newRun(task, ec, l.cfg.Model, out, started, completed)

	log.Info("task completed",
		"state", run.State,
		"detail", truncate(run.Detail, 200),
		"iterations", run.Iterations,
		"consecutive", run.Consecutive,
		"total", run.TotalFailures,
		"input_tokens", run.InputTokens,
		"output_tokens", run.OutputTokens,
		"elapsed", completed.Sub(started).Round(time.Millisecond),
	)

	e := Event{
		Kind:    EventOutcome,
		TaskID:  task.ID,
		Phase:   PhaseDone,
		Outcome: out,
		State:   run.State,
		Detail:  run.Detail,
	}
	if ec != nil {
		e.Iteration = ec.Iterations
		e.Retry = ec.Retry
	}
	l.emit(e)

	if l.recorder != nil {
		if err := l.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn("failed to persist run record", "error", err)
		}
	}
}

func (l *Loop) phase(task Task, ec *ExecutionContext, p Phase) {
	l.emit(Event{Kind: EventPhase, TaskID: task.ID, Iteration: ec.Iterations, Phase: p, Retry: ec.Retry})
}

func (l *Loop) emit(e Event) {
	if l.observer == nil {
		return
	}
	e.PhaseName = e.Phase.String()
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	l.observer.OnEvent(e)
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return "cancelled: " + cause.Error()
	}
	return "cancelled"
}

func toLLMMessages(msgs []memory.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, llm.Message{Role: m.Role, Content: m.Text()})
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen] + "..."
}
