package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/retry"
	"github.com/nugget/taskloop/internal/taskstore"
)

// StateRunning is the status of a task whose loop has not returned.
// Every other state is the [agent.State] name of its outcome.
const StateRunning = "running"

// Submission errors.
var (
	ErrNotFound    = taskstore.ErrNotFound
	ErrNotReady    = errors.New("task loop not configured")
	ErrInvalidTask = errors.New("invalid task")
	ErrNotPaused   = errors.New("task is not waiting for input")

	ErrConversationBusy = errors.New("conversation is in use by a running task")
)

// TaskRequest is the body of a task submission.
type TaskRequest struct {
	Requirement    string `json:"requirement"`
	TerminalTool   string `json:"terminal_tool,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// TaskStatus is the externally visible progress of one task.
type TaskStatus struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Requirement    string      `json:"requirement"`
	Depth          int         `json:"depth"`
	TerminalTool   string      `json:"terminal_tool,omitempty"`
	State          string      `json:"state"`
	Phase          string      `json:"phase,omitempty"`
	Iteration      int         `json:"iteration"`
	Retry          retry.State `json:"retry"`
	Detail         string      `json:"detail,omitempty"`
	Summary        string      `json:"summary,omitempty"`
	SubmittedAt    time.Time   `json:"submitted_at"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the task's loop has returned.
func (st TaskStatus) Terminal() bool {
	return st.State != StateRunning
}

func (st TaskStatus) task() agent.Task {
	return agent.Task{ID: st.ID, Requirement: st.Requirement, Depth: st.Depth, TerminalTool: st.TerminalTool}
}

// statusFromRun rebuilds a status from a persisted run record.
func statusFromRun(run *agent.Run) TaskStatus {
	completed := run.CompletedAt
	return TaskStatus{
		ID:             run.TaskID,
		ConversationID: run.ConversationID,
		Requirement:    run.Requirement,
		Depth:          run.Depth,
		State:          run.State,
		Iteration:      run.Iterations,
		Retry:          retry.State{Consecutive: run.Consecutive, Total: run.TotalFailures},
		Detail:         run.Detail,
		Summary:        run.Summary,
		SubmittedAt:    run.StartedAt,
		CompletedAt:    &completed,
	}
}

// Submit validates req and starts the task in the background. The
// task outlives ctx; it stops only when the server shuts down.
func (s *Server) Submit(ctx context.Context, req TaskRequest) (TaskStatus, error) {
	if s.loop == nil || s.newContext == nil {
		return TaskStatus{}, ErrNotReady
	}

	task := agent.NewTask(strings.TrimSpace(req.Requirement))
	task.TerminalTool = req.TerminalTool
	if err := task.Validate(); err != nil {
		return TaskStatus{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	convID := req.ConversationID
	if convID == "" {
		convID = task.ID
	}
	s.mu.Lock()
	err := s.claim(convID)
	s.mu.Unlock()
	if err != nil {
		return TaskStatus{}, err
	}
	ec, err := s.newContext(convID)
	if err != nil {
		s.release(convID)
		return TaskStatus{}, fmt.Errorf("create execution context: %w", err)
	}

	st := &TaskStatus{
		ID:             task.ID,
		ConversationID: convID,
		Requirement:    task.Requirement,
		Depth:          task.Depth,
		TerminalTool:   task.TerminalTool,
		State:          StateRunning,
		SubmittedAt:    time.Now(),
	}
	s.statuses.Add(task.ID, st)

	s.logger.Info("task submitted", "task_id", task.ID, "conversation_id", convID)
	s.start(task, convID, ec)
	return s.snapshot(st), nil
}

// Resume answers a paused task and runs it again in the same
// conversation. The task keeps its ID.
func (s *Server) Resume(ctx context.Context, id, message string) (TaskStatus, error) {
	if s.loop == nil || s.newContext == nil {
		return TaskStatus{}, ErrNotReady
	}
	if strings.TrimSpace(message) == "" {
		return TaskStatus{}, fmt.Errorf("%w: message is required", ErrInvalidTask)
	}

	st, ok := s.statuses.Get(id)
	if !ok {
		return TaskStatus{}, ErrNotFound
	}
	s.mu.Lock()
	if st.State != agent.StatePaused.String() {
		s.mu.Unlock()
		return TaskStatus{}, ErrNotPaused
	}
	if err := s.claim(st.ConversationID); err != nil {
		s.mu.Unlock()
		return TaskStatus{}, err
	}
	paused := *st
	st.State = StateRunning
	st.Detail = ""
	st.CompletedAt = nil
	s.mu.Unlock()

	ec, err := s.newContext(paused.ConversationID)
	if err == nil {
		err = ec.Memory.Add("user", message)
	}
	if err != nil {
		s.mu.Lock()
		*st = paused
		s.mu.Unlock()
		s.release(paused.ConversationID)
		return TaskStatus{}, fmt.Errorf("resume task %s: %w", id, err)
	}

	s.logger.Info("task resumed", "task_id", id, "conversation_id", paused.ConversationID)
	s.start(paused.task(), paused.ConversationID, ec)
	return s.snapshot(st), nil
}

// claim reserves convID for one running loop and counts it against
// the shutdown wait. The caller holds s.mu. Every successful claim is
// paired with exactly one release.
func (s *Server) claim(convID string) error {
	if s.closing {
		return ErrNotReady
	}
	if _, busy := s.busy[convID]; busy {
		return ErrConversationBusy
	}
	s.busy[convID] = struct{}{}
	s.wg.Add(1)
	return nil
}

func (s *Server) release(convID string) {
	s.mu.Lock()
	delete(s.busy, convID)
	s.mu.Unlock()
	s.wg.Done()
}

// start runs the task on a conversation already claimed by the caller.
func (s *Server) start(task agent.Task, convID string, ec *agent.ExecutionContext) {
	go func() {
		defer s.release(convID)
		out := s.loop.Run(s.runCtx, task, ec)
		s.finish(task.ID, out)
	}()
}

// finish marks a task terminal once its loop returns and closes any
// event streams still attached to it.
func (s *Server) finish(id string, out agent.Outcome) {
	if st, ok := s.statuses.Peek(id); ok {
		s.mu.Lock()
		applyOutcome(st, out)
		s.mu.Unlock()
	}
	s.hub.close(id)
}

func applyOutcome(st *TaskStatus, out agent.Outcome) {
	if out == nil || st.Terminal() {
		return
	}
	now := time.Now()
	st.State = out.State().String()
	st.Detail = out.Detail()
	if f, ok := out.(agent.Finished); ok {
		st.Summary = f.MemorizedSummary
	}
	st.CompletedAt = &now
}

// OnEvent tracks task progress and relays events to attached streams.
// It implements [agent.Observer] and must be registered on the loop.
func (s *Server) OnEvent(e agent.Event) {
	if st, ok := s.statuses.Peek(e.TaskID); ok {
		s.mu.Lock()
		switch e.Kind {
		case agent.EventPhase:
			st.Phase = e.PhaseName
			st.Iteration = e.Iteration
		case agent.EventRetry:
			st.Retry = e.Retry
		case agent.EventOutcome:
			st.Retry = e.Retry
			applyOutcome(st, e.Outcome)
		}
		s.mu.Unlock()
	}

	if !s.hub.watched(e.TaskID) {
		return
	}
	msg, err := json.Marshal(e)
	if err != nil {
		s.logger.Debug("failed to encode event", "error", err)
		return
	}
	s.hub.publish(e.TaskID, msg)
}

// Status returns the current status of a task, consulting the run
// store when the task is no longer cached.
func (s *Server) Status(ctx context.Context, id string) (TaskStatus, error) {
	if st, ok := s.statuses.Get(id); ok {
		return s.snapshot(st), nil
	}
	if s.runs == nil {
		return TaskStatus{}, ErrNotFound
	}
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return TaskStatus{}, err
	}
	return statusFromRun(run), nil
}

func (s *Server) snapshot(st *TaskStatus) TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	if st.CompletedAt != nil {
		t := *st.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

func (s *Server) handleTaskSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		s.errorResponse(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	st, err := s.Submit(r.Context(), req)
	if err != nil {
		s.submitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/tasks/"+st.ID)
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, st, s.logger)
}

func (s *Server) handleTaskInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	st, err := s.Resume(r.Context(), r.PathValue("id"), body.Message)
	if err != nil {
		s.submitError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, st, s.logger)
}

func (s *Server) submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidTask):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "task not found")
	case errors.Is(err, ErrNotPaused), errors.Is(err, ErrConversationBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotReady):
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("task submission failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task submission failed")
	}
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.lookupError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	runs, err := s.runs.List(r.Context(), parseIntParam(r, "limit", 50))
	if err != nil {
		s.logger.Error("list runs failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"runs": runs}, s.logger)
}

func (s *Server) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "task not found")
		return
	}
	s.logger.Error("task lookup failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, "task lookup failed")
}
