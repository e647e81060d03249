package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/connwatch"
	"github.com/nugget/taskloop/internal/memory"
	"github.com/nugget/taskloop/internal/usage"
)

// fakeLoop replays canned outcomes, emitting the phase and outcome
// events a real loop would.
type fakeLoop struct {
	srv      *Server
	release  chan struct{}
	mu       sync.Mutex
	outcomes []agent.Outcome
	tasks    []agent.Task
}

func (f *fakeLoop) Run(ctx context.Context, task agent.Task, ec *agent.ExecutionContext) agent.Outcome {
	f.mu.Lock()
	out := f.outcomes[min(len(f.tasks), len(f.outcomes)-1)]
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()

	f.srv.OnEvent(agent.Event{Kind: agent.EventPhase, TaskID: task.ID, Iteration: 1, PhaseName: "think"})
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			out = agent.Failure{Reason: "cancelled"}
		}
	}
	f.srv.OnEvent(agent.Event{
		Kind:    agent.EventOutcome,
		TaskID:  task.ID,
		Outcome: out,
		State:   out.State().String(),
		Detail:  out.Detail(),
	})
	return out
}

func (f *fakeLoop) ran() []agent.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Task(nil), f.tasks...)
}

type harness struct {
	srv   *Server
	loop  *fakeLoop
	store *memory.Store
	http  *httptest.Server
}

func newHarness(t *testing.T, outcomes ...agent.Outcome) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", 0, logger)
	store := memory.NewStore()
	loop := &fakeLoop{srv: srv, outcomes: outcomes}
	srv.SetLoop(loop, func(convID string) (*agent.ExecutionContext, error) {
		mem := memory.NewConversation(store, convID, logger)
		return agent.NewExecutionContext(mem, nil, convID), nil
	})
	h := &harness{srv: srv, loop: loop, store: store, http: httptest.NewServer(srv.Handler())}
	t.Cleanup(func() {
		h.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return h
}

func (h *harness) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(h.http.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (h *harness) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(h.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func decodeStatus(t *testing.T, data []byte) TaskStatus {
	t.Helper()
	var st TaskStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("decode status %s: %v", data, err)
	}
	return st
}

func TestHealthAndVersion(t *testing.T) {
	h := newHarness(t, agent.Finished{})

	resp, body := h.get(t, "/health")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("healthy")) {
		t.Errorf("/health = %d %s", resp.StatusCode, body)
	}

	resp, body = h.get(t, "/v1/version")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("go_version")) {
		t.Errorf("/v1/version = %d %s", resp.StatusCode, body)
	}

	resp, _ = h.get(t, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/nope = %d, want 404", resp.StatusCode)
	}
}

func TestSubmit_RunsToOutcome(t *testing.T) {
	h := newHarness(t, agent.Finished{Message: "all done", MemorizedSummary: "user: build it"})

	resp, body := h.post(t, "/v1/tasks", `{"requirement":"build it","terminal_tool":"write_code"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	st := decodeStatus(t, body)
	if st.ID == "" || st.ConversationID != st.ID {
		t.Errorf("id = %q, conversation = %q", st.ID, st.ConversationID)
	}
	if st.State != StateRunning {
		t.Errorf("State = %q, want running", st.State)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/tasks/"+st.ID {
		t.Errorf("Location = %q", loc)
	}

	h.srv.Wait()

	resp, body = h.get(t, "/v1/tasks/"+st.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	got := decodeStatus(t, body)
	if got.State != "finished" || got.Detail != "all done" || got.Summary != "user: build it" {
		t.Errorf("status = %+v", got)
	}
	if got.Phase != "think" || got.Iteration != 1 {
		t.Errorf("phase = %q/%d, want think/1", got.Phase, got.Iteration)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	tasks := h.loop.ran()
	if len(tasks) != 1 || tasks[0].TerminalTool != "write_code" || tasks[0].Depth != 1 {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestSubmit_ExplicitConversation(t *testing.T) {
	h := newHarness(t, agent.Finished{})

	st, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "x", ConversationID: "conv-7"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.ConversationID != "conv-7" {
		t.Errorf("ConversationID = %q, want conv-7", st.ConversationID)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	h := newHarness(t, agent.Finished{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"requirement":`, http.StatusBadRequest},
		{"empty requirement", `{"requirement":"   "}`, http.StatusBadRequest},
		{"missing requirement", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := h.post(t, "/v1/tasks", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
	if n := len(h.loop.ran()); n != 0 {
		t.Errorf("loop ran %d times for rejected submissions", n)
	}
}

func TestSubmit_NotReady(t *testing.T) {
	srv := NewServer("", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", strings.NewReader(`{"requirement":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSubmit_RateLimited(t *testing.T) {
	h := newHarness(t, agent.Finished{})
	h.srv.SetRateLimit(1, 1)

	resp, _ := h.post(t, "/v1/tasks", `{"requirement":"one"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d, want 202", resp.StatusCode)
	}
	resp, _ = h.post(t, "/v1/tasks", `{"requirement":"two"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", resp.StatusCode)
	}
}

func TestResume(t *testing.T) {
	h := newHarness(t,
		agent.PauseForUserInput{Params: map[string]any{"question": "which file?"}},
		agent.Finished{Message: "wrote main.go"},
	)

	st, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "write a file"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.srv.Wait()

	paused, _ := h.srv.Status(context.Background(), st.ID)
	if paused.State != "paused" || paused.Detail != "which file?" {
		t.Fatalf("status = %+v, want paused with question", paused)
	}

	resp, body := h.post(t, "/v1/tasks/"+st.ID+"/input", `{"message":"main.go"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("input status = %d (%s)", resp.StatusCode, body)
	}
	if got := decodeStatus(t, body); got.State != StateRunning {
		t.Errorf("State after input = %q, want running", got.State)
	}
	h.srv.Wait()

	done, _ := h.srv.Status(context.Background(), st.ID)
	if done.State != "finished" || done.Detail != "wrote main.go" {
		t.Errorf("status = %+v", done)
	}

	tasks := h.loop.ran()
	if len(tasks) != 2 || tasks[1].ID != st.ID || tasks[1].Requirement != "write a file" {
		t.Errorf("tasks = %+v", tasks)
	}
	msgs, _ := h.store.GetMessages(st.ConversationID)
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "main.go" {
		t.Errorf("conversation = %+v", msgs)
	}

	resp, _ = h.post(t, "/v1/tasks/"+st.ID+"/input", `{"message":"again"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("input on finished task = %d, want 409", resp.StatusCode)
	}
}

func TestResume_Errors(t *testing.T) {
	h := newHarness(t, agent.PauseForUserInput{})

	resp, _ := h.post(t, "/v1/tasks/missing/input", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown task = %d, want 404", resp.StatusCode)
	}

	st, _ := h.srv.Submit(context.Background(), TaskRequest{Requirement: "x"})
	h.srv.Wait()
	resp, _ = h.post(t, "/v1/tasks/"+st.ID+"/input", `{"message":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message = %d, want 400", resp.StatusCode)
	}
}

func TestSubmit_ConversationBusy(t *testing.T) {
	h := newHarness(t, agent.Finished{})
	h.loop.release = make(chan struct{})

	resp, body := h.post(t, "/v1/tasks", `{"requirement":"a","conversation_id":"shared"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d (%s)", resp.StatusCode, body)
	}
	resp, body = h.post(t, "/v1/tasks", `{"requirement":"b","conversation_id":"shared"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second status = %d (%s), want 409", resp.StatusCode, body)
	}
	if _, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "b", ConversationID: "shared"}); !errors.Is(err, ErrConversationBusy) {
		t.Errorf("Submit err = %v, want ErrConversationBusy", err)
	}
	resp, _ = h.post(t, "/v1/tasks", `{"requirement":"c","conversation_id":"other"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("other conversation = %d, want 202", resp.StatusCode)
	}

	close(h.loop.release)
	h.srv.Wait()

	resp, body = h.post(t, "/v1/tasks", `{"requirement":"d","conversation_id":"shared"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("reuse after finish = %d (%s), want 202", resp.StatusCode, body)
	}
	h.srv.Wait()
	if n := len(h.loop.ran()); n != 3 {
		t.Errorf("loop ran %d times, want 3", n)
	}
}

func TestResume_ConversationBusy(t *testing.T) {
	h := newHarness(t,
		agent.PauseForUserInput{Params: map[string]any{"question": "which?"}},
		agent.Finished{},
	)

	paused, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "ask", ConversationID: "c"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h.srv.Wait()

	h.loop.release = make(chan struct{})
	if _, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "other", ConversationID: "c"}); err != nil {
		t.Fatalf("Submit on idle conversation: %v", err)
	}

	resp, body := h.post(t, "/v1/tasks/"+paused.ID+"/input", `{"message":"main.go"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("resume on busy conversation = %d (%s), want 409", resp.StatusCode, body)
	}
	if st, _ := h.srv.Status(context.Background(), paused.ID); st.State != "paused" {
		t.Errorf("State = %q, want paused after rejected resume", st.State)
	}
	if msgs, _ := h.store.GetMessages("c"); len(msgs) != 0 {
		t.Errorf("rejected resume wrote %d messages", len(msgs))
	}

	close(h.loop.release)
	h.srv.Wait()

	resp, body = h.post(t, "/v1/tasks/"+paused.ID+"/input", `{"message":"main.go"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("resume after release = %d (%s), want 202", resp.StatusCode, body)
	}
	h.srv.Wait()
}

func TestShutdown_RejectsLateSubmissions(t *testing.T) {
	h := newHarness(t, agent.Finished{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "late"}); !errors.Is(err, ErrNotReady) {
		t.Errorf("Submit after Shutdown = %v, want ErrNotReady", err)
	}
	resp, _ := h.post(t, "/v1/tasks", `{"requirement":"late"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("POST after Shutdown = %d, want 503", resp.StatusCode)
	}
	if n := len(h.loop.ran()); n != 0 {
		t.Errorf("loop ran %d times after Shutdown", n)
	}
}

type fakeRuns struct {
	runs map[string]*agent.Run
}

func (f *fakeRuns) Get(_ context.Context, id string) (*agent.Run, error) {
	if r, ok := f.runs[id]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (f *fakeRuns) List(_ context.Context, limit int) ([]*agent.Run, error) {
	var out []*agent.Run
	for _, r := range f.runs {
		out = append(out, r)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func storedRun() *agent.Run {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &agent.Run{
		TaskID:         "old-task",
		ConversationID: "conv-1",
		Requirement:    "make a report",
		Depth:          1,
		Model:          "qwen3:8b",
		State:          "finished",
		Detail:         "report written",
		Iterations:     3,
		Consecutive:    0,
		TotalFailures:  1,
		Actions:        map[string]int{"write_code": 2, "finish": 1},
		GeneratedFiles: []string{"/ws/report.md"},
		InputTokens:    120,
		OutputTokens:   45,
		StartedAt:      started,
		CompletedAt:    started.Add(2 * time.Second),
		DurationMs:     2000,
	}
}

func TestStatus_FallsBackToRunStore(t *testing.T) {
	h := newHarness(t, agent.Finished{})

	resp, _ := h.get(t, "/v1/tasks/old-task")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("without store = %d, want 404", resp.StatusCode)
	}

	h.srv.SetRunStore(&fakeRuns{runs: map[string]*agent.Run{"old-task": storedRun()}})

	resp, body := h.get(t, "/v1/tasks/old-task")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	st := decodeStatus(t, body)
	if st.State != "finished" || st.Iteration != 3 || st.Retry.Total != 1 || st.Detail != "report written" {
		t.Errorf("status = %+v", st)
	}

	resp, _ = h.get(t, "/v1/tasks/unknown")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown = %d, want 404", resp.StatusCode)
	}

	resp, body = h.get(t, "/v1/tasks?limit=5")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte("old-task")) {
		t.Errorf("list = %d %s", resp.StatusCode, body)
	}
}

func TestReport(t *testing.T) {
	h := newHarness(t, agent.Finished{})
	h.srv.SetRunStore(&fakeRuns{runs: map[string]*agent.Run{"old-task": storedRun()}})
	h.srv.SetUsage(&fakeUsage{})

	resp, body := h.get(t, "/v1/tasks/old-task/report")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%s)", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	html := string(body)
	for _, want := range []string{"<h1>Task old-task</h1>", "<h2>Result</h2>", "report written", "<table>", "<code>/ws/report.md</code>", "$0.0125 over 3 model calls"} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q:\n%s", want, html)
		}
	}

	resp, body = h.get(t, "/v1/tasks/old-task/report?format=markdown")
	if !strings.HasPrefix(string(body), "# Task old-task") {
		t.Errorf("markdown = %d %q", resp.StatusCode, body)
	}
}

func TestReport_RunningTask(t *testing.T) {
	h := newHarness(t, agent.Finished{})
	h.loop.release = make(chan struct{})

	st, err := h.srv.Submit(context.Background(), TaskRequest{Requirement: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	resp, _ := h.get(t, "/v1/tasks/"+st.ID+"/report")
	close(h.loop.release)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestReportMarkdown_Failure(t *testing.T) {
	md := reportMarkdown(TaskStatus{
		ID:          "t1",
		Requirement: "do it",
		State:       "failed",
		Detail:      "too many total retries (3): x",
	}, nil, nil)
	if !strings.Contains(md, "## Failure\n\ntoo many total retries (3): x") {
		t.Errorf("markdown = %q", md)
	}
	if strings.Contains(md, "Model:") || strings.Contains(md, "Cost:") {
		t.Error("statistics rendered without a run record or usage")
	}
}

func TestShutdown_CancelsRunningTasks(t *testing.T) {
	h := newHarness(t, agent.Finished{Message: "never"})
	h.loop.release = make(chan struct{})

	st, _ := h.srv.Submit(context.Background(), TaskRequest{Requirement: "forever"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, _ := h.srv.Status(context.Background(), st.ID)
	if got.State != "failed" {
		t.Errorf("State = %q, want failed", got.State)
	}
}

type fakeUsage struct {
	period usage.Period
}

func (f *fakeUsage) Totals(_ context.Context, p usage.Period) (usage.Totals, error) {
	f.period = p
	return usage.Totals{Calls: 2, InputTokens: 300, OutputTokens: 40, CostUSD: 0.01}, nil
}

func (f *fakeUsage) TotalsBy(_ context.Context, g usage.Grouping, _ usage.Period) (map[string]usage.Totals, error) {
	if g == usage.ByProvider {
		return map[string]usage.Totals{"ollama": {Calls: 2}}, nil
	}
	return map[string]usage.Totals{"qwen3:8b": {Calls: 2}}, nil
}

func (f *fakeUsage) TaskTotals(_ context.Context, taskID string) (usage.Totals, error) {
	if taskID == "old-task" {
		return usage.Totals{Calls: 3, CostUSD: 0.0125}, nil
	}
	return usage.Totals{}, nil
}

func TestUsage(t *testing.T) {
	h := newHarness(t, agent.Finished{})

	resp, _ := h.get(t, "/v1/usage")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("unconfigured = %d, want 503", resp.StatusCode)
	}

	fu := &fakeUsage{}
	h.srv.SetUsage(fu)
	resp, body := h.get(t, "/v1/usage?hours=6")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Hours      int                     `json:"hours"`
		Total      usage.Totals            `json:"total"`
		ByModel    map[string]usage.Totals `json:"by_model"`
		ByProvider map[string]usage.Totals `json:"by_provider"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Hours != 6 || got.Total.InputTokens != 300 || got.ByModel["qwen3:8b"].Calls != 2 || got.ByProvider["ollama"].Calls != 2 {
		t.Errorf("usage = %+v", got)
	}
	if d := fu.period.End.Sub(fu.period.Start); d != 6*time.Hour {
		t.Errorf("queried window = %v, want 6h", d)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 24},
		{"limit=5", 5},
		{"limit=-1", 24},
		{"limit=abc", 24},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 24); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

type fakeHealth struct{ ready bool }

func (f fakeHealth) Status() map[string]connwatch.Status {
	return map[string]connwatch.Status{"ollama": {Name: "ollama", Ready: f.ready}}
}

func (f fakeHealth) Healthy() bool { return f.ready }

func TestHealth_Degraded(t *testing.T) {
	h := newHarness(t, agent.Finished{})
	h.srv.SetHealth(fakeHealth{ready: false})

	resp, body := h.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got struct {
		Status   string                      `json:"status"`
		Services map[string]connwatch.Status `json:"services"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "degraded" || got.Services["ollama"].Ready {
		t.Errorf("health = %+v", got)
	}
}
