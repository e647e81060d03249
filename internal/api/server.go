// Package api implements the task HTTP API: submission, status, live
// event streams, rendered reports, and usage totals.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/buildinfo"
	"github.com/nugget/taskloop/internal/connwatch"
	"github.com/nugget/taskloop/internal/usage"
)

// statusCacheSize bounds how many recent tasks are answered from memory
// before falling back to the run store.
const statusCacheSize = 256

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// TaskLoop runs one task to its outcome. [*agent.Loop] satisfies it.
type TaskLoop interface {
	Run(ctx context.Context, task agent.Task, ec *agent.ExecutionContext) agent.Outcome
}

// ContextFactory builds the execution context a task runs in. The
// conversation ID selects the memory the task reads and appends to.
type ContextFactory func(conversationID string) (*agent.ExecutionContext, error)

// RunStore looks up completed run records.
type RunStore interface {
	Get(ctx context.Context, taskID string) (*agent.Run, error)
	List(ctx context.Context, limit int) ([]*agent.Run, error)
}

// UsageSource reports aggregated token usage. [*usage.Store]
// satisfies it.
type UsageSource interface {
	Totals(ctx context.Context, p usage.Period) (usage.Totals, error)
	TotalsBy(ctx context.Context, g usage.Grouping, p usage.Period) (map[string]usage.Totals, error)
	TaskTotals(ctx context.Context, taskID string) (usage.Totals, error)
}

// HealthReporter reports the reachability of the services tasks
// depend on. [*connwatch.Monitor] satisfies it.
type HealthReporter interface {
	Status() map[string]connwatch.Status
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	loop       TaskLoop
	newContext ContextFactory
	runs       RunStore
	usage      UsageSource
	health     HealthReporter
	limiter    *RateLimiter

	mu       sync.Mutex // guards status fields, busy, and closing
	statuses *lru.Cache[string, *TaskStatus]
	busy     map[string]struct{} // conversation IDs owned by a running loop
	closing  bool
	hub      *hub

	runCtx     context.Context
	cancelRuns context.CancelCauseFunc
	wg         sync.WaitGroup
}

// NewServer creates a new API server. Tasks cannot be submitted until
// [Server.SetLoop] is called.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, *TaskStatus](statusCacheSize)
	runCtx, cancel := context.WithCancelCause(context.Background())
	return &Server{
		address:    address,
		port:       port,
		logger:     logger,
		limiter:    NewRateLimiter(0, 0, logger),
		statuses:   cache,
		busy:       make(map[string]struct{}),
		hub:        newHub(),
		runCtx:     runCtx,
		cancelRuns: cancel,
	}
}

// SetLoop configures the loop tasks run on and the factory that builds
// their execution contexts.
func (s *Server) SetLoop(loop TaskLoop, factory ContextFactory) {
	s.loop = loop
	s.newContext = factory
}

// SetRunStore configures the store consulted for tasks no longer in
// the in-memory cache.
func (s *Server) SetRunStore(rs RunStore) {
	s.runs = rs
}

// SetUsage configures the source for the usage endpoint.
func (s *Server) SetUsage(u UsageSource) {
	s.usage = u
}

// SetHealth configures the dependency health shown on /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// SetRateLimit throttles task submissions per client address. A
// non-positive rpm disables the limit.
func (s *Server) SetRateLimit(rpm, burst int) {
	s.limiter.Stop()
	s.limiter = NewRateLimiter(rpm, burst, s.logger)
}

// Handler returns the routed, logged handler. Start serves it; tests
// mount it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.handleTaskSubmit)
	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("POST /v1/tasks/{id}/input", s.handleTaskInput)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /v1/tasks/{id}/report", s.handleTaskReport)

	mux.HandleFunc("GET /v1/usage", s.handleUsage)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the listener
// fails or ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests, cancels running tasks, and waits
// for them to record their outcomes or for ctx to expire. Submissions
// arriving after Shutdown starts fail with [ErrNotReady].
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.limiter.Stop()
	s.cancelRuns(fmt.Errorf("server shutting down"))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Wait blocks until every task started by the server has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "taskloop",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth always answers 200 while the process is serving; a
// dependency outage shows as "degraded" with per-service detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.health.Status(),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	period := usage.Last(time.Duration(hours) * time.Hour)
	ctx := r.Context()

	total, err := s.usage.Totals(ctx, period)
	if err != nil {
		s.logger.Error("usage totals failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	resp := map[string]any{"hours": hours, "total": total}
	for key, g := range map[string]usage.Grouping{"by_model": usage.ByModel, "by_provider": usage.ByProvider} {
		groups, err := s.usage.TotalsBy(ctx, g, period)
		if err != nil {
			s.logger.Error("usage totals failed", "grouping", g, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
			return
		}
		resp[key] = groups
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// clientKey identifies the caller for rate limiting.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
