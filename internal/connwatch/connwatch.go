// Package connwatch tracks the reachability of the services a task
// depends on: model providers and the MQTT broker.
//
// A watcher probes its service with exponential backoff until the
// first success or until its startup attempts run out, then settles
// into fixed-interval polling. Transitions between ready and down are
// logged and reported through an optional callback. The health endpoint
// reads [Monitor.Status].
package connwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Probe checks whether a service is reachable. It returns nil when the
// service is healthy and must honour ctx.
type Probe func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the first delay after a failed startup probe.
	Initial time.Duration
	// Max caps the startup delay.
	Max time.Duration
	// Factor multiplies the delay after each failed startup probe.
	Factor float64
	// StartupAttempts is how many backoff probes are made before
	// falling back to Poll.
	StartupAttempts int
	// Poll is the steady-state interval.
	Poll time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultBackoff returns 2s doubling to 60s over 10 startup attempts,
// then 60s polling with a 10s probe timeout.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Factor:          2,
		StartupAttempts: 10,
		Poll:            60 * time.Second,
		Timeout:         10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.Timeout <= 0 {
		b.Timeout = d.Timeout
	}
	return b
}

// Check describes one watched service.
type Check struct {
	Name    string
	Probe   Probe
	Backoff Backoff
	// OnChange is called in its own goroutine whenever the service
	// becomes ready or goes down. err is nil on ready.
	OnChange func(ready bool, err error)
}

// Status is the health of one service as reported by /health.
type Status struct {
	Name     string    `json:"name"`
	Ready    bool      `json:"ready"`
	Checked  time.Time `json:"last_check"`
	Error    string    `json:"last_error,omitempty"`
	Failures int       `json:"consecutive_failures,omitempty"`
}

// Watcher probes a single service.
type Watcher struct {
	check  Check
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	err    error
	// connected is set by the first successful probe and ends the
	// startup backoff.
	connected bool
}

// Status returns a snapshot of the service's health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Err returns the most recent probe error, nil when healthy.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Stop ends probing and waits for the watcher goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.check.Backoff
	delay := b.Initial
	attempts := 0
	for {
		ready := w.observe(ctx)
		if ctx.Err() != nil {
			return
		}
		attempts++

		wait := b.Poll
		if !ready && attempts < b.StartupAttempts && !w.wasConnected() {
			wait = delay
			delay = min(time.Duration(float64(delay)*b.Factor), b.Max)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// observe runs one probe, records it, and reports transitions.
func (w *Watcher) observe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, w.check.Backoff.Timeout)
	err := w.check.Probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}

	w.mu.Lock()
	was := w.status.Ready
	first := !w.connected
	w.err = err
	w.status.Checked = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.Error = err.Error()
		w.status.Failures++
	} else {
		w.status.Error = ""
		w.status.Failures = 0
		w.connected = true
	}
	failures := w.status.Failures
	w.mu.Unlock()

	name := w.check.Name
	switch {
	case err == nil && !was:
		if first {
			w.logger.Info("service connected", "service", name)
		} else {
			w.logger.Info("service recovered", "service", name)
		}
		w.notify(true, nil)
	case err != nil && was:
		w.logger.Warn("service became unreachable", "service", name, "error", err)
		w.notify(false, err)
	case err != nil:
		w.logger.Debug("service unreachable", "service", name, "failures", failures, "error", err)
	}
	return err == nil
}

func (w *Watcher) wasConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Watcher) notify(ready bool, err error) {
	if w.check.OnChange != nil {
		go w.check.OnChange(ready, err)
	}
}

// Monitor owns the watchers for all dependencies.
type Monitor struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{watchers: make(map[string]*Watcher), logger: logger}
}

// Watch starts probing c.Probe in the background until ctx is
// cancelled or the monitor is stopped. Zero backoff fields take their
// defaults. Watching a name twice replaces the earlier watcher.
func (m *Monitor) Watch(ctx context.Context, c Check) (*Watcher, error) {
	if c.Name == "" {
		return nil, errors.New("connwatch: check name is required")
	}
	if c.Probe == nil {
		return nil, fmt.Errorf("connwatch: check %q has no probe", c.Name)
	}
	c.Backoff = c.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		check:  c,
		logger: m.logger,
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{Name: c.Name},
	}

	m.mu.Lock()
	old := m.watchers[c.Name]
	m.watchers[c.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(watchCtx)
	return w, nil
}

// Status returns the health of every watched service by name.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Healthy reports whether every watched service is ready.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop ends all watchers and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
