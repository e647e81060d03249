// Package retry bounds how often a task may fail before it is abandoned.
//
// Two budgets apply independently: consecutive failures, which reset
// after any success, and total failures, which never reset for the life
// of a task. [Decide] is a pure function over an immutable [State].
package retry

import (
	"context"
	"fmt"
	"time"
)

// State counts failures. It is a value: the methods return a new State
// and never modify the receiver.
type State struct {
	Consecutive int `json:"consecutive"`
	Total       int `json:"total"`
}

// Failed returns s with both counters incremented.
func (s State) Failed() State {
	return State{Consecutive: s.Consecutive + 1, Total: s.Total + 1}
}

// Succeeded returns s with the consecutive counter cleared.
func (s State) Succeeded() State {
	return State{Consecutive: 0, Total: s.Total}
}

// Limits are the ceilings a State is checked against.
type Limits struct {
	MaxConsecutive int
	MaxTotal       int
	// Delay is the fixed pause before retrying.
	Delay time.Duration
}

// DefaultLimits returns 3 consecutive, 10 total, 2s delay.
func DefaultLimits() Limits {
	return Limits{MaxConsecutive: 3, MaxTotal: 10, Delay: 2 * time.Second}
}

// Decision is the outcome of [Decide].
type Decision struct {
	Stop   bool
	Reason string
}

// Decide reports whether a task in state s may retry. detail is the
// error message that caused the failure, if any. The consecutive ceiling
// is checked before the total ceiling.
func Decide(s State, l Limits, detail string) Decision {
	if s.Consecutive >= l.MaxConsecutive {
		if detail != "" {
			return Decision{Stop: true, Reason: fmt.Sprintf(
				"too many consecutive exceptions (%d): %s", l.MaxConsecutive, detail)}
		}
		return Decision{Stop: true, Reason: fmt.Sprintf(
			"too many consecutive execution failures (%d)", l.MaxConsecutive)}
	}
	if s.Total >= l.MaxTotal {
		reason := fmt.Sprintf("too many total retries (%d)", l.MaxTotal)
		if detail != "" {
			reason += ": " + detail
		}
		return Decision{Stop: true, Reason: reason}
	}
	return Decision{}
}

// Sleep pauses for d, returning early with ctx's error if ctx is done
// first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
