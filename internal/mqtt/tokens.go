package mqtt

import (
	"context"
	"sync"
	"time"
)

// DailyTokens tracks token usage that resets at local midnight. It is
// safe for concurrent use and satisfies the execution loop's usage
// hook, so it can sit next to the persistent usage store.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// NewDailyTokens creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// RecordUsage adds the token counts of one model call, resetting the
// counters first if the local date has changed.
func (d *DailyTokens) RecordUsage(_ context.Context, _, _, _ string, inputTokens, outputTokens int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.requests++
	return nil
}

// Snapshot returns input tokens, output tokens, and request count
// after checking for midnight rollover.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.requests
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.requests = 0
		d.resetDay = today
	}
}
