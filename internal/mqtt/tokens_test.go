package mqtt

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDailyTokens_Record(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	ctx := context.Background()
	_ = dt.RecordUsage(ctx, "t1", "c1", "m", 100, 200)
	_ = dt.RecordUsage(ctx, "t1", "c1", "m", 50, 75)

	input, output, requests := dt.Snapshot()
	if input != 150 {
		t.Errorf("input = %d, want 150", input)
	}
	if output != 275 {
		t.Errorf("output = %d, want 275", output)
	}
	if requests != 2 {
		t.Errorf("requests = %d, want 2", requests)
	}
}

func TestDailyTokens_Snapshot_ZeroInitially(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	input, output, requests := dt.Snapshot()
	if input != 0 || output != 0 || requests != 0 {
		t.Errorf("got (%d, %d, %d), want (0, 0, 0)", input, output, requests)
	}
}

func TestDailyTokens_ResetsAtMidnight(t *testing.T) {
	clock := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	dt := NewDailyTokens(time.UTC)
	dt.now = func() time.Time { return clock }
	dt.resetDay = clock.YearDay()

	_ = dt.RecordUsage(context.Background(), "", "", "", 10, 10)
	clock = clock.Add(2 * time.Minute)

	if input, output, requests := dt.Snapshot(); input != 0 || output != 0 || requests != 0 {
		t.Errorf("after midnight got (%d, %d, %d), want zeros", input, output, requests)
	}
}

func TestDailyTokens_Concurrent(t *testing.T) {
	dt := NewDailyTokens(time.UTC)
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = dt.RecordUsage(context.Background(), "", "", "", 1, 2)
		}()
	}
	wg.Wait()

	input, output, requests := dt.Snapshot()
	if input != 100 || output != 200 || requests != 100 {
		t.Errorf("got (%d, %d, %d), want (100, 200, 100)", input, output, requests)
	}
}
