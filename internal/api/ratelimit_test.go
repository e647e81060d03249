package api

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, quietLogger())
	if rl.Enabled() {
		t.Fatal("rpm 0 should disable the limiter")
	}
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d denied by disabled limiter", i)
		}
	}
}

func TestRateLimiter_BurstPerKey(t *testing.T) {
	rl := NewRateLimiter(1, 2, quietLogger())

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst of 2 should allow two requests")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("keys must be limited independently")
	}
}

func TestRateLimiter_DefaultBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0, quietLogger())
	for i := 0; i < 5; i++ {
		if !rl.Allow("k") {
			t.Fatalf("request %d denied within default burst", i)
		}
	}
	if rl.Allow("k") {
		t.Error("sixth request should be limited")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(60, 1, quietLogger())
	rl.Allow("stale")

	rl.cleanup(time.Now().Add(time.Minute))

	if _, ok := rl.limiters.Load("stale"); ok {
		t.Error("stale entry survived cleanup")
	}
}

func TestRateLimiter_StopEndsCleanup(t *testing.T) {
	rl := NewRateLimiter(60, 1, quietLogger())

	done := make(chan struct{})
	go func() {
		rl.cleanupLoop()
		close(done)
	}()

	rl.Stop()
	rl.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup loop still running after Stop")
	}
}
