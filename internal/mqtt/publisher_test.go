package mqtt

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/taskloop/internal/agent"
	"github.com/nugget/taskloop/internal/config"
	"github.com/nugget/taskloop/internal/retry"
)

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if parts := strings.Split(first, "-"); len(parts) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestClientID(t *testing.T) {
	if got := clientID("explicit", "0190-abcdef123456"); got != "explicit" {
		t.Errorf("clientID = %q, want explicit", got)
	}
	if got := clientID("", "0190-abcdef123456"); got != "taskloop-ef123456" {
		t.Errorf("clientID = %q, want taskloop-ef123456", got)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(config.MQTTConfig{Broker: "mqtt://localhost:1883", BaseTopic: "lab/taskloop"}, "id", nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "lab/taskloop/availability"},
		{"outcome", p.outcomeTopic("t-1"), "lab/taskloop/tasks/t-1/outcome"},
		{"submit", p.submitTopic(), "lab/taskloop/tasks/submit"},
		{"tokens", p.tokensTopic(), "lab/taskloop/tokens_today"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if def := New(config.MQTTConfig{}, "id", nil, nil); def.availabilityTopic() != "taskloop/availability" {
		t.Errorf("default base topic = %q", def.availabilityTopic())
	}
}

func TestPublisher_OnEventQueuesOutcome(t *testing.T) {
	tokens := NewDailyTokens(time.UTC)
	_ = tokens.RecordUsage(context.Background(), "t-1", "", "m", 30, 12)
	p := New(config.MQTTConfig{}, "id", tokens, nil)

	p.OnEvent(agent.Event{Kind: agent.EventToken, TaskID: "t-1", Token: "<"})
	p.OnEvent(agent.Event{Kind: agent.EventPhase, TaskID: "t-1"})
	if len(p.queue) != 0 {
		t.Fatalf("queue = %d after non-outcome events, want 0", len(p.queue))
	}

	p.OnEvent(agent.Event{
		Kind:      agent.EventOutcome,
		TaskID:    "t-1",
		State:     "failed",
		Detail:    "too many consecutive exceptions (3): x",
		Iteration: 3,
		Retry:     retry.State{Consecutive: 3, Total: 3},
	})
	if len(p.queue) != 2 {
		t.Fatalf("queue = %d, want 2", len(p.queue))
	}

	msg := <-p.queue
	if msg.topic != "taskloop/tasks/t-1/outcome" || msg.qos != 1 || msg.retain {
		t.Errorf("outcome message = %+v", msg)
	}
	var got OutcomeMessage
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.State != "failed" || got.TotalFailures != 3 || got.Iterations != 3 {
		t.Errorf("payload = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	tok := <-p.queue
	if tok.topic != "taskloop/tokens_today" || string(tok.payload) != "42" || !tok.retain {
		t.Errorf("tokens message = %+v (payload %q)", tok, tok.payload)
	}
}

func TestPublisher_FullQueueDrops(t *testing.T) {
	p := New(config.MQTTConfig{}, "id", nil, nil)
	for i := 0; i < queueSize+5; i++ {
		p.OnEvent(agent.Event{Kind: agent.EventOutcome, TaskID: "t", State: "finished"})
	}
	if len(p.queue) != queueSize {
		t.Errorf("queue = %d, want %d", len(p.queue), queueSize)
	}
}

func TestPublisher_StopBeforeStart(t *testing.T) {
	p := New(config.MQTTConfig{}, "id", nil, nil)
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
	if err := p.AwaitConnection(context.Background()); err == nil {
		t.Error("AwaitConnection() = nil before Start, want error")
	}
}
