package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// Submission is the JSON payload accepted on the submit topic.
type Submission struct {
	Requirement    string `json:"requirement"`
	TerminalTool   string `json:"terminal_tool,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// SubmitFunc starts a task and returns its ID. It must not block until
// the task finishes.
type SubmitFunc func(ctx context.Context, sub Submission) (string, error)

// SetSubmitter sets the function inbound submissions are handed to.
// Submissions are only accepted when mqtt.accept_tasks is set.
func (p *Publisher) SetSubmitter(fn SubmitFunc) {
	p.submit = fn
}

func (p *Publisher) accepting() bool {
	return p.cfg.AcceptTasks && p.submit != nil
}

func (p *Publisher) submitLimit() int {
	if p.cfg.SubmitLimit > 0 {
		return p.cfg.SubmitLimit
	}
	return 30
}

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.submitTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt accepting task submissions", "topic", topic)
}

// handleSubmission decodes and starts one submitted task. Malformed
// payloads are logged and dropped.
func (p *Publisher) handleSubmission(ctx context.Context, payload []byte) {
	sub, err := parseSubmission(payload)
	if err != nil {
		p.logger.Warn("mqtt submission rejected", "payload_size", len(payload), "error", err)
		return
	}
	if !p.accepting() {
		return
	}
	id, err := p.submit(ctx, sub)
	if err != nil {
		p.logger.Warn("mqtt submission failed", "error", err)
		return
	}
	p.logger.Info("mqtt task submitted", "task_id", id)
}

func parseSubmission(payload []byte) (Submission, error) {
	var sub Submission
	if err := json.Unmarshal(payload, &sub); err != nil {
		return Submission{}, fmt.Errorf("decode submission: %w", err)
	}
	sub.Requirement = strings.TrimSpace(sub.Requirement)
	if sub.Requirement == "" {
		return Submission{}, fmt.Errorf("submission has no requirement")
	}
	return sub, nil
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt submissions dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether the current count is within the limit.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
