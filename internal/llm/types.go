package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is a chat message sent to a provider.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Stop reasons normalised across providers.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
	StopSequence  = "stop_sequence"
)

// ChatResponse is the provider-neutral result of one model call.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	// StopReason is one of the Stop* constants, or empty when the
	// provider did not report one.
	StopReason string

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}

// Truncated reports whether the model stopped because it ran out of
// output tokens rather than finishing its turn.
func (r *ChatResponse) Truncated() bool {
	return r != nil && r.StopReason == StopMaxTokens
}

// StreamCallback receives each streamed text token.
type StreamCallback func(token string)
