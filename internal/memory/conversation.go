package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Defaults for [Conversation.MemorizedContent].
const (
	DefaultRecallMessages = 8
	DefaultRecallBytes    = 2000
)

// Summarizer condenses a transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
}

// Conversation binds a [MessageStore] to a single conversation ID. It is
// the memory handle an execution loop reads and appends through.
type Conversation struct {
	id         string
	store      MessageStore
	logger     *slog.Logger
	summarizer Summarizer

	recallMessages int
	recallBytes    int
}

// ConversationOption configures a [Conversation].
type ConversationOption func(*Conversation)

// WithSummarizer makes MemorizedContent ask s for a summary before
// falling back to the recent-message excerpt.
func WithSummarizer(s Summarizer) ConversationOption {
	return func(c *Conversation) { c.summarizer = s }
}

// WithRecall bounds the recent-message excerpt.
func WithRecall(messages, bytes int) ConversationOption {
	return func(c *Conversation) {
		if messages > 0 {
			c.recallMessages = messages
		}
		if bytes > 0 {
			c.recallBytes = bytes
		}
	}
}

// NewConversation returns a handle on conversation id in store.
func NewConversation(store MessageStore, id string, logger *slog.Logger, opts ...ConversationOption) *Conversation {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conversation{
		id:             id,
		store:          store,
		logger:         logger.With("conversation_id", id),
		recallMessages: DefaultRecallMessages,
		recallBytes:    DefaultRecallBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the conversation ID.
func (c *Conversation) ID() string { return c.id }

// Messages returns the conversation in order. A storage failure is
// logged and yields nil.
func (c *Conversation) Messages() []Message {
	msgs, err := c.store.GetMessages(c.id)
	if err != nil {
		c.logger.Error("failed to load messages", "error", err)
		return nil
	}
	return msgs
}

// Add appends a plain text message.
func (c *Conversation) Add(role, content string) error {
	if err := c.store.Append(c.id, Message{Role: role, Content: content}); err != nil {
		return fmt.Errorf("add %s message: %w", role, err)
	}
	return nil
}

// AddParts appends a structured message.
func (c *Conversation) AddParts(role string, parts []Part) error {
	if parts == nil {
		parts = []Part{}
	}
	if err := c.store.Append(c.id, Message{Role: role, Parts: parts}); err != nil {
		return fmt.Errorf("add %s message: %w", role, err)
	}
	return nil
}

// MemorizedContent returns a best-effort summary of the conversation.
// It never fails: summarizer errors fall back to an excerpt of the most
// recent messages.
func (c *Conversation) MemorizedContent(ctx context.Context) string {
	msgs := c.Messages()
	if len(msgs) == 0 {
		return ""
	}

	if c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, msgs)
		if err == nil && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
		c.logger.Warn("summarizer failed, using recent messages", "error", err)
	}

	return recentExcerpt(msgs, c.recallMessages, c.recallBytes)
}

// recentExcerpt renders the last n non-system messages as "role: text"
// lines, truncated to limit bytes.
func recentExcerpt(msgs []Message, n, limit int) string {
	var keep []Message
	for i := len(msgs) - 1; i >= 0 && len(keep) < n; i-- {
		if msgs[i].Role == "system" {
			continue
		}
		keep = append(keep, msgs[i])
	}

	var b strings.Builder
	for i := len(keep) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%s: %s\n", keep[i].Role, strings.TrimSpace(keep[i].Text()))
	}
	out := strings.TrimRight(b.String(), "\n")
	if len(out) > limit {
		cut := len(out) - limit
		for cut < len(out) && !utf8.RuneStart(out[cut]) {
			cut++
		}
		out = "..." + out[cut:]
	}
	return out
}
