package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/taskloop/internal/llm"
	"github.com/nugget/taskloop/internal/prompts"
)

// maxTranscriptBytes is the maximum transcript size sent to the LLM.
const maxTranscriptBytes = 8000

// LLMSummarizer asks a model to summarize a conversation.
type LLMSummarizer struct {
	client llm.Client
	model  string
}

// NewLLMSummarizer creates a summarizer that calls model through client.
func NewLLMSummarizer(client llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{client: client, model: model}
}

// Summarize returns the model's summary of messages.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []Message) (string, error) {
	transcript := buildTranscript(messages)
	if transcript == "" {
		return "", fmt.Errorf("empty transcript")
	}

	resp, err := s.client.Chat(ctx, s.model, []llm.Message{
		{Role: "user", Content: prompts.SummaryPrompt(transcript)},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

// buildTranscript creates a condensed transcript, truncated at
// maxTranscriptBytes.
func buildTranscript(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp.Format("15:04"), m.Role, m.Text())
		if b.Len() > maxTranscriptBytes {
			b.WriteString("\n... (truncated)\n")
			break
		}
	}
	return b.String()
}
