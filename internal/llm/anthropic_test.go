package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAnthropic(t *testing.T, h http.HandlerFunc) *AnthropicClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewAnthropicClient("sk-test", 256, nil)
	c.baseURL = srv.URL
	return c
}

func sse(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		fmt.Fprintf(&b, "event: x\ndata: %s\n\n", e)
	}
	return b.String()
}

func TestAnthropic_StreamCollectsTokens(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		w.Write([]byte(sse(
			`{"type":"message_start","message":{"model":"claude-test","usage":{"input_tokens":12}}}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"<finish>"}}`,
			`not json`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"<message>ok</message></finish>"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":9}}`,
		)))
	})

	var tokens []string
	resp, err := c.ChatStream(context.Background(), "claude-test", []Message{
		{Role: "system", Content: "grammar"},
		{Role: "user", Content: "do it"},
	}, func(tok string) { tokens = append(tokens, tok) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if want := "<finish><message>ok</message></finish>"; resp.Message.Content != want {
		t.Errorf("Content = %q, want %q", resp.Message.Content, want)
	}
	if len(tokens) != 2 {
		t.Errorf("tokens = %d, want 2", len(tokens))
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 9 {
		t.Errorf("usage = %d/%d, want 12/9", resp.InputTokens, resp.OutputTokens)
	}
	if resp.StopReason != StopEndTurn {
		t.Errorf("StopReason = %q, want %q", resp.StopReason, StopEndTurn)
	}
}

func TestAnthropic_MaxTokensIsTruncated(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"model":"claude-test","role":"assistant","content":[{"type":"text","text":"<write_code><path>a.go"}],"stop_reason":"max_tokens","usage":{"input_tokens":3,"output_tokens":256}}`))
	})

	resp, err := c.Chat(context.Background(), "claude-test", []Message{{Role: "user", Content: "go"}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !resp.Truncated() {
		t.Errorf("Truncated() = false, want true (stop_reason %q)", resp.StopReason)
	}
}

func TestAnthropic_CreditBalanceIsNonRetryable(t *testing.T) {
	c := newTestAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"Your credit balance is too low to access the Anthropic API."}}`))
	})

	_, err := c.Chat(context.Background(), "claude-test", []Message{{Role: "user", Content: "go"}})
	if !errors.Is(err, ErrCreditExhausted) {
		t.Fatalf("err = %v, want ErrCreditExhausted", err)
	}
	if !IsNonRetryable(err) {
		t.Error("IsNonRetryable = false, want true")
	}
}

func TestConvertToAnthropic_MergesSameRole(t *testing.T) {
	msgs, system := convertToAnthropic([]Message{
		{Role: "system", Content: "a"},
		{Role: "system", Content: "b"},
		{Role: "user", Content: "task"},
		{Role: "assistant", Content: "<write_code>"},
		{Role: "assistant", Content: "<path>x</path>"},
	})

	if system != "a\n\nb" {
		t.Errorf("system = %q, want %q", system, "a\n\nb")
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[1].Content != "<write_code><path>x</path>" {
		t.Errorf("merged assistant = %q", msgs[1].Content)
	}
}
