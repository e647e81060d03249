package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/taskloop/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client. maxTokens bounds
// each response; zero means 4096.
func NewAnthropicClient(apiKey string, maxTokens int, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	// Long prompts can take a while before the first header arrives.
	tc := httpkit.DefaultTransportConfig()
	tc.ResponseHeaderTimeout = 120 * time.Second

	return &AnthropicClient{
		apiKey:    apiKey,
		baseURL:   anthropicAPIURL,
		maxTokens: maxTokens,
		logger:    logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			// Streams are long-lived; ctx controls cancellation.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(tc.Transport()),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string             `json:"type"`
	Delta   *anthropicDelta    `json:"delta,omitempty"`
	Message *anthropicResponse `json:"message,omitempty"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, nil)
}

// ChatStream sends a chat request, streaming text tokens to callback
// when it is non-nil.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil
	msgs, system := convertToAnthropic(messages)

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(msgs),
		"stream", stream,
		"system_len", len(system),
	)

	body, err := json.Marshal(anthropicRequest{
		Model:     model,
		Messages:  msgs,
		System:    system,
		MaxTokens: c.maxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	start := time.Now()
	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out *ChatResponse
	if stream {
		out, err = c.readStream(ctx, resp.Body, callback)
	} else {
		out, err = c.readResponse(resp.Body)
	}
	if err != nil {
		return nil, err
	}
	out.TotalDuration = time.Since(start)

	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"stop_reason", out.StopReason,
		"content_len", len(out.Message.Content),
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: "anthropic", Op: "request", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "anthropic", Status: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}

// Ping sends a one-token request to verify the key and endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	body, err := json.Marshal(anthropicRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func (c *AnthropicClient) readResponse(body io.Reader) (*ChatResponse, error) {
	var resp anthropicResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &TransportError{Provider: "anthropic", Op: "decode response", Err: err}
	}
	return convertFromAnthropic(&resp), nil
}

func (c *AnthropicClient) readStream(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text       strings.Builder
		stopReason string
		usage      anthropicUsage
		model      string
	)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Log(ctx, LevelTrace, "skipping malformed stream event", "data", data)
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				model = event.Message.Model
				usage = event.Message.Usage
			}
		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" {
				text.WriteString(event.Delta.Text)
				callback(event.Delta.Text)
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Type + ": " + event.Error.Message
			}
			return nil, &APIError{Provider: "anthropic", Status: http.StatusOK, Body: msg}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, &TransportError{Provider: "anthropic", Op: "read stream", Err: err}
	}

	return &ChatResponse{
		Model:        model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: "assistant", Content: text.String()},
		StopReason:   normalizeAnthropicStop(stopReason),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	}, nil
}

// convertToAnthropic moves system messages into the top-level system
// prompt and merges consecutive same-role messages, which the Messages
// API rejects.
func convertToAnthropic(messages []Message) ([]anthropicMessage, string) {
	var systemParts []string
	var result []anthropicMessage

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemParts = append(systemParts, msg.Content)
		case "user", "assistant":
			if n := len(result); n > 0 && result[n-1].Role == msg.Role {
				result[n-1].Content += msg.Content
				continue
			}
			result = append(result, anthropicMessage{Role: msg.Role, Content: msg.Content})
		}
	}

	return result, strings.Join(systemParts, "\n\n")
}

func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Now(),
		Message:      Message{Role: "assistant", Content: content.String()},
		StopReason:   normalizeAnthropicStop(resp.StopReason),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

func normalizeAnthropicStop(s string) string {
	switch s {
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	case "":
		return ""
	default:
		return StopEndTurn
	}
}
