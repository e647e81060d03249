package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/taskloop/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			// Local models can take minutes to load and answer.
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// ollamaChunk is both the non-streaming response and one NDJSON line
// of a streaming response.
type ollamaChunk struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason,omitempty"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, nil)
}

// ChatStream sends a chat request, streaming tokens to callback when
// it is non-nil.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	body, err := json.Marshal(ollamaRequest{Model: model, Messages: messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Provider: "ollama", Op: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: "ollama", Status: resp.StatusCode, Body: errBody}
	}

	var final ollamaChunk
	if !stream {
		if err := json.NewDecoder(resp.Body).Decode(&final); err != nil {
			return nil, &TransportError{Provider: "ollama", Op: "decode response", Err: err}
		}
		return c.convert(&final, final.Message.Content), nil
	}

	var text strings.Builder
	decoder := json.NewDecoder(resp.Body)
	for {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, &TransportError{Provider: "ollama", Op: "read stream", Err: err}
		}
		if chunk.Message.Content != "" {
			text.WriteString(chunk.Message.Content)
			callback(chunk.Message.Content)
		}
		if chunk.Done {
			final = chunk
			break
		}
	}

	out := c.convert(&final, text.String())
	c.logger.Debug("stream complete",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"stop_reason", out.StopReason,
		"content_len", len(out.Message.Content),
	)
	return out, nil
}

func (c *OllamaClient) convert(chunk *ollamaChunk, content string) *ChatResponse {
	created, err := time.Parse(time.RFC3339Nano, chunk.CreatedAt)
	if err != nil {
		created = time.Now()
	}
	stop := StopEndTurn
	switch chunk.DoneReason {
	case "length":
		stop = StopMaxTokens
	case "":
		if !chunk.Done {
			stop = ""
		}
	}
	return &ChatResponse{
		Model:         chunk.Model,
		CreatedAt:     created,
		Message:       Message{Role: "assistant", Content: content},
		StopReason:    stop,
		InputTokens:   chunk.PromptEvalCount,
		OutputTokens:  chunk.EvalCount,
		TotalDuration: time.Duration(chunk.TotalDuration),
	}
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Provider: "ollama", Op: "ping", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Provider: "ollama", Status: resp.StatusCode}
	}
	return nil
}
