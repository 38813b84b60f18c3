// Package llm streams visitor answers from an Ollama chat model. It is
// the default [session.Answerer] of the docent binary.
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

	"github.com/nugget/docent/internal/config"
	"github.com/nugget/docent/internal/httpkit"
	"github.com/nugget/docent/internal/session"
)

// DefaultSystemPrompt frames every answer for spoken delivery.
const DefaultSystemPrompt = "你是展厅的智能讲解员。回答要口语化、简洁，适合语音播报，不要使用列表、表格或Markdown格式。"

// Message is one chat message.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// chatRequest is the Ollama /api/chat request body.
type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// Options are model parameters.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// chatChunk is one newline-delimited streaming reply.
type chatChunk struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`

	// Usage stats (when done=true)
	TotalDuration int64 `json:"total_duration,omitempty"`
	EvalCount     int   `json:"eval_count,omitempty"`
}

// OllamaClient streams chat completions from Ollama.
type OllamaClient struct {
	baseURL    string
	model      string
	system     string
	options    *Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client from cfg. Streams can run long, so
// the shared client's overall timeout is replaced by cfg's.
func NewOllamaClient(cfg config.AnswerConfig, logger *slog.Logger) (*OllamaClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.Ollama.URL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if cfg.Ollama.Model == "" {
		return nil, errors.New("answer.ollama.model is required")
	}
	timeout := time.Duration(cfg.Ollama.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	var opts *Options
	if cfg.Ollama.Temperature > 0 || cfg.Ollama.NumPredict > 0 {
		opts = &Options{Temperature: cfg.Ollama.Temperature, NumPredict: cfg.Ollama.NumPredict}
	}
	return &OllamaClient{
		baseURL:    baseURL,
		model:      cfg.Ollama.Model,
		system:     system,
		options:    opts,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(timeout), httpkit.WithRetry(1, 500*time.Millisecond), httpkit.WithLogger(logger)),
		logger:     logger,
	}, nil
}

// Messages builds the chat transcript for p: the system prompt, the
// tour augmentation when present, then the question.
func (c *OllamaClient) Messages(p session.Prompt) []Message {
	msgs := []Message{{Role: "system", Content: c.system}}
	if p.Augment != "" {
		msgs = append(msgs, Message{Role: "system", Content: p.Augment})
	}
	return append(msgs, Message{Role: "user", Content: p.Question})
}

// Stream implements [session.Answerer]. Tokens are passed to onChunk as
// they arrive; an onChunk error stops reading and is returned as is.
func (c *OllamaClient) Stream(ctx context.Context, p session.Prompt, onChunk func(string) error) error {
	req := chatRequest{
		Model:    c.model,
		Messages: c.Messages(p),
		Stream:   true,
		Options:  c.options,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "ollama request", "request_id", p.RequestID, "body", string(data))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", p.RequestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &httpkit.StatusError{StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var chunk chatChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := onChunk(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			c.logger.Debug("answer stream done",
				"request_id", p.RequestID,
				"model", chunk.Model,
				"eval_count", chunk.EvalCount,
				"total", time.Duration(chunk.TotalDuration),
			)
			return nil
		}
	}
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
