// Package llm provides a local-model execution backend that streams
// cycle prompts through Ollama's chat API.
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
	"slices"
	"strings"
	"time"

	"github.com/nugget/kaizen/internal/executor"
	"github.com/nugget/kaizen/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// DefaultOllamaURL is used when no URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// Message is a chat message.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

// ChatRequest is the request body of /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// Options are model parameters.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumCtx      int     `json:"num_ctx,omitempty"`
}

// ChatChunk is one line of a streamed /api/chat response.
type ChatChunk struct {
	Model      string  `json:"model"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Error      string  `json:"error,omitempty"`

	EvalCount     int   `json:"eval_count,omitempty"`
	TotalDuration int64 `json:"total_duration,omitempty"`
}

// OllamaConfig configures an [OllamaClient].
type OllamaConfig struct {
	URL         string
	Model       string
	System      string // optional system message sent before the prompt
	Temperature float64
	NumCtx      int
	HTTPClient  *http.Client // default: httpkit client without a timeout
	Logger      *slog.Logger
}

// OllamaClient is an [executor.Backend] backed by an Ollama server.
type OllamaClient struct {
	baseURL    string
	model      string
	system     string
	options    *Options
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient returns a client.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.URL == "" {
		cfg.URL = DefaultOllamaURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(cfg.Logger),
		)
	}
	c := &OllamaClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		model:      cfg.Model,
		system:     cfg.System,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if cfg.Temperature > 0 || cfg.NumCtx > 0 {
		c.options = &Options{Temperature: cfg.Temperature, NumCtx: cfg.NumCtx}
	}
	return c
}

// Name implements [executor.Backend].
func (c *OllamaClient) Name() string { return "ollama" }

// Model returns the configured model name.
func (c *OllamaClient) Model() string { return c.model }

// ListModels returns the models installed on the server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := httpkit.GetJSON(ctx, c.httpClient, c.baseURL+"/api/tags", nil, &result); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}

// Ping checks that the server answers and has the configured model.
func (c *OllamaClient) Ping(ctx context.Context) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	if c.model == "" {
		return errors.New("no model configured")
	}
	if !slices.ContainsFunc(models, func(m string) bool {
		return m == c.model || strings.TrimSuffix(m, ":latest") == c.model
	}) {
		return fmt.Errorf("model %q not installed", c.model)
	}
	return nil
}

// Ready implements [executor.Backend].
func (c *OllamaClient) Ready(ctx context.Context) bool {
	return c.Ping(ctx) == nil
}

// Submit implements [executor.Backend]. The request is sent before
// Submit returns so connection and HTTP errors surface immediately; the
// body is streamed in the background.
func (c *OllamaClient) Submit(ctx context.Context, prompt string, timeout time.Duration) (executor.Stream, error) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	var msgs []Message
	if c.system != "" {
		msgs = append(msgs, Message{Role: "system", Content: c.system})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	body, err := json.Marshal(ChatRequest{Model: c.model, Messages: msgs, Stream: true, Options: c.options})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", c.model, "bytes", len(body))

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if err := httpkit.CheckResponse(resp); err != nil {
		cancel()
		return nil, err
	}

	s := executor.NewChanStream(cancel)
	go func() {
		defer s.Close()
		defer cancel()
		defer httpkit.DrainAndClose(resp.Body, 4096)

		done, err := DecodeStream(resp.Body, s.Send)
		if done {
			return
		}
		msg := "stream ended without done"
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			msg = "timeout"
		case err != nil:
			msg = "decode stream: " + err.Error()
		}
		s.Send(executor.Event{Kind: executor.EventComplete, Error: msg})
	}()
	return s, nil
}

// DecodeStream reads newline-delimited chat chunks from r and emits
// executor events until the done chunk, an error chunk, EOF, or emit
// returning false. It reports whether a complete event was emitted.
func DecodeStream(r io.Reader, emit func(executor.Event) bool) (bool, error) {
	dec := json.NewDecoder(r)
	for {
		var chunk ChatChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, err
		}

		if chunk.Error != "" {
			return emit(executor.Event{Kind: executor.EventComplete, Error: chunk.Error}), nil
		}
		if chunk.Message.Content != "" {
			if !emit(executor.Event{Kind: executor.EventText, Text: chunk.Message.Content}) {
				return false, nil
			}
		}
		for _, tc := range chunk.Message.ToolCalls {
			if !emit(executor.Event{Kind: executor.EventToolCall, Tool: tc.Function.Name}) {
				return false, nil
			}
		}
		if chunk.Done {
			ev := executor.Event{Kind: executor.EventComplete, Success: true}
			if chunk.DoneReason == "load" || chunk.DoneReason == "unload" {
				ev = executor.Event{Kind: executor.EventComplete, Error: "done: " + chunk.DoneReason}
			}
			return emit(ev), nil
		}
	}
}
