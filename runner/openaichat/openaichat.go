// Package openaichat provides a weft.Runner backed by any OpenAI-compatible
// chat completions API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
package openaichat

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

	"github.com/weftlabs/weft"
)

// Runner implements weft.Runner: each run sends the run's input messages to
// the chat completions endpoint and streams the reply back as text chunks,
// followed by one usage chunk when the API reports token counts.
type Runner struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	system  string
	temp    *float64
	maxTok  *int
	logger  *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient sets the HTTP client used for API calls. Defaults to a
// client without timeouts; run deadlines come from the execution context.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.client = c }
}

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(s string) Option {
	return func(r *Runner) { r.system = s }
}

// WithTemperature sets the sampling temperature for every request.
func WithTemperature(t float64) Option {
	return func(r *Runner) { r.temp = &t }
}

// WithMaxTokens caps the completion length for every request.
func WithMaxTokens(n int) Option {
	return func(r *Runner) { r.maxTok = &n }
}

// WithLogger sets a structured logger for request activity.
// If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

var _ weft.Runner = (*Runner)(nil)

// New creates a Runner talking to an OpenAI-compatible chat API.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func New(apiKey, model, baseURL string, opts ...Option) *Runner {
	r := &Runner{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.New(discardHandler{})
	}
	return r
}

// chatRequest is the chat completions request body.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
}

// chatMessage is one request message. MessageContent marshals to exactly the
// string-or-parts shape the API accepts, so input messages pass through
// without conversion.
type chatMessage struct {
	Role    string              `json:"role"`
	Content weft.MessageContent `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// chatChunk is one streamed chat completions chunk. Only the fields the
// runner consumes are declared.
type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ExecRun implements weft.Runner. Text deltas are forwarded as they arrive;
// the channel stays open for the runtime to close.
func (r *Runner) ExecRun(ctx context.Context, run *weft.Run, ch chan<- weft.Chunk) error {
	body := chatRequest{
		Model:         r.model,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   r.temp,
		MaxTokens:     r.maxTok,
	}
	if r.system != "" {
		body.Messages = append(body.Messages, chatMessage{Role: weft.RoleSystem, Content: weft.Text(r.system)})
	}
	for _, m := range run.Input {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openaichat: marshal request: %w", err)
	}

	url := r.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openaichat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	r.logger.Debug("openaichat: request", "run_id", run.ID, "model", r.model, "messages", len(body.Messages))
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openaichat: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("openaichat: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return r.streamSSE(ctx, resp.Body, ch)
}

// streamSSE reads the chat completions SSE stream, forwarding text deltas as
// chunks and the final token counts as one usage chunk.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func (r *Runner) streamSSE(ctx context.Context, body io.Reader, ch chan<- weft.Chunk) error {
	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var usage *chatUsage

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		// Usage arrives on the final content chunk or on a dedicated
		// usage-only chunk, depending on the provider.
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta == nil {
			continue
		}

		if text := chunk.Choices[0].Delta.Content; text != "" {
			select {
			case ch <- weft.TextChunk(text):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("openaichat: read stream: %w", err)
	}

	if usage != nil {
		select {
		case ch <- weft.UsageChunk(usage.PromptTokens, usage.CompletionTokens):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
