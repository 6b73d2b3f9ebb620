// Package ollama streams chat turns from an Ollama server's /api/chat endpoint. The
// response body is already newline-delimited frames in the canonical shape, so it is
// forwarded unchanged.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

const readBufferSize = 32 << 10

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Option configures a Transport.
type Option func(*Transport)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithRequestTimeout bounds a whole streamed turn. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.client.Timeout = d
		}
	}
}

// WithTemperature sets the sampling temperature sent in request options.
func WithTemperature(temp float64) Option {
	return func(t *Transport) { t.options["temperature"] = temp }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// Transport implements ports.Transport against Ollama.
type Transport struct {
	baseURL string
	model   string
	client  *http.Client
	options map[string]any
	logger  zerolog.Logger
}

// New creates a transport for model served at baseURL.
func New(baseURL, model string, opts ...Option) *Transport {
	t := &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		client:  &http.Client{},
		options: map[string]any{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Tools    []chatTool     `json:"tools,omitempty"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type chatToolCall struct {
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Stream posts the request and forwards the response body as raw chunks.
func (t *Transport) Stream(ctx context.Context, req ports.InferenceRequest) (<-chan ports.Chunk, error) {
	body, err := json.Marshal(t.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	t.logger.Debug().
		Str("session_id", req.SessionID).
		Int("turn", req.Turn).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Msg("Posting chat turn to Ollama")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	out := make(chan ports.Chunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		buf := make([]byte, readBufferSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := ports.Chunk{Data: append([]byte(nil), buf[:n]...)}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- ports.Chunk{Err: fmt.Errorf("read ollama stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

func (t *Transport) buildRequest(req ports.InferenceRequest) chatRequest {
	out := chatRequest{
		Model:    t.model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	if len(t.options) > 0 {
		out.Options = t.options
	}

	for _, msg := range req.Messages {
		cm := chatMessage{Role: string(msg.Role), Content: msg.Content}
		switch msg.Role {
		case ports.RoleAssistant:
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					Function: chatFunctionCall{Name: call.ToolName, Arguments: args},
				})
			}
		case ports.RoleTool:
			cm.ToolName = msg.ToolName
		}
		out.Messages = append(out.Messages, cm)
	}

	for _, spec := range req.Tools {
		params := spec.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

var _ ports.Transport = (*Transport)(nil)
