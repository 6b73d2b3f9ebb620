// Package openaicompat streams chat turns from OpenAI-compatible chat completion
// endpoints and re-encodes them as canonical newline-delimited frames.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// Option configures a Transport.
type Option func(*Transport)

// WithRequestTimeout bounds a whole streamed turn. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.httpClient.Timeout = d
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(temp float64) Option {
	return func(t *Transport) { t.temperature = &temp }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// Transport implements ports.Transport with the openai-go client.
type Transport struct {
	model       string
	httpClient  *http.Client
	client      openai.Client
	temperature *float64
	logger      zerolog.Logger
}

// New creates a transport for model at baseURL. apiKey may be empty for local servers.
func New(baseURL, apiKey, model string, opts ...Option) *Transport {
	t := &Transport{
		model:      model,
		httpClient: &http.Client{},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}

	reqOpts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/"),
		option.WithHTTPClient(t.httpClient),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(apiKey))
	}
	t.client = openai.NewClient(reqOpts...)
	return t
}

// Stream starts a streaming completion. Content deltas are forwarded as they arrive;
// tool calls are assembled from their fragments and emitted together before the final
// frame.
func (t *Transport) Stream(ctx context.Context, req ports.InferenceRequest) (<-chan ports.Chunk, error) {
	params, err := t.buildParams(req)
	if err != nil {
		return nil, err
	}

	t.logger.Debug().
		Str("session_id", req.SessionID).
		Int("turn", req.Turn).
		Int("messages", len(req.Messages)).
		Int("tools", len(req.Tools)).
		Msg("Starting chat completion stream")

	stream := t.client.Chat.Completions.NewStreaming(ctx, params)

	out := make(chan ports.Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(f ports.Frame) bool {
			line, err := ports.EncodeFrame(f)
			if err != nil {
				return false
			}
			select {
			case out <- ports.Chunk{Data: line}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		calls := newCallAssembler()
		finish := ""
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !send(contentFrame(chunk.Model, choice.Delta.Content)) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				calls.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- ports.Chunk{Err: describe(err)}:
			case <-ctx.Done():
			}
			return
		}

		if toolCalls := calls.frames(); len(toolCalls) > 0 {
			if !send(ports.Frame{
				Message: &ports.FrameMessage{Role: string(ports.RoleAssistant), ToolCalls: toolCalls},
			}) {
				return
			}
		}
		send(ports.Frame{Done: true, DoneReason: doneReason(finish)})
	}()
	return out, nil
}

func (t *Transport) buildParams(req ports.InferenceRequest) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model:    t.model,
		Messages: buildMessages(req.Messages),
	}
	if t.temperature != nil {
		params.Temperature = openai.Opt(*t.temperature)
	}

	for _, spec := range req.Tools {
		parameters := shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
		if len(spec.Parameters) > 0 {
			if err := json.Unmarshal(spec.Parameters, &parameters); err != nil {
				return params, fmt.Errorf("tool %q parameters: %w", spec.Name, err)
			}
		}
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  parameters,
		}))
	}
	return params, nil
}

func buildMessages(messages []ports.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case ports.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case ports.RoleAssistant:
			out = append(out, assistantMessage(msg))
		case ports.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func assistantMessage(msg ports.Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	for _, call := range msg.ToolCalls {
		args := string(call.Arguments)
		if args == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.ToolName,
					Arguments: args,
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func contentFrame(model, text string) ports.Frame {
	return ports.Frame{
		Model:   model,
		Message: &ports.FrameMessage{Role: string(ports.RoleAssistant), Content: text},
	}
}

// doneReason maps finish_reason onto the canonical done_reason values.
func doneReason(finish string) string {
	if finish == "length" {
		return "length"
	}
	return "stop"
}

func describe(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai: status %d: %s: %w", apiErr.StatusCode, strings.TrimSpace(apiErr.Message), err)
	}
	return fmt.Errorf("openai stream: %w", err)
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// callAssembler joins streamed tool call fragments by their index.
type callAssembler struct {
	calls map[int64]*partialCall
}

func newCallAssembler() *callAssembler {
	return &callAssembler{calls: make(map[int64]*partialCall)}
}

func (a *callAssembler) add(index int64, id, name, args string) {
	pc, ok := a.calls[index]
	if !ok {
		pc = &partialCall{}
		a.calls[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(args)
}

// frames returns the assembled calls in index order. Arguments that are not valid JSON
// are passed on as a string so the decoder reports them as malformed.
func (a *callAssembler) frames() []ports.FrameToolCall {
	indexes := make([]int64, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	out := make([]ports.FrameToolCall, 0, len(indexes))
	for _, i := range indexes {
		pc := a.calls[i]
		var tc ports.FrameToolCall
		tc.ID = pc.id
		tc.Function.Name = pc.name

		args := strings.TrimSpace(pc.args.String())
		switch {
		case args == "":
			tc.Function.Arguments = json.RawMessage(`{}`)
		case json.Valid([]byte(args)):
			tc.Function.Arguments = json.RawMessage(args)
		default:
			encoded, _ := json.Marshal(args)
			tc.Function.Arguments = encoded
		}
		out = append(out, tc)
	}
	return out
}

var _ ports.Transport = (*Transport)(nil)
