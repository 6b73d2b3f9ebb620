package harnessports

import (
	"context"
	"encoding/json"
)

// InferenceRequest is everything a transport needs to start one model turn.
type InferenceRequest struct {
	SessionID string
	Turn      int
	Messages  []Message  // ordered history, already windowed
	Tools     []ToolSpec // tools advertised for this conversation
}

// Chunk is one piece of raw stream data. Data may split frames at any byte boundary.
// A non-nil Err terminates the stream.
type Chunk struct {
	Data []byte
	Err  error
}

// Transport is the abstraction for streaming inference endpoints. The returned channel
// carries newline-delimited Frame JSON and is closed when the stream ends. Implementations
// must stop sending when ctx is done.
type Transport interface {
	Stream(ctx context.Context, req InferenceRequest) (<-chan Chunk, error)
}

// Frame is the canonical line-delimited stream frame (the Ollama /api/chat streaming shape).
type Frame struct {
	Model      string        `json:"model,omitempty"`
	Message    *FrameMessage `json:"message,omitempty"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// FrameMessage is the message delta carried by a Frame.
type FrameMessage struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content"`
	ToolCalls []FrameToolCall `json:"tool_calls,omitempty"`
}

// FrameToolCall is a native tool call inside a Frame.
type FrameToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// EncodeFrame marshals f as a single NDJSON line.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
