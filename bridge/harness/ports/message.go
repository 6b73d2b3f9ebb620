package harnessports

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry of a conversation history. Messages are immutable once appended.
type Message struct {
	Ordinal   uint64    `json:"ordinal"`    // strictly increasing position within the conversation
	Role      Role      `json:"role"`       // author
	Content   string    `json:"content"`    // text, or the rendered tool result for tool messages
	CreatedAt time.Time `json:"created_at"` // server-side timestamp

	// Assistant messages: tool calls requested by the model in this turn.
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"`

	// Tool messages: the call this message answers.
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Result     *ToolResult `json:"result,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCallRequest, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call.Clone()
		}
	}
	if m.Result != nil {
		r := m.Result.Clone()
		out.Result = &r
	}
	return out
}

// ToolCallRequest is a tool invocation requested by the model.
type ToolCallRequest struct {
	ID        string          `json:"id"`        // unique within the originating turn
	Turn      int             `json:"turn"`      // originating turn number (1-based)
	Origin    uint64          `json:"origin"`    // ordinal of the assistant message that carries the call
	ToolName  string          `json:"tool_name"` // registry name
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Clone returns a copy that does not share the argument buffer.
func (c ToolCallRequest) Clone() ToolCallRequest {
	out := c
	if c.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), c.Arguments...)
	}
	return out
}

// ToolStatus is the outcome of a single dispatch.
type ToolStatus string

const (
	StatusOK             ToolStatus = "ok"
	StatusSchemaError    ToolStatus = "schema_error"
	StatusExecutionError ToolStatus = "execution_error"
	StatusTimeout        ToolStatus = "timeout"
	// StatusCancelled marks a call interrupted by conversation cancellation.
	// Such results are never appended to the history.
	StatusCancelled ToolStatus = "cancelled"
)

// Violation describes one way a payload failed its schema.
type Violation struct {
	Path   string `json:"path"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// ToolResult is the outcome of dispatching one ToolCallRequest.
type ToolResult struct {
	CallID      string          `json:"call_id"`
	Turn        int             `json:"turn"`
	ToolName    string          `json:"tool_name"`
	Status      ToolStatus      `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`    // set when Status is ok
	ErrorDetail string          `json:"error,omitempty"`      // set otherwise
	Violations  []Violation     `json:"violations,omitempty"` // set for schema errors
	Duration    time.Duration   `json:"duration_ns"`
}

// Clone returns a deep copy of the result.
func (r ToolResult) Clone() ToolResult {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Violations != nil {
		out.Violations = append([]Violation(nil), r.Violations...)
	}
	return out
}

// Content renders the result the way it is shown to the model.
func (r ToolResult) Content() string {
	if r.Status == StatusOK {
		var s string
		if err := json.Unmarshal(r.Payload, &s); err == nil {
			return s
		}
		return string(r.Payload)
	}

	body := struct {
		Status     ToolStatus  `json:"status"`
		Error      string      `json:"error,omitempty"`
		Violations []Violation `json:"violations,omitempty"`
	}{r.Status, r.ErrorDetail, r.Violations}

	data, err := json.Marshal(body)
	if err != nil {
		return string(r.Status) + ": " + r.ErrorDetail
	}
	return string(data)
}
