package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// EventKind discriminates StreamEvent.
type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventToolCall
	EventTurnEnd
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCall:
		return "tool_call"
	case EventTurnEnd:
		return "turn_end"
	case EventError:
		return "error"
	}
	return "event(" + strconv.Itoa(int(k)) + ")"
}

// TurnEndReason explains why a model turn ended.
type TurnEndReason string

const (
	TurnCompleted        TurnEndReason = "completed"
	TurnLengthLimit      TurnEndReason = "length_limit"
	TurnToolCallsPending TurnEndReason = "tool_calls_pending"
)

// DecodeErrorKind classifies decoder errors.
type DecodeErrorKind string

const (
	// ErrorMalformedToolCall is recoverable: the raw text is emitted and the turn continues.
	ErrorMalformedToolCall DecodeErrorKind = "malformed_tool_call"
	// ErrorTransport and ErrorDecode end the turn.
	ErrorTransport DecodeErrorKind = "transport"
	ErrorDecode    DecodeErrorKind = "decode"
)

// DecodeError is carried by EventError events.
type DecodeError struct {
	Kind   DecodeErrorKind
	Detail string
}

func (e *DecodeError) Error() string { return string(e.Kind) + ": " + e.Detail }

// Fatal reports whether the error ended the turn.
func (e *DecodeError) Fatal() bool { return e.Kind != ErrorMalformedToolCall }

// StreamEvent is one decoded unit of a model turn.
type StreamEvent struct {
	Kind   EventKind
	Text   string                 // EventTextDelta
	Call   *ports.ToolCallRequest // EventToolCall
	Reason TurnEndReason          // EventTurnEnd
	Err    *DecodeError           // EventError
}

const (
	DefaultMaxToolCallBytes = 16 << 10
	DefaultMaxFrameBytes    = 4 << 20
	DefaultToolCallOpenTag  = "<tool_call>"
	DefaultToolCallCloseTag = "</tool_call>"
)

type decoderConfig struct {
	maxToolCallBytes int
	maxFrameBytes    int
	openTag          string
	closeTag         string
}

// DecoderOption configures a StreamDecoder.
type DecoderOption func(*decoderConfig)

// WithMaxToolCallBytes bounds the buffer used for an inline tool call.
func WithMaxToolCallBytes(n int) DecoderOption {
	return func(c *decoderConfig) {
		if n > 0 {
			c.maxToolCallBytes = n
		}
	}
}

// WithMaxFrameBytes bounds a single stream frame.
func WithMaxFrameBytes(n int) DecoderOption {
	return func(c *decoderConfig) {
		if n > 0 {
			c.maxFrameBytes = n
		}
	}
}

// WithToolCallTags sets the markers that delimit inline tool calls in model text.
func WithToolCallTags(open, close string) DecoderOption {
	return func(c *decoderConfig) {
		if open != "" && close != "" {
			c.openTag, c.closeTag = open, close
		}
	}
}

// StreamDecoder turns raw transport chunks into StreamEvents.
type StreamDecoder struct {
	cfg decoderConfig
}

// NewStreamDecoder creates a decoder with the given options.
func NewStreamDecoder(opts ...DecoderOption) *StreamDecoder {
	cfg := decoderConfig{
		maxToolCallBytes: DefaultMaxToolCallBytes,
		maxFrameBytes:    DefaultMaxFrameBytes,
		openTag:          DefaultToolCallOpenTag,
		closeTag:         DefaultToolCallCloseTag,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &StreamDecoder{cfg: cfg}
}

// Decode returns the lazy event sequence of one turn. Every call starts from fresh
// state; the sequence reads chunks only as events are pulled. A turn that reaches its
// end marker yields exactly one EventTurnEnd, last. A fatal EventError ends the sequence
// without one.
func (d *StreamDecoder) Decode(ctx context.Context, turn int, chunks <-chan ports.Chunk) iter.Seq[StreamEvent] {
	return func(yield func(StreamEvent) bool) {
		st := &turnState{cfg: d.cfg, turn: turn, yield: yield}
		for !st.done {
			select {
			case <-ctx.Done():
				return
			case c, ok := <-chunks:
				if !ok {
					st.eof()
					return
				}
				if c.Err != nil {
					st.fatal(ErrorTransport, c.Err.Error())
					return
				}
				st.feed(c.Data)
			}
		}
	}
}

type scanMode int

const (
	scanText  scanMode = iota // looking for an opening tag
	scanCall                  // inside an inline tool call
	scanPlain                 // degraded: everything is text
)

type turnState struct {
	cfg   decoderConfig
	turn  int
	yield func(StreamEvent) bool
	done  bool

	line []byte
	mode scanMode
	held string // suffix that may be the start of an opening tag
	call strings.Builder

	seq   int
	calls int
}

func (s *turnState) emit(ev StreamEvent) bool {
	if s.done {
		return false
	}
	if !s.yield(ev) {
		s.done = true
		return false
	}
	return true
}

func (s *turnState) text(t string) bool {
	if t == "" {
		return true
	}
	return s.emit(StreamEvent{Kind: EventTextDelta, Text: t})
}

func (s *turnState) fatal(kind DecodeErrorKind, detail string) bool {
	s.emit(StreamEvent{Kind: EventError, Err: &DecodeError{Kind: kind, Detail: detail}})
	s.done = true
	return false
}

// malformed reports a broken tool call, emits its raw text, and degrades the rest of
// the turn to plain text.
func (s *turnState) malformed(detail, raw string) bool {
	s.mode = scanPlain
	s.call.Reset()
	if !s.emit(StreamEvent{Kind: EventError, Err: &DecodeError{Kind: ErrorMalformedToolCall, Detail: detail}}) {
		return false
	}
	return s.text(raw)
}

func (s *turnState) feed(data []byte) bool {
	for len(data) > 0 && !s.done {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.line = append(s.line, data...)
			if len(s.line) > s.cfg.maxFrameBytes {
				return s.fatal(ErrorDecode, fmt.Sprintf("frame exceeds %d bytes", s.cfg.maxFrameBytes))
			}
			return true
		}
		s.line = append(s.line, data[:i]...)
		data = data[i+1:]
		line := s.line
		s.line = s.line[:0]
		if !s.frame(line) {
			return false
		}
	}
	return !s.done
}

func (s *turnState) eof() {
	if s.done {
		return
	}
	if len(bytes.TrimSpace(s.line)) > 0 {
		line := s.line
		s.line = nil
		if !s.frame(line) {
			return
		}
	}
	if !s.done {
		s.fatal(ErrorTransport, "stream closed before end of turn")
	}
}

func (s *turnState) frame(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return true
	}

	var f ports.Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return s.fatal(ErrorDecode, "invalid frame: "+err.Error())
	}
	if f.Error != "" {
		return s.fatal(ErrorTransport, f.Error)
	}

	if f.Message != nil {
		if !s.content(f.Message.Content) {
			return false
		}
		for _, tc := range f.Message.ToolCalls {
			if !s.native(tc) {
				return false
			}
		}
	}

	if f.Done {
		return s.finish(f.DoneReason)
	}
	return true
}

func (s *turnState) content(text string) bool {
	for text != "" {
		switch s.mode {
		case scanPlain:
			return s.text(text)

		case scanText:
			buf := s.held + text
			s.held = ""
			if i := strings.Index(buf, s.cfg.openTag); i >= 0 {
				if !s.text(buf[:i]) {
					return false
				}
				s.mode = scanCall
				s.call.Reset()
				text = buf[i+len(s.cfg.openTag):]
				continue
			}
			keep := partialPrefix(buf, s.cfg.openTag)
			s.held = buf[len(buf)-keep:]
			return s.text(buf[:len(buf)-keep])

		case scanCall:
			s.call.WriteString(text)
			body := s.call.String()
			i := strings.Index(body, s.cfg.closeTag)
			if i < 0 {
				if len(body) > s.cfg.maxToolCallBytes {
					return s.malformed(fmt.Sprintf("tool call exceeds %d bytes", s.cfg.maxToolCallBytes), s.cfg.openTag+body)
				}
				return true
			}
			end := i + len(s.cfg.closeTag)
			text = body[end:]
			if i > s.cfg.maxToolCallBytes {
				if !s.malformed(fmt.Sprintf("tool call exceeds %d bytes", s.cfg.maxToolCallBytes), s.cfg.openTag+body[:end]) {
					return false
				}
				continue
			}
			if !s.inline(body[:i]) {
				return false
			}
		}
	}
	return true
}

// partialPrefix returns the length of the longest suffix of buf that is a proper prefix of tag.
func partialPrefix(buf, tag string) int {
	for k := min(len(tag)-1, len(buf)); k > 0; k-- {
		if strings.HasSuffix(buf, tag[:k]) {
			return k
		}
	}
	return 0
}

func (s *turnState) inline(body string) bool {
	raw := s.cfg.openTag + body + s.cfg.closeTag

	var payload struct {
		ID         string          `json:"id"`
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &payload); err != nil {
		return s.malformed("tool call is not valid JSON: "+err.Error(), raw)
	}
	if payload.Name == "" {
		return s.malformed("tool call has no name", raw)
	}
	args := payload.Arguments
	if len(args) == 0 {
		args = payload.Parameters
	}
	args, err := normalizeArguments(args)
	if err != nil {
		return s.malformed(err.Error(), raw)
	}

	s.mode = scanText
	s.call.Reset()
	return s.toolCall(payload.ID, payload.Name, args)
}

func (s *turnState) native(tc ports.FrameToolCall) bool {
	if s.mode == scanText && s.held != "" {
		held := s.held
		s.held = ""
		if !s.text(held) {
			return false
		}
	}

	raw := rawToolCall(tc)
	if s.mode == scanPlain {
		return s.text(raw)
	}
	if tc.Function.Name == "" {
		return s.malformed("tool call has no name", raw)
	}
	args, err := normalizeArguments(tc.Function.Arguments)
	if err != nil {
		return s.malformed(err.Error(), raw)
	}
	return s.toolCall(tc.ID, tc.Function.Name, args)
}

// rawToolCall renders a native call as the text it degrades to.
func rawToolCall(tc ports.FrameToolCall) string {
	raw, err := json.Marshal(tc)
	if err != nil {
		return tc.Function.Name + "(" + string(tc.Function.Arguments) + ")"
	}
	return string(raw)
}

func (s *turnState) toolCall(id, name string, args json.RawMessage) bool {
	s.seq++
	if id == "" {
		id = fmt.Sprintf("call_%d_%03d", s.turn, s.seq)
	}
	s.calls++
	return s.emit(StreamEvent{Kind: EventToolCall, Call: &ports.ToolCallRequest{
		ID:        id,
		Turn:      s.turn,
		ToolName:  name,
		Arguments: args,
	}})
}

// normalizeArguments accepts an object, a JSON-encoded string holding one, or nothing.
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("tool call arguments: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return json.RawMessage(`{}`), nil
		}
		raw = json.RawMessage(inner)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("tool call arguments are not valid JSON")
	}
	return append(json.RawMessage(nil), raw...), nil
}

func (s *turnState) finish(doneReason string) bool {
	if s.mode == scanCall {
		if !s.malformed("turn ended inside a tool call", s.cfg.openTag+s.call.String()) {
			return false
		}
	}
	if s.held != "" {
		held := s.held
		s.held = ""
		if !s.text(held) {
			return false
		}
	}

	reason := TurnCompleted
	switch {
	case s.calls > 0:
		reason = TurnToolCallsPending
	case doneReason == "length":
		reason = TurnLengthLimit
	}
	s.emit(StreamEvent{Kind: EventTurnEnd, Reason: reason})
	s.done = true
	return false
}
