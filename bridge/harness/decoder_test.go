package harness

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

func contentFrame(text string) ports.Frame {
	return ports.Frame{Message: &ports.FrameMessage{Role: "assistant", Content: text}}
}

func doneFrame(reason string) ports.Frame {
	return ports.Frame{Message: &ports.FrameMessage{Role: "assistant"}, Done: true, DoneReason: reason}
}

func nativeCallFrame(id, name, args string) ports.Frame {
	tc := ports.FrameToolCall{ID: id}
	tc.Function.Name = name
	tc.Function.Arguments = []byte(args)
	return ports.Frame{Message: &ports.FrameMessage{Role: "assistant", ToolCalls: []ports.FrameToolCall{tc}}}
}

func ndjson(t *testing.T, frames ...ports.Frame) []byte {
	t.Helper()
	var out []byte
	for _, f := range frames {
		line, err := ports.EncodeFrame(f)
		require.NoError(t, err)
		out = append(out, line...)
	}
	return out
}

// chunked splits data into pieces of at most size bytes on a closed, buffered channel.
func chunked(data []byte, size int) <-chan ports.Chunk {
	ch := make(chan ports.Chunk, len(data)/size+2)
	for len(data) > 0 {
		n := min(size, len(data))
		ch <- ports.Chunk{Data: append([]byte(nil), data[:n]...)}
		data = data[n:]
	}
	close(ch)
	return ch
}

func collect(d *StreamDecoder, turn int, chunks <-chan ports.Chunk) []StreamEvent {
	var events []StreamEvent
	for ev := range d.Decode(context.Background(), turn, chunks) {
		events = append(events, ev)
	}
	return events
}

func joinText(events []StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == EventTextDelta {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func ofKind(events []StreamEvent, kind EventKind) []StreamEvent {
	var out []StreamEvent
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestDecoder_PlainText(t *testing.T) {
	data := ndjson(t, contentFrame("Hel"), contentFrame("lo, "), contentFrame("world"), doneFrame("stop"))

	events := collect(NewStreamDecoder(), 1, chunked(data, 7))

	require.NotEmpty(t, events)
	assert.Equal(t, "Hello, world", joinText(events))
	last := events[len(events)-1]
	assert.Equal(t, EventTurnEnd, last.Kind)
	assert.Equal(t, TurnCompleted, last.Reason)
	assert.Len(t, ofKind(events, EventTurnEnd), 1)
}

func TestDecoder_InlineToolCallSplitAnywhere(t *testing.T) {
	content := `Let me check. <tool_call>{"name":"weather","arguments":{"city":"Oslo"}}</tool_call> Done.`
	data := ndjson(t, contentFrame(content[:20]), contentFrame(content[20:41]), contentFrame(content[41:]), doneFrame("stop"))

	for size := 1; size <= len(data); size++ {
		events := collect(NewStreamDecoder(), 2, chunked(data, size))

		calls := ofKind(events, EventToolCall)
		require.Len(t, calls, 1, "chunk size %d", size)
		assert.Equal(t, "weather", calls[0].Call.ToolName)
		assert.JSONEq(t, `{"city":"Oslo"}`, string(calls[0].Call.Arguments))
		assert.Equal(t, "call_2_001", calls[0].Call.ID)
		assert.Equal(t, 2, calls[0].Call.Turn)

		assert.Equal(t, "Let me check.  Done.", joinText(events), "chunk size %d", size)
		assert.NotContains(t, joinText(events), "<tool")
		assert.Empty(t, ofKind(events, EventError))

		last := events[len(events)-1]
		require.Equal(t, EventTurnEnd, last.Kind)
		assert.Equal(t, TurnToolCallsPending, last.Reason)
	}
}

func TestDecoder_HeldPrefixIsReleasedWhenNotATag(t *testing.T) {
	data := ndjson(t, contentFrame("a <tool"), contentFrame("box> b"), doneFrame("stop"))

	events := collect(NewStreamDecoder(), 1, chunked(data, 5))

	assert.Equal(t, "a <toolbox> b", joinText(events))
	assert.Empty(t, ofKind(events, EventToolCall))
}

func TestDecoder_NativeToolCalls(t *testing.T) {
	data := ndjson(t,
		contentFrame("Working on it"),
		nativeCallFrame("", "calc", `{"a":2,"b":2}`),
		nativeCallFrame("abc", "calc", `"{\"a\":1,\"b\":3}"`),
		nativeCallFrame("", "noop", `null`),
		doneFrame("stop"),
	)

	events := collect(NewStreamDecoder(), 1, chunked(data, 16))

	calls := ofKind(events, EventToolCall)
	require.Len(t, calls, 3)
	assert.Equal(t, "call_1_001", calls[0].Call.ID)
	assert.JSONEq(t, `{"a":2,"b":2}`, string(calls[0].Call.Arguments))
	assert.Equal(t, "abc", calls[1].Call.ID)
	assert.JSONEq(t, `{"a":1,"b":3}`, string(calls[1].Call.Arguments))
	assert.Equal(t, "call_1_003", calls[2].Call.ID)
	assert.JSONEq(t, `{}`, string(calls[2].Call.Arguments))

	assert.Equal(t, EventTextDelta, events[0].Kind)
	assert.Equal(t, TurnToolCallsPending, events[len(events)-1].Reason)
}

func TestDecoder_OverflowDegradesToText(t *testing.T) {
	body := `{"name":"calc","arguments":{"a":"` + strings.Repeat("x", 64) + `"}}`
	content := "before <tool_call>" + body + "</tool_call> after"
	data := ndjson(t, contentFrame(content), doneFrame("stop"))

	events := collect(NewStreamDecoder(WithMaxToolCallBytes(32)), 1, chunked(data, 9))

	errs := ofKind(events, EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrorMalformedToolCall, errs[0].Err.Kind)
	assert.False(t, errs[0].Err.Fatal())
	assert.Empty(t, ofKind(events, EventToolCall))
	assert.Equal(t, content, joinText(events))

	last := events[len(events)-1]
	require.Equal(t, EventTurnEnd, last.Kind)
	assert.Equal(t, TurnCompleted, last.Reason)
}

func TestDecoder_UnparseableCallIsEmittedAsText(t *testing.T) {
	content := `x <tool_call>{"name":</tool_call> y <tool_call>{"name":"calc"}</tool_call>`
	data := ndjson(t, contentFrame(content), doneFrame("stop"))

	events := collect(NewStreamDecoder(), 1, chunked(data, 4))

	require.Len(t, ofKind(events, EventError), 1)
	assert.Empty(t, ofKind(events, EventToolCall), "rest of the turn is plain text")
	assert.Equal(t, content, joinText(events))
	assert.Equal(t, TurnCompleted, events[len(events)-1].Reason)
}

func TestDecoder_TurnEndsInsideCall(t *testing.T) {
	data := ndjson(t, contentFrame(`hi <tool_call>{"name":"calc"`), doneFrame("stop"))

	events := collect(NewStreamDecoder(), 1, chunked(data, 3))

	require.Len(t, ofKind(events, EventError), 1)
	assert.Equal(t, `hi <tool_call>{"name":"calc"`, joinText(events))
	assert.Equal(t, TurnCompleted, events[len(events)-1].Reason)
}

func TestDecoder_LengthLimit(t *testing.T) {
	data := ndjson(t, contentFrame("truncated"), doneFrame("length"))

	events := collect(NewStreamDecoder(), 1, chunked(data, 64))

	assert.Equal(t, TurnLengthLimit, events[len(events)-1].Reason)
}

func TestDecoder_FatalErrors(t *testing.T) {
	tests := []struct {
		name string
		ch   func() <-chan ports.Chunk
		kind DecodeErrorKind
	}{
		{
			name: "chunk error",
			ch: func() <-chan ports.Chunk {
				ch := make(chan ports.Chunk, 2)
				ch <- ports.Chunk{Data: ndjson(t, contentFrame("partial"))}
				ch <- ports.Chunk{Err: errors.New("connection reset")}
				close(ch)
				return ch
			},
			kind: ErrorTransport,
		},
		{
			name: "closed before done",
			ch:   func() <-chan ports.Chunk { return chunked(ndjson(t, contentFrame("partial")), 4) },
			kind: ErrorTransport,
		},
		{
			name: "error frame",
			ch:   func() <-chan ports.Chunk { return chunked(ndjson(t, ports.Frame{Error: "model not found"}), 4) },
			kind: ErrorTransport,
		},
		{
			name: "garbage frame",
			ch:   func() <-chan ports.Chunk { return chunked([]byte("not json\n"), 4) },
			kind: ErrorDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(NewStreamDecoder(), 1, tt.ch())

			require.NotEmpty(t, events)
			last := events[len(events)-1]
			require.Equal(t, EventError, last.Kind)
			assert.Equal(t, tt.kind, last.Err.Kind)
			assert.True(t, last.Err.Fatal())
			assert.Empty(t, ofKind(events, EventTurnEnd))
		})
	}
}

func TestDecoder_LastFrameWithoutNewline(t *testing.T) {
	data := ndjson(t, contentFrame("ok"))
	data = append(data, []byte(`{"done":true}`)...)

	events := collect(NewStreamDecoder(), 1, chunked(data, 5))

	assert.Equal(t, "ok", joinText(events))
	assert.Equal(t, EventTurnEnd, events[len(events)-1].Kind)
}

func TestDecoder_StopsWhenConsumerStops(t *testing.T) {
	data := ndjson(t, contentFrame("a"), contentFrame("b"), contentFrame("c"), doneFrame("stop"))

	var seen []string
	for ev := range NewStreamDecoder().Decode(context.Background(), 1, chunked(data, 1)) {
		seen = append(seen, ev.Text)
		break
	}
	assert.Equal(t, []string{"a"}, seen)
}

func TestDecoder_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan ports.Chunk) // never written
	var events []StreamEvent
	for ev := range NewStreamDecoder().Decode(ctx, 1, ch) {
		events = append(events, ev)
	}
	assert.Empty(t, events)
}

func TestRawToolCall(t *testing.T) {
	ok := frameCall("c1", "calc", `{"a":1}`)
	assert.Contains(t, rawToolCall(ok), `"name":"calc"`)

	broken := frameCall("c2", "calc", `{"a":`)
	assert.Equal(t, `calc({"a":)`, rawToolCall(broken))
}
