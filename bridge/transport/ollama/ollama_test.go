package ollama

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

const calcSchema = `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`

func sampleRequest() ports.InferenceRequest {
	return ports.InferenceRequest{
		SessionID: "s1",
		Turn:      2,
		Messages: []ports.Message{
			{Ordinal: 1, Role: ports.RoleSystem, Content: "be brief"},
			{Ordinal: 2, Role: ports.RoleUser, Content: "what is 2+2?"},
			{Ordinal: 3, Role: ports.RoleAssistant, ToolCalls: []ports.ToolCallRequest{
				{ID: "call_1_001", Turn: 1, ToolName: "calc", Arguments: json.RawMessage(`{"a":2,"b":2}`)},
			}},
			{Ordinal: 4, Role: ports.RoleTool, Content: "4", ToolCallID: "call_1_001", ToolName: "calc"},
		},
		Tools: []ports.ToolSpec{{Name: "calc", Description: "add numbers", Parameters: []byte(calcSchema)}},
	}
}

func TestStream_RequestShape(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"4"},"done":true,"done_reason":"stop"}`+"\n")
	}))
	t.Cleanup(srv.Close)

	tr := New(srv.URL+"/", "qwen2.5:7b", WithTemperature(0.2))
	chunks, err := tr.Stream(context.Background(), sampleRequest())
	require.NoError(t, err)
	for range chunks {
	}

	body := <-bodies
	assert.Equal(t, "qwen2.5:7b", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, map[string]any{"temperature": 0.2}, body["options"])

	messages := body["messages"].([]any)
	require.Len(t, messages, 4)
	assistant := messages[2].(map[string]any)
	calls := assistant["tool_calls"].([]any)
	require.Len(t, calls, 1)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "calc", fn["name"])
	assert.Equal(t, map[string]any{"a": 2.0, "b": 2.0}, fn["arguments"])

	toolMsg := messages[3].(map[string]any)
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "calc", toolMsg["tool_name"])

	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "function", tool["type"])
	assert.Equal(t, "calc", tool["function"].(map[string]any)["name"])
	assert.Contains(t, tool["function"].(map[string]any), "parameters")
}

func TestStream_DecodesThroughHarness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"message":{"role":"assistant","content":"Let me "},"done":false}`,
			`{"message":{"role":"assistant","content":"check.","tool_calls":[{"function":{"name":"calc","arguments":{"a":2,"b":2}}}]},"done":false}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`,
		} {
			_, _ = io.WriteString(w, line+"\n")
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)

	chunks, err := New(srv.URL, "m").Stream(context.Background(), sampleRequest())
	require.NoError(t, err)

	var text string
	var calls []*ports.ToolCallRequest
	var end harness.TurnEndReason
	for ev := range harness.NewStreamDecoder().Decode(context.Background(), 2, chunks) {
		switch ev.Kind {
		case harness.EventTextDelta:
			text += ev.Text
		case harness.EventToolCall:
			calls = append(calls, ev.Call)
		case harness.EventTurnEnd:
			end = ev.Reason
		case harness.EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	assert.Equal(t, "Let me check.", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_2_001", calls[0].ID)
	assert.JSONEq(t, `{"a":2,"b":2}`, string(calls[0].Arguments))
	assert.Equal(t, harness.TurnToolCallsPending, end)
}

func TestStream_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model \"nope\" not found, try pulling it first"}`)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL, "nope").Stream(context.Background(), sampleRequest())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Message, "not found")
}

func TestStream_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url, "m").Stream(context.Background(), sampleRequest())
	assert.Error(t, err)
}

func TestStream_CancelStopsForwarding(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := New(srv.URL, "m").Stream(ctx, sampleRequest())
	require.NoError(t, err)

	first := <-chunks
	assert.Contains(t, string(first.Data), "partial")
	cancel()

	select {
	case _, ok := <-chunks:
		for ok {
			_, ok = <-chunks
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}
