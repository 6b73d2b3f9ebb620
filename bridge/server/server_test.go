package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/bootstrap"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	_ "modernc.org/sqlite"
)

const helloReply = `{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n" +
	`{"message":{"role":"assistant","content":"lo"},"done":true,"done_reason":"stop"}` + "\n"

type cannedTransport struct {
	body string
	err  error
}

func (c cannedTransport) Stream(ctx context.Context, req ports.InferenceRequest) (<-chan ports.Chunk, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make(chan ports.Chunk, 1)
	out <- ports.Chunk{Data: []byte(c.body)}
	close(out)
	return out, nil
}

func newApp(t *testing.T, yaml string, transport ports.Transport) *bootstrap.App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	app, err := bootstrap.New(context.Background(), cfg, zerolog.Nop(), bootstrap.WithTransport(transport))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })
	return app
}

type ServerTestSuite struct {
	suite.Suite
	app *bootstrap.App
	srv *httptest.Server
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	dsn := filepath.Join(s.T().TempDir(), "audit.db")
	s.app = newApp(s.T(), `
audit:
  enabled: true
  driver: sqlite
  dsn: "`+dsn+`"
server:
  enable_websocket: true
`, cannedTransport{body: helloReply})

	s.srv = httptest.NewServer(New(s.app, s.app.Config.Server, zerolog.Nop()).Handler())
	s.T().Cleanup(s.srv.Close)
}

func (s *ServerTestSuite) do(method, path, body string) (*http.Response, map[string]any) {
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	var out map[string]any
	if len(bytes.TrimSpace(data)) > 0 {
		s.Require().NoError(json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func (s *ServerTestSuite) TestHealth() {
	resp, body := s.do(http.MethodGet, "/health", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("ok", body["status"])
}

func (s *ServerTestSuite) TestChatCreatesSession() {
	resp, body := s.do(http.MethodPost, "/chat", `{"user_input":"hi"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	s.Equal("Hello", body["response"])
	s.Equal(1.0, body["turns"])
	s.Equal("completed", body["reason"])

	id, _ := body["session_id"].(string)
	s.Require().NotEmpty(id)

	_, list := s.do(http.MethodGet, "/sessions", "")
	s.Equal([]any{id}, list["sessions"])

	resp, snap := s.do(http.MethodGet, "/sessions/"+id, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("done", snap["state"])
	s.Len(snap["messages"], 3)

	// The same session continues.
	resp, body = s.do(http.MethodPost, "/chat", `{"user_input":"again","session_id":"`+id+`"}`)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(id, body["session_id"])
	_, snap = s.do(http.MethodGet, "/sessions/"+id, "")
	s.Len(snap["messages"], 5)
}

func (s *ServerTestSuite) TestChatStreamsNDJSON() {
	resp, err := http.Post(s.srv.URL+"/chat", "application/json", strings.NewReader(`{"user_input":"hi","stream":true}`))
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.Equal("application/x-ndjson", resp.Header.Get("Content-Type"))
	s.NotEmpty(resp.Header.Get("X-Session-Id"))

	var lines []updateView
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var v updateView
		s.Require().NoError(json.Unmarshal(scanner.Bytes(), &v))
		lines = append(lines, v)
	}
	s.Require().NoError(scanner.Err())

	s.Require().Len(lines, 3)
	s.Equal("delta", lines[0].Type)
	s.Equal("Hel", lines[0].Text)
	s.Equal("lo", lines[1].Text)
	s.Equal("done", lines[2].Type)
	s.Equal("Hello", lines[2].Text)
}

func (s *ServerTestSuite) TestChatRejectsBadInput() {
	resp, _ := s.do(http.MethodPost, "/chat", `{"user_input":""}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/chat", `{"message":"wrong field"}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(http.MethodPost, "/chat", `{"user_input":"hi","session_id":"nope"}`)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Contains(body["error"], "session not found")
}

func (s *ServerTestSuite) TestCreateSession() {
	resp, body := s.do(http.MethodPost, "/sessions", `{"system_prompt":"be terse","tools":["calc"]}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	id := body["session_id"].(string)

	_, snap := s.do(http.MethodGet, "/sessions/"+id, "")
	s.Equal("idle", snap["state"])
	s.Equal([]any{"calc"}, snap["tools"])
	first := snap["messages"].([]any)[0].(map[string]any)
	s.Equal("be terse", first["content"])

	resp, _ = s.do(http.MethodPost, "/sessions", `{"tools":["missing"]}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(http.MethodPost, "/sessions", "")
	s.Equal(http.StatusCreated, resp.StatusCode)
	s.NotEmpty(body["session_id"])
}

func (s *ServerTestSuite) TestSessionMessagesAndDelete() {
	_, body := s.do(http.MethodPost, "/sessions", `{}`)
	id := body["session_id"].(string)

	resp, body := s.do(http.MethodPost, "/sessions/"+id+"/messages", `{"content":"hi"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Hello", body["response"])

	resp, _ = s.do(http.MethodPost, "/sessions/"+id+"/cancel", "")
	s.Equal(http.StatusAccepted, resp.StatusCode)

	resp, _ = s.do(http.MethodDelete, "/sessions/"+id, "")
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/sessions/"+id, "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
	resp, _ = s.do(http.MethodDelete, "/sessions/"+id, "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestTools() {
	resp, body := s.do(http.MethodGet, "/tools", "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	tools := body["tools"].([]any)
	s.Require().Len(tools, 1)
	s.Equal("calc", tools[0].(map[string]any)["name"])
}

func (s *ServerTestSuite) TestAudit() {
	_, body := s.do(http.MethodPost, "/chat", `{"user_input":"hi"}`)
	id := body["session_id"].(string)

	resp, body := s.do(http.MethodGet, "/audit/conversations", "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal([]any{id}, body["conversations"])

	resp, body = s.do(http.MethodGet, "/audit/conversations/"+id+"?limit=1", "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	msgs := body["messages"].([]any)
	s.Require().Len(msgs, 1)
	s.Equal("Hello", msgs[0].(map[string]any)["content"])

	resp, _ = s.do(http.MethodGet, "/audit/conversations/"+id+"?limit=-1", "")
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	resp, _ = s.do(http.MethodGet, "/audit/conversations/unknown", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestMetrics() {
	s.do(http.MethodPost, "/chat", `{"user_input":"hi"}`)

	resp, err := http.Get(s.srv.URL + "/metrics")
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(data), "go_goroutines")
}

func (s *ServerTestSuite) TestEventsWebsocket() {
	_, body := s.do(http.MethodPost, "/sessions", `{}`)
	id := body["session_id"].(string)

	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/sessions/" + id + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	s.Require().NoError(err)
	defer conn.Close()

	resp, _ := s.do(http.MethodPost, "/sessions/"+id+"/messages", `{"content":"hi"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	var seen []eventView
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
	for {
		var ev eventView
		s.Require().NoError(conn.ReadJSON(&ev))
		seen = append(seen, ev)
		if ev.Type == "state" && ev.State == "done" {
			break
		}
	}

	var contents []string
	for _, ev := range seen {
		if ev.Type == "message" {
			contents = append(contents, ev.Message.Content)
		}
	}
	s.Equal([]string{"hi", "Hello"}, contents)
	s.Equal("awaiting_model", seen[0].State)

	resp, _ = s.do(http.MethodGet, "/sessions/missing/events", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestAuditDisabledAndNoWebsocket(t *testing.T) {
	app := newApp(t, "tools:\n  calc: false\n", cannedTransport{body: helloReply})
	srv := httptest.NewServer(New(app, app.Config.Server, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/audit/conversations")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions/x/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatTransportFailureIsBadGateway(t *testing.T) {
	app := newApp(t, "harness:\n  retry_count: 0\n", cannedTransport{err: errors.New("connection refused")})
	srv := httptest.NewServer(New(app, app.Config.Server, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"user_input":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body.Error, "connection refused")
}

func TestChatServerErrorFrameIsBadGateway(t *testing.T) {
	app := newApp(t, "harness:\n  retry_count: 0\n", cannedTransport{body: `{"error":"model not found","done":false}` + "\n"})
	srv := httptest.NewServer(New(app, app.Config.Server, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/chat", "application/json", strings.NewReader(`{"user_input":"hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body.Error, "model not found")
}

func TestServeStopsOnCancel(t *testing.T) {
	app := newApp(t, "", cannedTransport{body: helloReply})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(app, app.Config.Server, zerolog.Nop()).Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
