package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

// updateView is one line of a streamed chat response.
type updateView struct {
	Type      string                  `json:"type"` // "delta", "done" or "failed"
	SessionID string                  `json:"session_id"`
	Text      string                  `json:"text,omitempty"`
	Turns     int                     `json:"turns,omitempty"`
	Truncated bool                    `json:"truncated,omitempty"`
	Pending   []ports.ToolCallRequest `json:"pending,omitempty"`
	Reason    string                  `json:"reason,omitempty"` // turn end or failure reason
	Error     string                  `json:"error,omitempty"`
}

func toUpdateView(sessionID string, u harness.Update) updateView {
	v := updateView{SessionID: sessionID}
	switch u.Kind {
	case harness.UpdateTextDelta:
		v.Type = "delta"
		v.Text = u.Text
	case harness.UpdateDone:
		v.Type = "done"
		v.Text = u.Done.Text
		v.Turns = u.Done.Turns
		v.Truncated = u.Done.Truncated
		v.Pending = u.Done.Pending
		v.Reason = string(u.Done.Reason)
	case harness.UpdateFailed:
		v.Type = "failed"
		v.Reason = string(u.Err.Reason)
		v.Error = u.Err.Error()
	}
	return v
}

// eventView is one websocket frame of a session feed.
type eventView struct {
	Type    string         `json:"type"` // "message", "state" or "notice"
	Message *ports.Message `json:"message,omitempty"`
	State   string         `json:"state,omitempty"`
	Notice  string         `json:"notice,omitempty"`
}

func toEventView(ev harness.SessionEvent) eventView {
	switch ev.Kind {
	case harness.SessionEventMessage:
		return eventView{Type: "message", Message: ev.Message}
	case harness.SessionEventState:
		return eventView{Type: "state", State: ev.State.String()}
	default:
		return eventView{Type: "notice", Notice: ev.Notice}
	}
}

// handleEvents upgrades to a websocket and forwards the session's events. The feed ends
// when either side goes away; a client that falls behind is dropped.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, unsubscribe, err := s.app.Orchestrator.Subscribe(id, eventBuffer)
	if err != nil {
		s.fail(w, err)
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", id).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("session_id", id).Str("remote_addr", r.RemoteAddr).Logger()
	logger.Info().Msg("Event subscriber connected")

	// The feed is one-way; reading only detects the client closing the connection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(toEventView(ev)); err != nil {
			logger.Debug().Err(err).Msg("Event write failed")
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
	logger.Info().Msg("Event subscriber disconnected")
}
