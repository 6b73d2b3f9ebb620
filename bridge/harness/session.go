package harness

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/google/uuid"
)

// State is the lifecycle state of a conversation.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateDispatchingTools
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateDispatchingTools:
		return "dispatching_tools"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionEventKind discriminates SessionEvent.
type SessionEventKind int

const (
	SessionEventMessage SessionEventKind = iota + 1 // a message was appended
	SessionEventState                               // the state changed
	SessionEventNotice                              // a recoverable problem, e.g. a malformed tool call
)

// SessionEvent is delivered to subscribers in append order.
type SessionEvent struct {
	Kind    SessionEventKind
	Message *ports.Message
	State   State
	Notice  string
}

// InFlightCall is a dispatched tool call that has not been resolved yet.
type InFlightCall struct {
	CallID   string
	Turn     int
	ToolName string
	Deadline time.Time
}

// Snapshot is a consistent copy of a session.
type Snapshot struct {
	ID       string
	State    State
	Failure  error
	Messages []ports.Message
	InFlight []InFlightCall
	Resolved int
}

type callKey struct {
	turn int
	id   string
}

type inFlightEntry struct {
	call     ports.ToolCallRequest
	deadline time.Time
}

// Session is the authoritative state of one conversation. Only the orchestrator writes
// to it; everyone else reads snapshots or subscribes to its event feed.
type Session struct {
	id           string
	systemPrompt string
	tools        []string
	createdAt    time.Time

	mu          sync.RWMutex
	messages    []ports.Message
	lastOrdinal uint64
	inFlight    map[callKey]inFlightEntry
	resolved    map[callKey]uint64
	state       State
	failure     *Failure

	subs   map[uint64]chan SessionEvent
	subSeq uint64
}

func newSession(id, systemPrompt string, tools []string) *Session {
	s := &Session{
		id:           id,
		systemPrompt: systemPrompt,
		tools:        append([]string(nil), tools...),
		createdAt:    time.Now(),
		inFlight:     make(map[callKey]inFlightEntry),
		resolved:     make(map[callKey]uint64),
		subs:         make(map[uint64]chan SessionEvent),
	}
	if systemPrompt != "" {
		s.messages = append(s.messages, ports.Message{Ordinal: 1, Role: ports.RoleSystem, Content: systemPrompt, CreatedAt: s.createdAt})
		s.lastOrdinal = 1
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Tools returns the tool names advertised to the model; empty means every registered tool.
func (s *Session) Tools() []string { return append([]string(nil), s.tools...) }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Failure returns the terminal error of a failed session, or nil.
func (s *Session) Failure() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure == nil {
		return nil
	}
	return s.failure
}

// Messages returns a copy of the history.
func (s *Session) Messages() []ports.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages)
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:       s.id,
		State:    s.state,
		Messages: cloneMessages(s.messages),
		Resolved: len(s.resolved),
	}
	if s.failure != nil {
		snap.Failure = s.failure
	}
	for _, e := range s.inFlight {
		snap.InFlight = append(snap.InFlight, InFlightCall{
			CallID:   e.call.ID,
			Turn:     e.call.Turn,
			ToolName: e.call.ToolName,
			Deadline: e.deadline,
		})
	}
	sort.Slice(snap.InFlight, func(i, j int) bool {
		if snap.InFlight[i].Turn != snap.InFlight[j].Turn {
			return snap.InFlight[i].Turn < snap.InFlight[j].Turn
		}
		return snap.InFlight[i].CallID < snap.InFlight[j].CallID
	})
	return snap
}

// Subscribe returns a feed of events appended after the call. A subscriber that lets
// buffer events pile up is disconnected (its channel is closed). The returned function
// unsubscribes.
func (s *Session) Subscribe(buffer int) (<-chan SessionEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan SessionEvent, buffer)

	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// publish must be called with s.mu held.
func (s *Session) publish(ev SessionEvent) {
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			delete(s.subs, id)
			close(ch)
		}
	}
}

func (s *Session) closeSubscribers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}

// appendMessage appends a non-tool message and returns it with its ordinal.
func (s *Session) appendMessage(msg ports.Message) (ports.Message, error) {
	if msg.Role == ports.RoleTool {
		return ports.Message{}, fmt.Errorf("%w: tool messages are appended by resolving a call", ErrInvariantViolation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg = msg.Clone()
	s.lastOrdinal++
	msg.Ordinal = s.lastOrdinal
	msg.CreatedAt = time.Now()
	for i := range msg.ToolCalls {
		msg.ToolCalls[i].Origin = msg.Ordinal
	}
	s.messages = append(s.messages, msg)

	out := msg.Clone()
	s.publish(SessionEvent{Kind: SessionEventMessage, Message: &out})
	return msg.Clone(), nil
}

// beginCall records call as in flight until deadline.
func (s *Session) beginCall(call ports.ToolCallRequest, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey{call.Turn, call.ID}
	if _, ok := s.inFlight[key]; ok {
		return fmt.Errorf("%w: call %s of turn %d is already in flight", ErrInvariantViolation, call.ID, call.Turn)
	}
	if _, ok := s.resolved[key]; ok {
		return fmt.Errorf("%w: call %s of turn %d is already resolved", ErrInvariantViolation, call.ID, call.Turn)
	}
	if call.Origin == 0 || call.Origin > s.lastOrdinal {
		return fmt.Errorf("%w: call %s has no originating message", ErrInvariantViolation, call.ID)
	}

	s.inFlight[key] = inFlightEntry{call: call.Clone(), deadline: deadline}
	return nil
}

// rescheduleCall moves the deadline of an in-flight call.
func (s *Session) rescheduleCall(call ports.ToolCallRequest, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey{call.Turn, call.ID}
	if entry, ok := s.inFlight[key]; ok {
		entry.deadline = deadline
		s.inFlight[key] = entry
	}
}

// allowsTool reports whether the conversation was given the named tool.
func (s *Session) allowsTool(name string) bool {
	return len(s.tools) == 0 || slices.Contains(s.tools, name)
}

// resolveCall moves a call from in flight to resolved and appends its tool message in
// the same step.
func (s *Session) resolveCall(result ports.ToolResult) (ports.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := callKey{result.Turn, result.CallID}
	entry, ok := s.inFlight[key]
	if !ok {
		if _, done := s.resolved[key]; done {
			return ports.Message{}, fmt.Errorf("%w: call %s of turn %d resolved twice", ErrInvariantViolation, result.CallID, result.Turn)
		}
		return ports.Message{}, fmt.Errorf("%w: call %s of turn %d was never dispatched", ErrInvariantViolation, result.CallID, result.Turn)
	}

	ordinal := s.lastOrdinal + 1
	if ordinal <= entry.call.Origin {
		return ports.Message{}, fmt.Errorf("%w: tool message would precede its call", ErrInvariantViolation)
	}

	r := result.Clone()
	msg := ports.Message{
		Ordinal:    ordinal,
		Role:       ports.RoleTool,
		Content:    r.Content(),
		CreatedAt:  time.Now(),
		ToolCallID: r.CallID,
		ToolName:   r.ToolName,
		Result:     &r,
	}

	s.lastOrdinal = ordinal
	s.messages = append(s.messages, msg)
	delete(s.inFlight, key)
	s.resolved[key] = ordinal

	out := msg.Clone()
	s.publish(SessionEvent{Kind: SessionEventMessage, Message: &out})
	return msg.Clone(), nil
}

func (s *Session) setState(state State, failure *Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.failure = failure
	s.publish(SessionEvent{Kind: SessionEventState, State: state})
}

// beginTurn moves an idle or finished session to AwaitingModel.
func (s *Session) beginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateFailed:
		return ErrSessionNotResumable
	case StateAwaitingModel, StateDispatchingTools:
		return ErrSessionBusy
	}
	s.state = StateAwaitingModel
	s.publish(SessionEvent{Kind: SessionEventState, State: StateAwaitingModel})
	return nil
}

func (s *Session) notice(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish(SessionEvent{Kind: SessionEventNotice, Notice: text})
}

func cloneMessages(in []ports.Message) []ports.Message {
	out := make([]ports.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

// SessionStore owns every live session.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Create starts a new session in the Idle state.
func (st *SessionStore) Create(systemPrompt string, tools []string) *Session {
	s := newSession(uuid.NewString(), systemPrompt, tools)

	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s
}

// Get returns the session with the given id.
func (st *SessionStore) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Delete removes a session and disconnects its subscribers.
func (st *SessionStore) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok {
		s.closeSubscribers()
	}
	return ok
}

// List returns the ids of all sessions, sorted.
func (st *SessionStore) List() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
