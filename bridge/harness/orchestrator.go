package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Policy bounds the tool-calling loop.
type Policy struct {
	MaxToolTurns int           // dispatch rounds per user message before the conversation is truncated
	RetryCount   int           // transport retries per model turn
	RetryBackoff time.Duration // initial delay between retries
	UpdateBuffer int           // capacity of the caller's update channel
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxToolTurns: 8,
		RetryCount:   2,
		RetryBackoff: 200 * time.Millisecond,
		UpdateBuffer: 32,
	}
}

// UpdateKind discriminates Update.
type UpdateKind int

const (
	UpdateTextDelta UpdateKind = iota + 1
	UpdateDone
	UpdateFailed
)

// Completion describes a finished exchange.
type Completion struct {
	Text      string        // assistant text of the final turn
	Turns     int           // model turns used
	Reason    TurnEndReason // how the final turn ended
	Truncated bool          // the turn limit stopped the tool loop
	Pending   []ports.ToolCallRequest
}

// Update is what SendMessage streams back to the caller. The stream ends with exactly
// one UpdateDone or UpdateFailed and is then closed.
type Update struct {
	Kind UpdateKind
	Text string
	Done *Completion
	Err  *Failure
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithPolicy replaces the default policy.
func WithPolicy(p Policy) OrchestratorOption {
	return func(o *Orchestrator) { o.policy = p }
}

// WithSessionStore shares a session store.
func WithSessionStore(s *SessionStore) OrchestratorOption {
	return func(o *Orchestrator) { o.sessions = s }
}

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithDecoder replaces the default stream decoder.
func WithDecoder(d *StreamDecoder) OrchestratorOption {
	return func(o *Orchestrator) { o.decoder = d }
}

// WithPromptBuilder replaces the default (unbounded) prompt builder.
func WithPromptBuilder(b *PromptBuilder) OrchestratorOption {
	return func(o *Orchestrator) { o.builder = b }
}

// WithConversationStore mirrors every appended message to store.
func WithConversationStore(store ports.ConversationStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

// WithRateLimiter throttles transport calls.
func WithRateLimiter(limiter ports.RateLimiter) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = limiter }
}

// WithTracer wraps model turns in spans.
func WithTracer(tracer ports.Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithMetrics records turn outcomes.
func WithMetrics(m *Metrics) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

// Orchestrator drives conversations: it streams model turns, dispatches the tools the
// model asks for, and feeds the results back until the model answers.
type Orchestrator struct {
	transport  ports.Transport
	registry   *Registry
	sessions   *SessionStore
	dispatcher *Dispatcher
	decoder    *StreamDecoder
	builder    *PromptBuilder
	store      ports.ConversationStore
	limiter    ports.RateLimiter
	tracer     ports.Tracer
	metrics    *Metrics
	policy     Policy
	logger     zerolog.Logger

	mu        sync.Mutex
	running   map[string]*runHandle
	wg        conc.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewOrchestrator creates an orchestrator over transport and registry.
func NewOrchestrator(transport ports.Transport, registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		transport: transport,
		registry:  registry,
		store:     &noOpStore{},
		limiter:   &noOpRateLimiter{},
		tracer:    &noOpTracer{},
		policy:    DefaultPolicy(),
		logger:    zerolog.Nop(),
		running:   make(map[string]*runHandle),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sessions == nil {
		o.sessions = NewSessionStore()
	}
	if o.dispatcher == nil {
		o.dispatcher = NewDispatcher(registry, WithDispatchLogger(o.logger), WithDispatchMetrics(o.metrics), WithDispatchTracer(o.tracer))
	}
	if o.decoder == nil {
		o.decoder = NewStreamDecoder()
	}
	if o.builder == nil {
		o.builder = NewPromptBuilder(Budget{}, nil)
	}
	if o.policy.UpdateBuffer < 1 {
		o.policy.UpdateBuffer = 1
	}
	return o
}

// Sessions exposes the session store for read access.
func (o *Orchestrator) Sessions() *SessionStore { return o.sessions }

// StartConversation creates a session. toolNames restricts the advertised tools; none
// means every registered tool. The registry is sealed on first use.
func (o *Orchestrator) StartConversation(ctx context.Context, systemPrompt string, toolNames ...string) (string, error) {
	o.registry.Seal()
	if _, err := o.registry.Specs(toolNames...); err != nil {
		return "", err
	}

	sess := o.sessions.Create(strings.TrimSpace(systemPrompt), toolNames)
	for _, msg := range sess.Messages() {
		o.persist(ctx, sess.ID(), msg)
	}

	o.logger.Info().Str("session_id", sess.ID()).Strs("tools", toolNames).Msg("Conversation started")
	return sess.ID(), nil
}

// SendMessage appends a user message and runs the tool loop in the background. The
// returned channel yields text deltas as they arrive and ends with Done or Failed.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string) (<-chan Update, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	specs, err := o.registry.Specs(sess.Tools()...)
	if err != nil {
		return nil, err
	}
	if err := sess.beginTurn(); err != nil {
		return nil, err
	}

	msg, err := sess.appendMessage(ports.Message{Role: ports.RoleUser, Content: text})
	if err != nil {
		sess.setState(StateFailed, &Failure{Reason: FailureInvariant, Err: err})
		return nil, err
	}
	o.persist(ctx, sessionID, msg)

	runCtx, cancel := context.WithCancel(ctx)
	h := &runHandle{cancel: cancel}
	o.mu.Lock()
	o.running[sessionID] = h
	o.mu.Unlock()

	out := make(chan Update, o.policy.UpdateBuffer)
	o.wg.Go(func() {
		defer close(out)
		defer o.release(sessionID, h)
		o.run(runCtx, ctx, sess, specs, out)
	})
	return out, nil
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History(sessionID string) ([]ports.Message, error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Messages(), nil
}

// Subscribe attaches to a session's event feed.
func (o *Orchestrator) Subscribe(sessionID string, buffer int) (<-chan SessionEvent, func(), error) {
	sess, err := o.sessions.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := sess.Subscribe(buffer)
	return ch, unsubscribe, nil
}

// Cancel stops the turn in progress, if any. The conversation ends Failed{cancelled}.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	h, ok := o.running[sessionID]
	o.mu.Unlock()

	if !ok {
		_, err := o.sessions.Get(sessionID)
		return err
	}
	h.cancel()
	return nil
}

// Close cancels every running turn and waits for them to finish.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() { close(o.closed) })
	o.mu.Lock()
	for _, h := range o.running {
		h.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// runHandle identifies one SendMessage run; a finished run must not unregister its successor.
type runHandle struct {
	cancel context.CancelFunc
}

func (o *Orchestrator) release(sessionID string, h *runHandle) {
	o.mu.Lock()
	if o.running[sessionID] == h {
		delete(o.running, sessionID)
	}
	o.mu.Unlock()
	h.cancel()
}

type turnOutcome struct {
	text   string
	calls  []ports.ToolCallRequest
	reason TurnEndReason
}

// run drives one SendMessage. ctx is cancelled by Cancel; caller is the context the
// caller passed to SendMessage.
func (o *Orchestrator) run(ctx, caller context.Context, sess *Session, specs []ports.ToolSpec, out chan<- Update) {
	logger := o.logger.With().Str("session_id", sess.ID()).Logger()
	rounds := 0

	for turn := 1; ; turn++ {
		outcome, err := o.runTurnWithRetry(ctx, sess, turn, specs, out)
		if err != nil {
			o.fail(ctx, caller, sess, out, err)
			return
		}
		o.metrics.observeTurn(string(outcome.reason))

		truncated := len(outcome.calls) > 0 && rounds >= o.policy.MaxToolTurns
		assistant := ports.Message{Role: ports.RoleAssistant, Content: outcome.text}
		if !truncated {
			assistant.ToolCalls = outcome.calls
		}
		msg, err := sess.appendMessage(assistant)
		if err != nil {
			o.fail(ctx, caller, sess, out, err)
			return
		}
		o.persist(ctx, sess.ID(), msg)

		if len(outcome.calls) == 0 || truncated {
			if truncated {
				logger.Warn().Int("max_tool_turns", o.policy.MaxToolTurns).Int("pending", len(outcome.calls)).Msg("Tool loop truncated")
			}
			sess.setState(StateDone, nil)
			o.finish(caller, out, Update{Kind: UpdateDone, Done: &Completion{
				Text:      outcome.text,
				Turns:     turn,
				Reason:    outcome.reason,
				Truncated: truncated,
				Pending:   outcome.calls,
			}})
			return
		}

		rounds++
		sess.setState(StateDispatchingTools, nil)

		batch := o.dispatcher.Schedule(msg.ToolCalls)
		runnable := make([]PendingCall, 0, len(batch))
		var results []ports.ToolResult
		for _, pc := range batch {
			if err := sess.beginCall(pc.Call, pc.Deadline); err != nil {
				o.fail(ctx, caller, sess, out, err)
				return
			}
			if !sess.allowsTool(pc.Call.ToolName) {
				logger.Warn().Str("tool", pc.Call.ToolName).Str("call_id", pc.Call.ID).Msg("Model called a tool outside the conversation")
				results = append(results, unavailableTool(pc.Call))
				continue
			}
			pc.Started = func(deadline time.Time) { sess.rescheduleCall(pc.Call, deadline) }
			runnable = append(runnable, pc)
		}
		results = append(results, o.dispatcher.DispatchAll(ctx, runnable)...)
		sort.SliceStable(results, func(i, j int) bool { return results[i].CallID < results[j].CallID })

		for _, res := range results {
			if res.Status == ports.StatusCancelled {
				continue
			}
			toolMsg, err := sess.resolveCall(res)
			if err != nil {
				o.fail(ctx, caller, sess, out, err)
				return
			}
			o.persist(ctx, sess.ID(), toolMsg)
		}

		if ctx.Err() != nil {
			o.fail(ctx, caller, sess, out, ctx.Err())
			return
		}
		sess.setState(StateAwaitingModel, nil)
	}
}

// runTurnWithRetry retries transport faults while nothing of the turn reached the caller.
func (o *Orchestrator) runTurnWithRetry(ctx context.Context, sess *Session, turn int, specs []ports.ToolSpec, out chan<- Update) (turnOutcome, error) {
	attempt := 0
	op := func() (turnOutcome, error) {
		attempt++
		res, err := o.runTurn(ctx, sess, turn, specs, out)
		if err == nil {
			return res, nil
		}
		var fault *TransportFault
		if errors.As(err, &fault) && !fault.Surfaced && ctx.Err() == nil {
			o.logger.Warn().Err(err).Str("session_id", sess.ID()).Int("turn", turn).Int("attempt", attempt).Msg("Transport fault")
			return res, err
		}
		return res, backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.policy.RetryBackoff
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(max(o.policy.RetryCount, 0)+1)),
		backoff.WithNotify(func(error, time.Duration) { o.metrics.observeRetry() }),
	)
}

func (o *Orchestrator) runTurn(ctx context.Context, sess *Session, turn int, specs []ports.ToolSpec, out chan<- Update) (outcome turnOutcome, err error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turnCtx, finish := o.tracer.StartSpan(turnCtx, "model.turn", map[string]any{
		"session_id": sess.ID(),
		"turn":       turn,
	})
	defer func() { finish(err) }()

	release, err := o.limiter.Acquire(turnCtx, "transport")
	if err != nil {
		return outcome, &TransportFault{Err: err}
	}
	defer release()

	req := o.builder.Build(sess.ID(), turn, sess.Messages(), specs)
	chunks, err := o.transport.Stream(turnCtx, req)
	if err != nil {
		return outcome, &TransportFault{Err: err}
	}

	var text strings.Builder
	surfaced := false
	for ev := range o.decoder.Decode(turnCtx, turn, chunks) {
		switch ev.Kind {
		case EventTextDelta:
			text.WriteString(ev.Text)
			surfaced = true
			select {
			case out <- Update{Kind: UpdateTextDelta, Text: ev.Text}:
			case <-ctx.Done():
				return outcome, ctx.Err()
			}

		case EventToolCall:
			outcome.calls = append(outcome.calls, *ev.Call)

		case EventError:
			if !ev.Err.Fatal() {
				o.logger.Warn().Str("session_id", sess.ID()).Int("turn", turn).Str("detail", ev.Err.Detail).Msg("Malformed tool call emitted as text")
				o.tracer.Event(turnCtx, "decoder.malformed_tool_call", map[string]any{"detail": ev.Err.Detail})
				sess.notice(ev.Err.Error())
				continue
			}
			if ev.Err.Kind == ErrorDecode {
				return outcome, ev.Err
			}
			return outcome, &TransportFault{Err: ev.Err, Surfaced: surfaced}

		case EventTurnEnd:
			outcome.text = text.String()
			outcome.reason = ev.Reason
			return outcome, nil
		}
	}

	if ctx.Err() != nil {
		return outcome, ctx.Err()
	}
	return outcome, &TransportFault{Err: errors.New("stream ended without end of turn"), Surfaced: surfaced}
}

func (o *Orchestrator) fail(ctx, caller context.Context, sess *Session, out chan<- Update, err error) {
	f := classifyFailure(ctx, err)
	sess.setState(StateFailed, f)
	o.metrics.observeFailure(string(f.Reason))
	o.logger.Error().Err(f.Err).Str("session_id", sess.ID()).Str("reason", string(f.Reason)).Msg("Conversation failed")
	o.finish(caller, out, Update{Kind: UpdateFailed, Err: f})
}

// finish delivers the terminal update. It waits for the caller to read it unless the
// caller's context is done or the orchestrator is closing.
func (o *Orchestrator) finish(caller context.Context, out chan<- Update, u Update) {
	select {
	case out <- u:
		return
	default:
	}
	select {
	case out <- u:
	case <-caller.Done():
	case <-o.closed:
	}
}

func classifyFailure(ctx context.Context, err error) *Failure {
	var (
		fault     *TransportFault
		decodeErr *DecodeError
	)
	switch {
	case ctx.Err() != nil:
		return &Failure{Reason: FailureCancelled, Err: ctx.Err()}
	case errors.Is(err, ErrInvariantViolation):
		return &Failure{Reason: FailureInvariant, Err: err}
	case errors.As(err, &fault):
		return &Failure{Reason: FailureTransport, Err: err}
	case errors.As(err, &decodeErr):
		return &Failure{Reason: FailureDecode, Err: err}
	}
	return &Failure{Reason: FailureTransport, Err: err}
}

// unavailableTool answers a call to a registered tool the conversation was not given.
func unavailableTool(call ports.ToolCallRequest) ports.ToolResult {
	return ports.ToolResult{
		CallID:      call.ID,
		Turn:        call.Turn,
		ToolName:    call.ToolName,
		Status:      ports.StatusExecutionError,
		ErrorDetail: fmt.Sprintf("%v: %s is not available in this conversation", ErrToolNotFound, call.ToolName),
	}
}

// persist mirrors msg to the conversation store. Failures are logged, never fatal.
func (o *Orchestrator) persist(ctx context.Context, sessionID string, msg ports.Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.SaveMessage(ctx, sessionID, msg); err != nil {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Uint64("ordinal", msg.Ordinal).Msg("Failed to persist message")
	}
}
