package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultToolTimeout      = 30 * time.Second
	DefaultMaxParallelTools = 4
)

// PendingCall is a tool call scheduled for dispatch. Deadline is provisional: DispatchAll
// restarts the Timeout budget when the call actually starts, so time spent queued behind
// siblings is not charged to it.
type PendingCall struct {
	Call     ports.ToolCallRequest
	Timeout  time.Duration
	Deadline time.Time

	// Started, if set, receives the final deadline when the call starts.
	Started func(deadline time.Time)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithToolTimeout sets the timeout for tools that do not declare their own.
func WithToolTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithMaxParallel bounds how many calls of one batch run at once.
func WithMaxParallel(n int) DispatcherOption {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.maxParallel = n
		}
	}
}

// WithSequentialDispatch runs the calls of a batch one after another.
func WithSequentialDispatch(sequential bool) DispatcherOption {
	return func(disp *Dispatcher) { disp.sequential = sequential }
}

// WithResultCache memoizes ok results of tools declared Cacheable.
func WithResultCache(cache ports.Cache, ttlSeconds int) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.cache = cache
		disp.cacheTTL = ttlSeconds
	}
}

// WithDispatchLogger sets the logger.
func WithDispatchLogger(logger zerolog.Logger) DispatcherOption {
	return func(disp *Dispatcher) { disp.logger = logger }
}

// WithDispatchMetrics records dispatch outcomes.
func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// WithDispatchTracer wraps every dispatch in a span.
func WithDispatchTracer(tracer ports.Tracer) DispatcherOption {
	return func(disp *Dispatcher) {
		if tracer != nil {
			disp.tracer = tracer
		}
	}
}

// Dispatcher validates and executes tool calls. Every failure mode becomes a ToolResult;
// Dispatch never returns an error and never panics because of a handler.
type Dispatcher struct {
	registry    *Registry
	timeout     time.Duration
	maxParallel int
	sequential  bool
	cache       ports.Cache
	cacheTTL    int
	logger      zerolog.Logger
	metrics     *Metrics
	tracer      ports.Tracer
	locks       *resourceLocks
}

// NewDispatcher creates a dispatcher over registry. Non-reentrant tools are serialized
// across every conversation that shares the dispatcher.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		timeout:     DefaultToolTimeout,
		maxParallel: DefaultMaxParallelTools,
		logger:      zerolog.Nop(),
		tracer:      &noOpTracer{},
		locks:       newResourceLocks(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// TimeoutFor returns the invocation timeout of the named tool.
func (d *Dispatcher) TimeoutFor(name string) time.Duration {
	if t, err := d.registry.Resolve(name); err == nil && t.def.Timeout > 0 {
		return t.def.Timeout
	}
	return d.timeout
}

// Schedule assigns each call its timeout and a provisional deadline counted from now.
func (d *Dispatcher) Schedule(calls []ports.ToolCallRequest) []PendingCall {
	now := time.Now()
	batch := make([]PendingCall, len(calls))
	for i, c := range calls {
		timeout := d.TimeoutFor(c.ToolName)
		batch[i] = PendingCall{Call: c, Timeout: timeout, Deadline: now.Add(timeout)}
	}
	return batch
}

// DispatchAll executes a batch and returns its results in ascending call id order.
func (d *Dispatcher) DispatchAll(ctx context.Context, batch []PendingCall) []ports.ToolResult {
	results := make([]ports.ToolResult, len(batch))

	if d.sequential || len(batch) < 2 {
		for i, pc := range batch {
			results[i] = d.Dispatch(ctx, pc.Call, pc.start())
		}
	} else {
		p := pool.New().WithMaxGoroutines(d.maxParallel)
		for i, pc := range batch {
			p.Go(func() {
				results[i] = d.Dispatch(ctx, pc.Call, pc.start())
			})
		}
		p.Wait()
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].CallID < results[j].CallID })
	return results
}

// start fixes the call's deadline at the moment it begins running.
func (pc PendingCall) start() time.Time {
	deadline := pc.Deadline
	if pc.Timeout > 0 {
		deadline = time.Now().Add(pc.Timeout)
	}
	if pc.Started != nil {
		pc.Started(deadline)
	}
	return deadline
}

// Dispatch runs a single call to completion before deadline.
func (d *Dispatcher) Dispatch(ctx context.Context, call ports.ToolCallRequest, deadline time.Time) ports.ToolResult {
	start := time.Now()
	ctx, finish := d.tracer.StartSpan(ctx, "tool.dispatch", map[string]any{
		"tool":    call.ToolName,
		"call_id": call.ID,
		"turn":    call.Turn,
	})

	res := d.dispatch(ctx, call, deadline)
	res.CallID = call.ID
	res.Turn = call.Turn
	res.ToolName = call.ToolName
	res.Duration = time.Since(start)

	var spanErr error
	if res.Status != ports.StatusOK {
		spanErr = fmt.Errorf("%s: %s", res.Status, res.ErrorDetail)
	}
	finish(spanErr)
	d.metrics.observeDispatch(call.ToolName, string(res.Status), res.Duration)

	d.logger.Debug().
		Str("tool", call.ToolName).
		Str("call_id", call.ID).
		Str("status", string(res.Status)).
		Dur("duration", res.Duration).
		Msg("Tool call dispatched")
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, call ports.ToolCallRequest, deadline time.Time) ports.ToolResult {
	if ctx.Err() != nil {
		return ports.ToolResult{Status: ports.StatusCancelled, ErrorDetail: ctx.Err().Error()}
	}

	tool, err := d.registry.Resolve(call.ToolName)
	if err != nil {
		return ports.ToolResult{Status: ports.StatusExecutionError, ErrorDetail: err.Error()}
	}

	if err := tool.Schema().Validate(call.Arguments); err != nil {
		res := ports.ToolResult{Status: ports.StatusSchemaError, ErrorDetail: "arguments do not match the tool schema"}
		var se *SchemaError
		if errors.As(err, &se) {
			res.Violations = se.Violations
		}
		return res
	}

	args, err := ports.ParseValue(call.Arguments)
	if err != nil {
		return ports.ToolResult{
			Status:      ports.StatusSchemaError,
			ErrorDetail: "arguments are not a valid JSON document",
			Violations:  []ports.Violation{{Path: "$", Rule: "invalid_json", Detail: err.Error()}},
		}
	}

	var cacheKey string
	if tool.def.Cacheable && d.cache != nil {
		cacheKey = "tool:" + tool.Name() + ":" + args.String()
		if payload, ok := d.cache.Get(ctx, cacheKey); ok {
			return ports.ToolResult{Status: ports.StatusOK, Payload: payload}
		}
	}

	if key := tool.lockKey(); key != "" {
		lockCtx, cancel := context.WithDeadline(ctx, deadline)
		unlock, err := d.locks.lock(lockCtx, key)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ports.ToolResult{Status: ports.StatusCancelled, ErrorDetail: ctx.Err().Error()}
			}
			return ports.ToolResult{Status: ports.StatusTimeout, ErrorDetail: "deadline passed while waiting for resource " + key}
		}
		defer unlock()
	}

	res := d.invoke(ctx, tool, args, deadline)
	if res.Status == ports.StatusOK && cacheKey != "" {
		if err := d.cache.Set(ctx, cacheKey, res.Payload, d.cacheTTL); err != nil {
			d.logger.Warn().Err(err).Str("tool", tool.Name()).Msg("Failed to cache tool result")
		}
	}
	return res
}

type invokeOutcome struct {
	value any
	err   error
}

// invoke runs the handler in its own goroutine so that a handler ignoring its context
// can be abandoned at the deadline.
func (d *Dispatcher) invoke(ctx context.Context, tool *Tool, args ports.Value, deadline time.Time) ports.ToolResult {
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan invokeOutcome, 1)
	go func() {
		var out invokeOutcome
		var pc panics.Catcher
		pc.Try(func() {
			out.value, out.err = tool.def.Handler.Invoke(callCtx, args)
		})
		if r := pc.Recovered(); r != nil {
			out.err = fmt.Errorf("handler panicked: %w", r.AsError())
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.err != nil {
			switch {
			case ctx.Err() != nil:
				return ports.ToolResult{Status: ports.StatusCancelled, ErrorDetail: ctx.Err().Error()}
			case errors.Is(out.err, context.DeadlineExceeded) && callCtx.Err() != nil:
				return ports.ToolResult{Status: ports.StatusTimeout, ErrorDetail: "tool did not finish before its deadline"}
			}
			return ports.ToolResult{Status: ports.StatusExecutionError, ErrorDetail: out.err.Error()}
		}
		payload, err := encodePayload(out.value)
		if err != nil {
			return ports.ToolResult{Status: ports.StatusExecutionError, ErrorDetail: "unencodable result: " + err.Error()}
		}
		return ports.ToolResult{Status: ports.StatusOK, Payload: payload}

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ports.ToolResult{Status: ports.StatusCancelled, ErrorDetail: ctx.Err().Error()}
		}
		d.logger.Warn().Str("tool", tool.Name()).Msg("Tool exceeded its deadline; result will be discarded")
		return ports.ToolResult{Status: ports.StatusTimeout, ErrorDetail: "tool did not finish before its deadline"}
	}
}

func encodePayload(v any) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if !json.Valid(val) {
			return nil, errors.New("handler returned invalid JSON")
		}
		return append(json.RawMessage(nil), val...), nil
	case []byte:
		return json.Marshal(string(val))
	}
	return json.Marshal(v)
}

// resourceLocks serializes non-reentrant tools by resource key.
type resourceLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{slots: make(map[string]chan struct{})}
}

func (l *resourceLocks) lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
