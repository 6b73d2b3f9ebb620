package harness

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/adapters"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

const addSchema = `{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`

// addHandler sums a and b and counts its invocations.
type addHandler struct {
	calls atomic.Int32
}

func (h *addHandler) Invoke(ctx context.Context, args ports.Value) (any, error) {
	h.calls.Add(1)
	var in struct{ A, B float64 }
	if err := args.Decode(&in); err != nil {
		return nil, err
	}
	return in.A + in.B, nil
}

func call(id, tool, args string) ports.ToolCallRequest {
	return ports.ToolCallRequest{ID: id, Turn: 1, Origin: 1, ToolName: tool, Arguments: json.RawMessage(args)}
}

func soon() time.Time { return time.Now().Add(2 * time.Second) }

func newTestRegistry(t *testing.T, defs ...ToolDefinition) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, def := range defs {
		require.NoError(t, r.Register(def))
	}
	r.Seal()
	return r
}

func TestDispatcher_OK(t *testing.T) {
	h := &addHandler{}
	d := NewDispatcher(newTestRegistry(t, ToolDefinition{Name: "add", Schema: []byte(addSchema), Handler: h}))

	res := d.Dispatch(context.Background(), call("c1", "add", `{"a":2,"b":2}`), soon())

	assert.Equal(t, ports.StatusOK, res.Status)
	assert.JSONEq(t, `4`, string(res.Payload))
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "add", res.ToolName)
	assert.Equal(t, "4", res.Content())
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := NewDispatcher(newTestRegistry(t))

	res := d.Dispatch(context.Background(), call("c1", "missing", `{}`), soon())

	assert.Equal(t, ports.StatusExecutionError, res.Status)
	assert.Contains(t, res.ErrorDetail, "tool not found")
}

func TestDispatcher_SchemaErrorNeverInvokes(t *testing.T) {
	h := &addHandler{}
	d := NewDispatcher(newTestRegistry(t, ToolDefinition{Name: "add", Schema: []byte(addSchema), Handler: h}))

	res := d.Dispatch(context.Background(), call("c1", "add", `{"a":2}`), soon())

	assert.Equal(t, ports.StatusSchemaError, res.Status)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "$.b", res.Violations[0].Path)
	assert.Equal(t, "required", res.Violations[0].Rule)
	assert.Zero(t, h.calls.Load())

	res = d.Dispatch(context.Background(), call("c2", "add", `{"a":`), soon())
	assert.Equal(t, ports.StatusSchemaError, res.Status)
	assert.Zero(t, h.calls.Load())
}

func TestDispatcher_HandlerFailures(t *testing.T) {
	reg := newTestRegistry(t,
		ToolDefinition{Name: "fails", Handler: ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
			return nil, errors.New("disk on fire")
		})},
		ToolDefinition{Name: "panics", Handler: ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
			panic("boom")
		})},
		ToolDefinition{Name: "unencodable", Handler: ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
			return make(chan int), nil
		})},
	)
	d := NewDispatcher(reg)

	res := d.Dispatch(context.Background(), call("c1", "fails", `{}`), soon())
	assert.Equal(t, ports.StatusExecutionError, res.Status)
	assert.Equal(t, "disk on fire", res.ErrorDetail)

	res = d.Dispatch(context.Background(), call("c2", "panics", `{}`), soon())
	assert.Equal(t, ports.StatusExecutionError, res.Status)
	assert.Contains(t, res.ErrorDetail, "panicked")

	res = d.Dispatch(context.Background(), call("c3", "unencodable", `{}`), soon())
	assert.Equal(t, ports.StatusExecutionError, res.Status)
}

func TestDispatcher_Timeouts(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		<-finished
	})

	reg := newTestRegistry(t,
		ToolDefinition{Name: "cooperative", Handler: ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})},
		ToolDefinition{Name: "stubborn", Handler: ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
			defer close(finished)
			<-release
			return "late", nil
		})},
		ToolDefinition{Name: "add", Schema: []byte(addSchema), Handler: &addHandler{}},
	)
	d := NewDispatcher(reg, WithToolTimeout(50*time.Millisecond))

	start := time.Now()
	results := d.DispatchAll(context.Background(), d.Schedule([]ports.ToolCallRequest{
		call("c1", "cooperative", `{}`),
		call("c2", "stubborn", `{}`),
		call("c3", "add", `{"a":1,"b":1}`),
	}))

	assert.Less(t, time.Since(start), time.Second, "stubborn handler is abandoned at its deadline")
	require.Len(t, results, 3)
	assert.Equal(t, ports.StatusTimeout, results[0].Status)
	assert.Equal(t, ports.StatusTimeout, results[1].Status)
	assert.Equal(t, ports.StatusOK, results[2].Status, "siblings are unaffected")
}

func TestDispatcher_DispatchAllOrdersByCallID(t *testing.T) {
	sleepy := ports.HandlerFunc(func(ctx context.Context, args ports.Value) (any, error) {
		ms, _ := args.Get("ms")
		n, _ := ms.AsInt()
		select {
		case <-time.After(time.Duration(n) * time.Millisecond):
			return n, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	d := NewDispatcher(newTestRegistry(t, ToolDefinition{Name: "sleep", Handler: sleepy}), WithMaxParallel(3))

	start := time.Now()
	results := d.DispatchAll(context.Background(), d.Schedule([]ports.ToolCallRequest{
		call("call_1_002", "sleep", `{"ms":100}`),
		call("call_1_003", "sleep", `{"ms":20}`),
		call("call_1_001", "sleep", `{"ms":200}`),
	}))

	require.Len(t, results, 3)
	assert.Equal(t, "call_1_001", results[0].CallID)
	assert.Equal(t, "call_1_002", results[1].CallID)
	assert.Equal(t, "call_1_003", results[2].CallID)
	assert.JSONEq(t, `200`, string(results[0].Payload))
	assert.Less(t, time.Since(start), 300*time.Millisecond, "calls run concurrently")
}

func TestDispatcher_QueuedCallsGetTheirFullTimeout(t *testing.T) {
	sleepy := ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
		select {
		case <-time.After(120 * time.Millisecond):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg := newTestRegistry(t, ToolDefinition{Name: "sleep", Handler: sleepy})

	for _, sequential := range []bool{false, true} {
		d := NewDispatcher(reg, WithMaxParallel(1), WithSequentialDispatch(sequential), WithToolTimeout(200*time.Millisecond))

		batch := d.Schedule([]ports.ToolCallRequest{call("c1", "sleep", `{}`), call("c2", "sleep", `{}`)})
		var mu sync.Mutex
		started := map[string]time.Time{}
		for i := range batch {
			id := batch[i].Call.ID
			batch[i].Started = func(deadline time.Time) {
				mu.Lock()
				started[id] = deadline
				mu.Unlock()
			}
		}

		results := d.DispatchAll(context.Background(), batch)
		require.Len(t, results, 2)
		for _, r := range results {
			assert.Equal(t, ports.StatusOK, r.Status, "sequential=%v call %s: %s", sequential, r.CallID, r.ErrorDetail)
		}
		require.Len(t, started, 2)
		gap := started["c2"].Sub(started["c1"]).Abs()
		assert.GreaterOrEqual(t, gap, 100*time.Millisecond, "the second call's budget starts when it runs")
	}
}

// overlapCounter records the maximum number of concurrent invocations.
type overlapCounter struct {
	mu      sync.Mutex
	active  int
	maxSeen int
}

func (p *overlapCounter) Invoke(ctx context.Context, _ ports.Value) (any, error) {
	p.mu.Lock()
	p.active++
	p.maxSeen = max(p.maxSeen, p.active)
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return "ok", nil
}

func TestDispatcher_NonReentrantToolsSerialize(t *testing.T) {
	counter := &overlapCounter{}
	reg := newTestRegistry(t,
		ToolDefinition{Name: "write_a", Handler: counter, NonReentrant: true, ResourceKey: "db"},
		ToolDefinition{Name: "write_b", Handler: counter, NonReentrant: true, ResourceKey: "db"},
	)
	d := NewDispatcher(reg, WithMaxParallel(4))

	// Two conversations sharing the dispatcher.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results := d.DispatchAll(context.Background(), d.Schedule([]ports.ToolCallRequest{
				call("a", "write_a", `{}`),
				call("b", "write_b", `{}`),
				call("c", "write_a", `{}`),
			}))
			for _, r := range results {
				assert.Equal(t, ports.StatusOK, r.Status)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, counter.maxSeen)
}

func TestDispatcher_Cancellation(t *testing.T) {
	started := make(chan struct{})
	reg := newTestRegistry(t, ToolDefinition{Name: "wait", Handler: ports.HandlerFunc(func(ctx context.Context, _ ports.Value) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})})
	d := NewDispatcher(reg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	res := d.Dispatch(ctx, call("c1", "wait", `{}`), soon())
	assert.Equal(t, ports.StatusCancelled, res.Status)

	res = d.Dispatch(ctx, call("c2", "wait", `{}`), soon())
	assert.Equal(t, ports.StatusCancelled, res.Status, "nothing runs after cancellation")
}

func TestDispatcher_ResultCache(t *testing.T) {
	h := &addHandler{}
	reg := newTestRegistry(t, ToolDefinition{Name: "add", Schema: []byte(addSchema), Handler: h, Cacheable: true})
	d := NewDispatcher(reg, WithResultCache(adapters.NewLRUCache(16), 60))

	first := d.Dispatch(context.Background(), call("c1", "add", `{"a":1,"b":2}`), soon())
	second := d.Dispatch(context.Background(), call("c2", "add", `{"a":1,"b":2}`), soon())
	third := d.Dispatch(context.Background(), call("c3", "add", `{"a":2,"b":2}`), soon())

	assert.Equal(t, ports.StatusOK, first.Status)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, "c2", second.CallID)
	assert.JSONEq(t, `4`, string(third.Payload))
	assert.Equal(t, int32(2), h.calls.Load())
}

func TestDispatcher_TimeoutOverride(t *testing.T) {
	reg := newTestRegistry(t,
		ToolDefinition{Name: "slow", Handler: &addHandler{}, Timeout: time.Minute},
		ToolDefinition{Name: "fast", Handler: &addHandler{}},
	)
	d := NewDispatcher(reg, WithToolTimeout(time.Second))

	assert.Equal(t, time.Minute, d.TimeoutFor("slow"))
	assert.Equal(t, time.Second, d.TimeoutFor("fast"))
	assert.Equal(t, time.Second, d.TimeoutFor("unknown"))
}
