package harness

import (
	"context"
	"database/sql"
	"time"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/adapters"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Factory creates and wires harness components from configuration.
type Factory struct {
	harnessConfig *config.HarnessConfig
	db            *sql.DB // Optional, for the audit store
	metrics       *prometheus.Registry
	logger        zerolog.Logger
}

// NewFactory creates a new harness factory.
func NewFactory(harnessConfig *config.HarnessConfig, db *sql.DB, logger zerolog.Logger) *Factory {
	return &Factory{
		harnessConfig: harnessConfig,
		db:            db,
		logger:        logger,
	}
}

// WithMetricsRegistry registers harness collectors with registry when metrics are enabled.
func (f *Factory) WithMetricsRegistry(registry *prometheus.Registry) *Factory {
	f.metrics = registry
	return f
}

// CreateRegistry creates an empty tool registry honouring the schema policy.
func (f *Factory) CreateRegistry() *Registry {
	if f.harnessConfig.ClosedSchemas {
		return NewRegistry(WithClosedSchemas())
	}
	return NewRegistry()
}

// CreateOrchestrator creates a fully wired Orchestrator from config. opts are applied
// after the configured components and may replace any of them.
func (f *Factory) CreateOrchestrator(transport ports.Transport, registry *Registry, opts ...OrchestratorOption) *Orchestrator {
	tracer := f.createTracer()
	metrics := f.createMetrics()

	dispatcherOpts := []DispatcherOption{
		WithToolTimeout(f.harnessConfig.ToolTimeout),
		WithMaxParallel(f.harnessConfig.MaxParallelTools),
		WithSequentialDispatch(f.harnessConfig.SequentialDispatch),
		WithDispatchLogger(f.logger),
		WithDispatchMetrics(metrics),
		WithDispatchTracer(tracer),
	}
	if f.harnessConfig.CacheEnabled {
		dispatcherOpts = append(dispatcherOpts, WithResultCache(f.createCache(), f.harnessConfig.CacheTTLSeconds))
	}

	decoder := NewStreamDecoder(
		WithMaxToolCallBytes(f.harnessConfig.MaxToolCallBytes),
		WithToolCallTags(f.harnessConfig.ToolCallOpenTag, f.harnessConfig.ToolCallCloseTag),
	)
	builder := NewPromptBuilder(
		Budget{
			MaxMessages:      f.harnessConfig.HistoryMaxMessages,
			MaxContextTokens: f.harnessConfig.MaxContextTokens,
		},
		nil, // Use default token estimator
	)

	base := []OrchestratorOption{
		WithPolicy(f.CreatePolicy()),
		WithDispatcher(NewDispatcher(registry, dispatcherOpts...)),
		WithDecoder(decoder),
		WithPromptBuilder(builder),
		WithConversationStore(f.createStore()),
		WithRateLimiter(f.createRateLimiter()),
		WithTracer(tracer),
		WithMetrics(metrics),
		WithLogger(f.logger),
	}
	return NewOrchestrator(transport, registry, append(base, opts...)...)
}

// createCache creates a cache adapter from config.
func (f *Factory) createCache() ports.Cache {
	if !f.harnessConfig.CacheEnabled || f.harnessConfig.CacheCapacity < 1 {
		return &noOpCache{}
	}

	return adapters.NewLRUCache(f.harnessConfig.CacheCapacity, adapters.WithMaxBytes(f.harnessConfig.CacheMaxBytes))
}

// createRateLimiter creates a rate limiter adapter from config.
func (f *Factory) createRateLimiter() ports.RateLimiter {
	if !f.harnessConfig.RateLimitEnabled {
		return &noOpRateLimiter{}
	}

	capacity := max(f.harnessConfig.RateLimitCapacity, 1)
	refillRate := f.harnessConfig.RateLimitRefillRate
	if refillRate <= 0 {
		refillRate = time.Second
	}

	if f.harnessConfig.RateLimiter == "token_bucket" {
		return adapters.NewTokenBucket(capacity, refillRate)
	}
	return adapters.NewWaitLimiter(refillRate, capacity)
}

// createTracer creates a tracer adapter from config.
func (f *Factory) createTracer() ports.Tracer {
	if !f.harnessConfig.EnableTracing {
		return &noOpTracer{}
	}

	return adapters.NewZerologTracer(f.logger)
}

// createStore creates a conversation store adapter from config.
func (f *Factory) createStore() ports.ConversationStore {
	if f.db == nil {
		return &noOpStore{}
	}

	return adapters.NewSQLConversationStore(f.db)
}

func (f *Factory) createMetrics() *Metrics {
	if !f.harnessConfig.EnableMetrics {
		return nil
	}
	return NewMetrics(f.metrics)
}

// CreatePolicy creates a policy from config with validation.
func (f *Factory) CreatePolicy() Policy {
	policy := Policy{
		MaxToolTurns: f.harnessConfig.MaxToolTurns,
		RetryCount:   f.harnessConfig.RetryCount,
		RetryBackoff: f.harnessConfig.RetryBackoff,
		UpdateBuffer: f.harnessConfig.UpdateBuffer,
	}

	// Validate and clamp policy values
	if policy.MaxToolTurns < 1 {
		policy.MaxToolTurns = 1
		f.logger.Warn().Int("max_tool_turns", f.harnessConfig.MaxToolTurns).Msg("MaxToolTurns clamped to minimum of 1")
	}
	if policy.MaxToolTurns > 32 {
		policy.MaxToolTurns = 32
		f.logger.Warn().Int("max_tool_turns", f.harnessConfig.MaxToolTurns).Msg("MaxToolTurns clamped to maximum of 32")
	}

	if policy.RetryCount < 0 {
		policy.RetryCount = 0
		f.logger.Warn().Int("retry_count", f.harnessConfig.RetryCount).Msg("RetryCount clamped to minimum of 0")
	}
	if policy.RetryCount > 10 {
		policy.RetryCount = 10
		f.logger.Warn().Int("retry_count", f.harnessConfig.RetryCount).Msg("RetryCount clamped to maximum of 10")
	}

	if policy.RetryBackoff <= 0 {
		policy.RetryBackoff = DefaultPolicy().RetryBackoff
	}
	if policy.UpdateBuffer < 1 {
		policy.UpdateBuffer = DefaultPolicy().UpdateBuffer
	}

	return policy
}

// noOpCache implements Cache interface with no-op behavior for testing/disabled cache.
type noOpCache struct{}

func (c *noOpCache) Get(ctx context.Context, key string) ([]byte, bool) { return nil, false }
func (c *noOpCache) Set(ctx context.Context, key string, value []byte, ttlSeconds int) error {
	return nil
}
func (c *noOpCache) Delete(ctx context.Context, key string) error { return nil }

// noOpRateLimiter implements RateLimiter interface with no-op behavior.
type noOpRateLimiter struct{}

func (r *noOpRateLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	return func() {}, nil
}

// noOpTracer implements Tracer interface with no-op behavior.
type noOpTracer struct{}

func (t *noOpTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	return ctx, func(err error) {}
}

func (t *noOpTracer) Event(ctx context.Context, name string, attrs map[string]any) {}

// noOpStore implements ConversationStore interface with no-op behavior.
type noOpStore struct{}

func (s *noOpStore) SaveMessage(ctx context.Context, conversationID string, msg ports.Message) error {
	return nil
}

func (s *noOpStore) LoadMessages(ctx context.Context, conversationID string, k int) ([]ports.Message, error) {
	return nil, nil
}

// Ensure all no-op types implement their interfaces.
var (
	_ ports.Cache             = (*noOpCache)(nil)
	_ ports.RateLimiter       = (*noOpRateLimiter)(nil)
	_ ports.Tracer            = (*noOpTracer)(nil)
	_ ports.ConversationStore = (*noOpStore)(nil)
)
