package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
	"golang.org/x/time/rate"
)

// WaitLimiter blocks until a token is available or ctx ends. Each key gets its own
// limiter allowing one event per interval with the given burst.
type WaitLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

// NewWaitLimiter creates a blocking limiter.
func NewWaitLimiter(interval time.Duration, burst int) *WaitLimiter {
	return &WaitLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(interval),
		burst:    max(burst, 1),
	}
}

// Acquire waits for a token for key.
func (w *WaitLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := w.limiter(key).Wait(ctx); err != nil {
		return nil, err
	}
	return func() {}, nil
}

func (w *WaitLimiter) limiter(key string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.limiters[key]
	if !ok {
		l = rate.NewLimiter(w.every, w.burst)
		w.limiters[key] = l
	}
	return l
}

var _ ports.RateLimiter = (*WaitLimiter)(nil)
