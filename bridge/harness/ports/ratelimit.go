package harnessports

import "context"

// RateLimiter coordinates throughput towards the inference transport.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
