package notification

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Push policies selectable per subscription via options.push_policy. Any
// other value, including the empty string, means no retries.
const (
	BackoffRetry          = "BACKOFF_RETRY"
	ExponentialDecayRetry = "EXPONENTIAL_DECAY_RETRY"
)

// exponentialDecayCap bounds the exponential schedule at 512 seconds,
// reached from the tenth retry on.
const exponentialDecayCap = 512

// Outcome is the terminal result of a retried delivery. Err carries the last
// attempt's error when Delivered is false.
type Outcome struct {
	Delivered bool
	Attempts  int
	Err       error
}

// RetryEngine wraps delivery attempts with a bounded, backed-off sequence of
// reattempts. It is stateless across calls and safe for concurrent use; the
// clock and RNG are injectable so tests control time and the backoff draw.
type RetryEngine struct {
	maxNotifierRetries int
	clock              clock.Clock

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRetryEngine builds an engine using the wall clock. maxNotifierRetries
// bounds the EXPONENTIAL_DECAY_RETRY policy.
func NewRetryEngine(maxNotifierRetries int) *RetryEngine {
	return NewRetryEngineWithClock(maxNotifierRetries, clock.New(), rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewRetryEngineWithClock builds an engine on an explicit clock and RNG.
func NewRetryEngineWithClock(maxNotifierRetries int, c clock.Clock, rng *rand.Rand) *RetryEngine {
	return &RetryEngine{maxNotifierRetries: maxNotifierRetries, clock: c, rng: rng}
}

// Retries returns N(policy): how many reattempts follow the first failure.
func (e *RetryEngine) Retries(policy string) int {
	switch policy {
	case BackoffRetry:
		return 3
	case ExponentialDecayRetry:
		return e.maxNotifierRetries
	default:
		return 0
	}
}

// Delay returns d(i, policy): the sleep before the i-th retry, i from 0.
func (e *RetryEngine) Delay(policy string, i int) time.Duration {
	switch policy {
	case BackoffRetry:
		e.mu.Lock()
		n := 10 + e.rng.Intn(11)
		e.mu.Unlock()
		return time.Duration(n) * time.Second
	case ExponentialDecayRetry:
		if i >= 10 {
			return exponentialDecayCap * time.Second
		}
		d := 1 << i
		if d > exponentialDecayCap {
			d = exponentialDecayCap
		}
		return time.Duration(d) * time.Second
	default:
		return 0
	}
}

// Retry runs fn once and, on failure, up to N(policy) further times, sleeping
// Delay(policy, i) before the i-th retry. It returns on the first success or
// when the retries are exhausted; errors never propagate except inside the
// Outcome. Cancellation is honored before each attempt and during each sleep.
func (e *RetryEngine) Retry(ctx context.Context, policy string, fn func(context.Context) error) Outcome {
	retries := e.Retries(policy)

	var lastErr error
	attempts := 0
	for i := -1; i < retries; i++ {
		if i >= 0 {
			if err := e.sleep(ctx, e.Delay(policy, i)); err != nil {
				return Outcome{Attempts: attempts, Err: err}
			}
		}
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: attempts, Err: err}
		}

		attempts++
		if lastErr = fn(ctx); lastErr == nil {
			return Outcome{Delivered: true, Attempts: attempts}
		}
	}

	return Outcome{Attempts: attempts, Err: lastErr}
}

// sleep waits d on the engine clock, aborting when ctx is cancelled.
func (e *RetryEngine) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := e.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
