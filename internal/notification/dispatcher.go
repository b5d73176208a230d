package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/notiq/notiq/internal/persistence"
)

// Metrics receives delivery observations. The HTTP metrics registry
// implements it; a nil Metrics disables recording.
type Metrics interface {
	ObserveDelivery(task string, delivered bool, attempts int, seconds float64)
}

// Dispatcher fans a published message batch out to a topic's subscriptions.
// Each subscription is delivered independently on a bounded worker pool:
// one subscriber failing, retrying, or backing off never delays the others.
// Dispatch returns once every delivery is scheduled; completion is observable
// through monitor updates, or through Wait for shutdown and tests.
type Dispatcher struct {
	retry   *RetryEngine
	webhook Task
	queue   Task
	sem     *semaphore.Weighted
	metrics Metrics

	wg sync.WaitGroup
}

// NewDispatcher builds a dispatcher delivering through the given tasks with
// at most workers concurrent deliveries.
func NewDispatcher(retry *RetryEngine, webhook, queue Task, workers int, metrics Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		retry:   retry,
		webhook: webhook,
		queue:   queue,
		sem:     semaphore.NewWeighted(int64(workers)),
		metrics: metrics,
	}
}

// Dispatch schedules delivery of messages to every subscription of topic.
// Subscribers with an unrecognized scheme are skipped as permanent failures.
// ctx governs the deliveries themselves; pass a context that outlives the
// inbound request unless cancellation should abort in-flight retries.
func (d *Dispatcher) Dispatch(ctx context.Context, tc TaskContext, topic string, messages []persistence.Message, subscriptions []persistence.Subscription) {
	if len(messages) == 0 {
		return
	}

	for _, sub := range subscriptions {
		task, kind := d.classify(sub.Subscriber)
		if task == nil {
			tc.Log.Warn().
				Str("topic", topic).
				Str("subscription", sub.ID).
				Str("subscriber", sub.Subscriber).
				Msg("Unknown subscriber scheme, skipping delivery")
			d.recordFailure(ctx, tc, topic, messages)
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.recordFailure(ctx, tc, topic, messages)
			continue
		}

		d.wg.Add(1)
		go func(sub persistence.Subscription) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.deliver(ctx, tc, kind, task, topic, sub, messages)
		}(sub)
	}
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, tc TaskContext, kind string, task Task, topic string, sub persistence.Subscription, messages []persistence.Message) {
	start := time.Now()
	outcome := d.retry.Retry(ctx, sub.PushPolicy(), func(ctx context.Context) error {
		return task.Execute(ctx, tc, sub, messages)
	})

	if d.metrics != nil {
		d.metrics.ObserveDelivery(kind, outcome.Delivered, outcome.Attempts, time.Since(start).Seconds())
	}

	if outcome.Delivered {
		tc.Log.Debug().
			Str("topic", topic).
			Str("subscription", sub.ID).
			Int("attempts", outcome.Attempts).
			Msg("Delivery succeeded")
		return
	}

	tc.Log.Warn().
		Err(outcome.Err).
		Str("topic", topic).
		Str("subscription", sub.ID).
		Str("subscriber", sub.Subscriber).
		Int("attempts", outcome.Attempts).
		Msg("Delivery failed")
	d.recordFailure(ctx, tc, topic, messages)
}

// recordFailure attributes an undeliverable batch to the topic's
// total_sub_msg counters. Nothing is recorded when the dispatch context is
// already gone; a cancelled delivery is not an exhausted one.
func (d *Dispatcher) recordFailure(ctx context.Context, tc TaskContext, topic string, messages []persistence.Message) {
	if err := ctx.Err(); err != nil {
		return
	}
	if err := tc.Monitors.Update(ctx, messages, topic, tc.Project, persistence.SubscribeMessages, false); err != nil &&
		!errors.Is(err, context.Canceled) {
		tc.Log.Error().Err(err).Str("topic", topic).Msg("Failure monitor update failed")
	}
}

// classify picks the delivery task for a subscriber URI.
func (d *Dispatcher) classify(subscriber string) (Task, string) {
	switch {
	case strings.HasPrefix(subscriber, "http://"), strings.HasPrefix(subscriber, "https://"):
		return d.webhook, "webhook"
	case strings.HasPrefix(subscriber, "queue://"):
		return d.queue, "queue"
	default:
		return nil, ""
	}
}
