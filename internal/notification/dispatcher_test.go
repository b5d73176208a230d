package notification

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notiq/notiq/internal/persistence"
)

type stubTask struct {
	mu    sync.Mutex
	calls []string
	err   func(subID string) error
}

func (s *stubTask) Execute(ctx context.Context, tc TaskContext, sub persistence.Subscription, messages []persistence.Message) error {
	s.mu.Lock()
	s.calls = append(s.calls, sub.ID)
	s.mu.Unlock()
	if s.err != nil {
		return s.err(sub.ID)
	}
	return nil
}

func (s *stubTask) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestDispatcher(webhook, queue Task) *Dispatcher {
	return NewDispatcher(NewRetryEngine(2), webhook, queue, 4, nil)
}

func TestDispatchClassifiesByScheme(t *testing.T) {
	webhook := &stubTask{}
	queue := &stubTask{}
	d := newTestDispatcher(webhook, queue)

	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	subs := []persistence.Subscription{
		{ID: "s1", Source: "events", Subscriber: "http://example.com/hook"},
		{ID: "s2", Source: "events", Subscriber: "https://example.com/hook"},
		{ID: "s3", Source: "events", Subscriber: "queue://proj/orders"},
	}

	d.Dispatch(context.Background(), tc, "events", []persistence.Message{{Body: "x"}}, subs)
	d.Wait()

	assert.ElementsMatch(t, []string{"s1", "s2"}, webhook.Calls())
	assert.Equal(t, []string{"s3"}, queue.Calls())
	assert.Empty(t, monitors.Updates(), "successful tasks report through their own updates")
}

func TestDispatchUnknownSchemeIsPermanentFailure(t *testing.T) {
	webhook := &stubTask{}
	queue := &stubTask{}
	d := newTestDispatcher(webhook, queue)

	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	subs := []persistence.Subscription{
		{ID: "s1", Source: "events", Subscriber: "mailto:ops@example.com"},
	}
	messages := []persistence.Message{{Body: "x"}, {Body: "y"}}

	d.Dispatch(context.Background(), tc, "events", messages, subs)
	d.Wait()

	assert.Empty(t, webhook.Calls())
	assert.Empty(t, queue.Calls())

	updates := monitors.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, persistence.SubscribeMessages, updates[0].CountType)
	assert.False(t, updates[0].Success)
	assert.Equal(t, 2, updates[0].N)
}

func TestDispatchExhaustionEmitsFailureUpdate(t *testing.T) {
	webhook := &stubTask{err: func(string) error { return errors.New("endpoint down") }}
	d := NewDispatcher(NewRetryEngine(2), webhook, &stubTask{}, 4, nil)

	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	subs := []persistence.Subscription{
		{ID: "s1", Source: "events", Subscriber: "http://example.com/hook"},
	}

	// No push_policy: a single attempt, then the failure update.
	d.Dispatch(context.Background(), tc, "events", []persistence.Message{{Body: "x"}}, subs)
	d.Wait()

	assert.Len(t, webhook.Calls(), 1)

	updates := monitors.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, persistence.SubscribeMessages, updates[0].CountType)
	assert.False(t, updates[0].Success)
	assert.Equal(t, "events", updates[0].Name)
}

func TestDispatchBackoffRetryExhaustsThenFails(t *testing.T) {
	mock := clock.NewMock()
	eng := NewRetryEngineWithClock(0, mock, rand.New(rand.NewSource(1)))

	webhook := &stubTask{err: func(string) error { return errors.New("endpoint down") }}
	d := NewDispatcher(eng, webhook, &stubTask{}, 4, nil)

	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	subs := []persistence.Subscription{{
		ID:         "s1",
		Source:     "events",
		Subscriber: "http://example.com/hook",
		Options:    map[string]interface{}{"push_policy": BackoffRetry},
	}}
	messages := []persistence.Message{{Body: "a"}, {Body: "b"}, {Body: "c"}}

	d.Dispatch(context.Background(), tc, "events", messages, subs)

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	deadline := time.After(10 * time.Second)
	for draining := true; draining; {
		select {
		case <-done:
			draining = false
		case <-deadline:
			t.Fatal("delivery did not finish")
		default:
			mock.Add(time.Second)
			time.Sleep(time.Millisecond)
		}
	}

	assert.Len(t, webhook.Calls(), 4, "1 initial attempt + 3 retries")

	updates := monitors.Updates()
	require.Len(t, updates, 1, "the whole failed batch lands in one failure update")
	assert.Equal(t, persistence.SubscribeMessages, updates[0].CountType)
	assert.False(t, updates[0].Success)
	assert.Equal(t, 3, updates[0].N)
}

func TestDispatchSubscriptionsAreIndependent(t *testing.T) {
	webhook := &stubTask{err: func(subID string) error {
		if subID == "bad" {
			return errors.New("endpoint down")
		}
		return nil
	}}
	d := newTestDispatcher(webhook, &stubTask{})

	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	subs := []persistence.Subscription{
		{ID: "bad", Source: "events", Subscriber: "http://bad.example.com"},
		{ID: "good", Source: "events", Subscriber: "http://good.example.com"},
	}

	d.Dispatch(context.Background(), tc, "events", []persistence.Message{{Body: "x"}}, subs)
	d.Wait()

	assert.ElementsMatch(t, []string{"bad", "good"}, webhook.Calls())

	updates := monitors.Updates()
	require.Len(t, updates, 1, "only the failing subscription lands in the failure counters")
	assert.False(t, updates[0].Success)
}

func TestDispatchEmptyBatchIsANoOp(t *testing.T) {
	webhook := &stubTask{}
	d := newTestDispatcher(webhook, &stubTask{})
	tc := newTestTaskContext(&fakeMonitors{}, &fakeQueues{}, &fakeMessages{})

	d.Dispatch(context.Background(), tc, "events", nil, []persistence.Subscription{
		{ID: "s1", Source: "events", Subscriber: "http://example.com"},
	})
	d.Wait()

	assert.Empty(t, webhook.Calls())
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	gate := make(chan struct{})

	webhook := &stubTask{err: func(string) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-gate
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}}

	d := NewDispatcher(NewRetryEngine(0), webhook, &stubTask{}, 2, nil)
	tc := newTestTaskContext(&fakeMonitors{}, &fakeQueues{}, &fakeMessages{})

	subs := make([]persistence.Subscription, 6)
	for i := range subs {
		subs[i] = persistence.Subscription{ID: string(rune('a' + i)), Source: "events", Subscriber: "http://example.com"}
	}

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), tc, "events", []persistence.Message{{Body: "x"}}, subs)
		close(done)
	}()

	// Dispatch itself blocks acquiring the semaphore once both workers are
	// busy, so releasing the gate lets everything drain.
	close(gate)
	<-done
	d.Wait()

	assert.Len(t, webhook.Calls(), 6)
	assert.LessOrEqual(t, peak, 2)
}
