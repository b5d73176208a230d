package notification

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/persistence"
)

// Test doubles for the storage controllers the delivery tasks touch.

type monitorUpdate struct {
	N         int
	Bytes     int64
	Name      string
	Project   string
	CountType persistence.CountType
	Success   bool
}

type fakeMonitors struct {
	mu      sync.Mutex
	updates []monitorUpdate
	err     error
}

func (f *fakeMonitors) Create(ctx context.Context, name, mtype, project string) error { return nil }

func (f *fakeMonitors) Get(ctx context.Context, name, mtype, project string) (persistence.MonitorStats, error) {
	return persistence.MonitorStats{}, persistence.ErrMonitorDoesNotExist
}

func (f *fakeMonitors) List(ctx context.Context, opts persistence.MonitorListOptions) ([]persistence.MonitorStats, string, error) {
	return nil, "", nil
}

func (f *fakeMonitors) Update(ctx context.Context, messages []persistence.Message, name, project string, countType persistence.CountType, success bool) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, monitorUpdate{
		N:         len(messages),
		Bytes:     persistence.BatchBytes(messages),
		Name:      name,
		Project:   project,
		CountType: countType,
		Success:   success,
	})
	return nil
}

func (f *fakeMonitors) Updates() []monitorUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]monitorUpdate(nil), f.updates...)
}

type fakeQueues struct {
	mu       sync.Mutex
	metadata map[string]map[string]interface{}
	getErr   error
	created  []string
}

func (f *fakeQueues) Create(ctx context.Context, name, project string, metadata map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	if f.metadata == nil {
		f.metadata = map[string]map[string]interface{}{}
	}
	if _, ok := f.metadata[name]; !ok {
		f.metadata[name] = map[string]interface{}{}
	}
	return nil
}

func (f *fakeQueues) GetMetadata(ctx context.Context, name, project string) (map[string]interface{}, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.metadata[name]
	if !ok {
		return nil, persistence.ErrQueueDoesNotExist
	}
	return meta, nil
}

func (f *fakeQueues) Delete(ctx context.Context, name, project string) error { return nil }

func (f *fakeQueues) List(ctx context.Context, project, marker string, limit int) ([]persistence.Queue, string, error) {
	return nil, "", nil
}

type postedBatch struct {
	Queue    string
	Messages []persistence.Message
}

type fakeMessages struct {
	mu      sync.Mutex
	posted  []postedBatch
	postErr error
}

func (f *fakeMessages) Post(ctx context.Context, queue, project string, messages []persistence.Message, clientID string) ([]string, error) {
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, postedBatch{Queue: queue, Messages: messages})
	ids := make([]string, len(messages))
	return ids, nil
}

func (f *fakeMessages) ConsumeDelete(ctx context.Context, queue, project, handle string) error {
	return nil
}

func (f *fakeMessages) BulkConsumeDelete(ctx context.Context, queue, project string, consumeIDs []string) ([]string, error) {
	return nil, nil
}

func (f *fakeMessages) Count(ctx context.Context, queue, project string) (int64, error) {
	return 0, nil
}

func (f *fakeMessages) ClaimedCount(ctx context.Context, queue, project string) (int64, error) {
	return 0, nil
}

func (f *fakeMessages) DelayedCount(ctx context.Context, queue, project string) (int64, error) {
	return 0, nil
}

func newTestTaskContext(monitors *fakeMonitors, queues *fakeQueues, messages *fakeMessages) TaskContext {
	return TaskContext{
		Messages: messages,
		Queues:   queues,
		Monitors: monitors,
		Project:  "proj",
		ClientID: "client-1",
		Config:   config.Default(),
		Log:      zerolog.Nop(),
	}
}
