package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notiq/notiq/internal/persistence"
)

type capturedPost struct {
	Body    string
	Headers http.Header
}

func newCapturingServer(t *testing.T, status int) (*httptest.Server, func() []capturedPost) {
	t.Helper()

	var mu sync.Mutex
	var posts []capturedPost

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		posts = append(posts, capturedPost{Body: string(body), Headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedPost {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedPost(nil), posts...)
	}
}

func TestWebhookPostsEachMessage(t *testing.T) {
	srv, posts := newCapturingServer(t, http.StatusOK)
	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	task := NewWebhookTask(srv.Client(), nil, nil)
	sub := persistence.Subscription{
		ID:         "sub-1",
		Source:     "events",
		Subscriber: srv.URL,
	}
	messages := []persistence.Message{
		{ID: "m1", TTL: 60, Body: map[string]interface{}{"n": 1.0}},
		{ID: "m2", TTL: 60, Body: map[string]interface{}{"n": 2.0}},
	}

	require.NoError(t, task.Execute(context.Background(), tc, sub, messages))

	got := posts()
	require.Len(t, got, 2)
	for i, post := range got {
		assert.Equal(t, "application/json", post.Headers.Get("Content-Type"))

		var msg persistence.Message
		require.NoError(t, json.Unmarshal([]byte(post.Body), &msg))
		assert.Equal(t, messages[i].ID, msg.ID)
		assert.Equal(t, "events", msg.QueueName, "queue_name stamped from the source topic")
	}

	updates := monitors.Updates()
	require.Len(t, updates, 1, "one success update for the batch")
	assert.Equal(t, persistence.SubscribeMessages, updates[0].CountType)
	assert.True(t, updates[0].Success)
	assert.Equal(t, "events", updates[0].Name)
	assert.Equal(t, 2, updates[0].N)
}

func TestWebhookMergesPostHeaders(t *testing.T) {
	srv, posts := newCapturingServer(t, http.StatusOK)
	tc := newTestTaskContext(&fakeMonitors{}, &fakeQueues{}, &fakeMessages{})

	task := NewWebhookTask(srv.Client(), nil, nil)
	sub := persistence.Subscription{
		Source:     "events",
		Subscriber: srv.URL,
		Options: map[string]interface{}{
			"post_headers": map[string]interface{}{
				"X-Token":      "secret",
				"Content-Type": "application/vnd.custom+json",
			},
		},
	}

	require.NoError(t, task.Execute(context.Background(), tc, sub, []persistence.Message{{Body: "hi"}}))

	got := posts()
	require.Len(t, got, 1)
	assert.Equal(t, "secret", got[0].Headers.Get("X-Token"))
	assert.Equal(t, "application/vnd.custom+json", got[0].Headers.Get("Content-Type"))
}

func TestWebhookPostDataTemplate(t *testing.T) {
	srv, posts := newCapturingServer(t, http.StatusOK)
	tc := newTestTaskContext(&fakeMonitors{}, &fakeQueues{}, &fakeMessages{})

	task := NewWebhookTask(srv.Client(), nil, nil)
	sub := persistence.Subscription{
		Source:     "events",
		Subscriber: srv.URL,
		Options: map[string]interface{}{
			"post_data": `{"event": "$zaqar_message$", "origin": "notiq"}`,
		},
	}

	require.NoError(t, task.Execute(context.Background(), tc, sub, []persistence.Message{{ID: "m1", Body: "payload"}}))

	got := posts()
	require.Len(t, got, 1)

	var rendered map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(got[0].Body), &rendered), "template must render to valid JSON")
	assert.Equal(t, "notiq", rendered["origin"])

	event, ok := rendered["event"].(map[string]interface{})
	require.True(t, ok, "placeholder replaced by the serialized message")
	assert.Equal(t, "m1", event["id"])
	assert.Equal(t, "payload", event["body"])
}

func TestWebhookServerErrorFailsBatch(t *testing.T) {
	srv, posts := newCapturingServer(t, http.StatusInternalServerError)
	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	task := NewWebhookTask(srv.Client(), nil, nil)
	sub := persistence.Subscription{Source: "events", Subscriber: srv.URL}

	err := task.Execute(context.Background(), tc, sub, []persistence.Message{{Body: 1}, {Body: 2}})
	require.Error(t, err)

	// The first 500 fails the whole call; the second message is never sent
	// and no success update is emitted.
	assert.Len(t, posts(), 1)
	assert.Empty(t, monitors.Updates())
}

func TestWebhookTransportErrorFailsBatch(t *testing.T) {
	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	task := NewWebhookTask(&http.Client{}, nil, nil)
	sub := persistence.Subscription{Source: "events", Subscriber: "http://127.0.0.1:1"}

	err := task.Execute(context.Background(), tc, sub, []persistence.Message{{Body: "x"}})
	require.Error(t, err)
	assert.Empty(t, monitors.Updates())
}

func TestWebhookBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, posts := newCapturingServer(t, http.StatusBadGateway)
	monitors := &fakeMonitors{}
	tc := newTestTaskContext(monitors, &fakeQueues{}, &fakeMessages{})

	task := NewWebhookTask(srv.Client(), NewBreakerManager(), nil)
	sub := persistence.Subscription{Source: "events", Subscriber: srv.URL}
	messages := []persistence.Message{{Body: "x"}}

	for i := 0; i < 5; i++ {
		require.Error(t, task.Execute(context.Background(), tc, sub, messages))
	}

	// Three consecutive failures trip the breaker; later calls fail fast
	// without reaching the endpoint.
	assert.Len(t, posts(), 3)
}
