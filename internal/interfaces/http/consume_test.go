package http

import (
	stdhttp "net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postMessages(t *testing.T, srv *Server, queue string, bodies ...interface{}) {
	t.Helper()

	messages := make([]map[string]interface{}, len(bodies))
	for i, b := range bodies {
		messages[i] = map[string]interface{}{"body": b}
	}
	rec := do(t, srv, stdhttp.MethodPost, "/v2/queues/"+queue+"/messages",
		map[string]interface{}{"messages": messages}, nil)
	require.Equal(t, stdhttp.StatusCreated, rec.Code)
}

func TestConsumeClaimsAndAutoDeletes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	postMessages(t, srv, "orders", "a", "b")

	rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume?auto_delete=1&limit=5", nil, nil)
	require.Equal(t, stdhttp.StatusCreated, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/v2/queues/orders/messages/consume/")

	body := decodeBody(t, rec)
	messages, ok := body["messages"].([]interface{})
	require.True(t, ok)
	assert.Len(t, messages, 2)

	// Auto-delete consumed both; the queue is empty now.
	rec = do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume?limit=5", nil, nil)
	assert.Equal(t, stdhttp.StatusNoContent, rec.Code)

	// The consume landed in the queue monitor.
	rec = do(t, srv, stdhttp.MethodGet, "/v2/monitors/queues/orders", nil, nil)
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	counters := decodeBody(t, rec)["proj/queues/orders"].(map[string]interface{})
	assert.Equal(t, 2.0, counters["consume_msg_counts"])
}

func TestConsumeEmptyQueueCreatesIt(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/fresh/messages/consume", nil, nil)
	assert.Equal(t, stdhttp.StatusNoContent, rec.Code)

	rec = do(t, srv, stdhttp.MethodGet, "/v2/queues/fresh", nil, nil)
	assert.Equal(t, stdhttp.StatusOK, rec.Code)
}

func TestConsumeLimitValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for _, limit := range []string{"0", "-1", "999", "abc"} {
		rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume?limit="+limit, nil, nil)
		assert.Equal(t, stdhttp.StatusBadRequest, rec.Code, "limit=%s", limit)
	}
}

func TestConsumeSingleDelete(t *testing.T) {
	srv, _, _ := newTestServer(t)
	postMessages(t, srv, "orders", "a")

	rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume", nil, nil)
	require.Equal(t, stdhttp.StatusCreated, rec.Code)

	messages := decodeBody(t, rec)["messages"].([]interface{})
	handle := messages[0].(map[string]interface{})["consume_id"].(string)

	rec = do(t, srv, stdhttp.MethodDelete, "/v2/queues/orders/messages/consume/"+handle, nil, nil)
	assert.Equal(t, stdhttp.StatusNoContent, rec.Code)
}

func TestConsumeDeleteInvalidHandle(t *testing.T) {
	srv, _, _ := newTestServer(t)
	postMessages(t, srv, "orders", "a")

	rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume", nil, nil)
	require.Equal(t, stdhttp.StatusCreated, rec.Code)

	messages := decodeBody(t, rec)["messages"].([]interface{})
	handle := messages[0].(map[string]interface{})["consume_id"].(string)

	// A handle under a live claim but naming a foreign message is invalid.
	rec = do(t, srv, stdhttp.MethodDelete, "/v2/queues/orders/messages/consume/"+handle+"-other", nil, nil)
	assert.Equal(t, stdhttp.StatusNotFound, rec.Code)
}

func TestConsumeDeleteExpiredClaim(t *testing.T) {
	srv, _, mr := newTestServer(t)
	postMessages(t, srv, "orders", "a")

	rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume", nil, nil)
	require.Equal(t, stdhttp.StatusCreated, rec.Code)

	messages := decodeBody(t, rec)["messages"].([]interface{})
	handle := messages[0].(map[string]interface{})["consume_id"].(string)

	// The default claim_ttl is one second; lapse it.
	mr.FastForward(2 * time.Second)

	rec = do(t, srv, stdhttp.MethodDelete, "/v2/queues/orders/messages/consume/"+handle, nil, nil)
	assert.Equal(t, stdhttp.StatusConflict, rec.Code)
}

func TestBulkConsumeDelete(t *testing.T) {
	srv, _, _ := newTestServer(t)
	postMessages(t, srv, "orders", "a", "b")

	rec := do(t, srv, stdhttp.MethodGet, "/v2/queues/orders/messages/consume?limit=5", nil, nil)
	require.Equal(t, stdhttp.StatusCreated, rec.Code)

	messages := decodeBody(t, rec)["messages"].([]interface{})
	ids := ""
	for i, m := range messages {
		if i > 0 {
			ids += ","
		}
		ids += m.(map[string]interface{})["consume_id"].(string)
	}

	rec = do(t, srv, stdhttp.MethodDelete, "/v2/queues/orders/messages/consume?ids="+ids, nil, nil)
	require.Equal(t, stdhttp.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["deleted"], 2)
}

func TestBulkConsumeDeleteRequiresIDs(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(t, srv, stdhttp.MethodDelete, "/v2/queues/orders/messages/consume", nil, nil)
	assert.Equal(t, stdhttp.StatusBadRequest, rec.Code)
}
