package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notiq/notiq/internal/persistence"
)

func TestQueuesCreateGetMetadata(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	meta := map[string]interface{}{"claim_ttl": 5, "auto_delete": true}
	require.NoError(t, store.Queues.Create(ctx, "orders", "proj", meta))

	got, err := store.Queues.GetMetadata(ctx, "orders", "proj")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got["claim_ttl"])
	assert.Equal(t, true, got["auto_delete"])
}

func TestQueuesCreateKeepsExistingMetadata(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Queues.Create(ctx, "orders", "proj", map[string]interface{}{"claim_ttl": 5}))

	// A later create-on-miss with no metadata must not clobber the record.
	require.NoError(t, store.Queues.Create(ctx, "orders", "proj", nil))

	got, err := store.Queues.GetMetadata(ctx, "orders", "proj")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got["claim_ttl"])
}

func TestQueuesGetMetadataMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Queues.GetMetadata(context.Background(), "ghost", "proj")
	assert.ErrorIs(t, err, persistence.ErrQueueDoesNotExist)
}

func TestQueuesDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Queues.Create(ctx, "orders", "proj", nil))
	_, err := store.Messages.Post(ctx, "orders", "proj", []persistence.Message{{TTL: 60, Body: "x"}}, "c")
	require.NoError(t, err)

	require.NoError(t, store.Queues.Delete(ctx, "orders", "proj"))

	_, err = store.Queues.GetMetadata(ctx, "orders", "proj")
	assert.ErrorIs(t, err, persistence.ErrQueueDoesNotExist)

	n, err := store.Messages.Count(ctx, "orders", "proj")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Idempotent delete.
	assert.NoError(t, store.Queues.Delete(ctx, "orders", "proj"))
}

func TestQueuesList(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		require.NoError(t, store.Queues.Create(ctx, name, "proj", nil))
	}
	require.NoError(t, store.Queues.Create(ctx, "elsewhere", "other", nil))

	page, marker, err := store.Queues.List(ctx, "proj", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "alpha", page[0].Name)
	assert.Equal(t, "beta", marker)

	page, marker, err = store.Queues.List(ctx, "proj", marker, 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "gamma", page[0].Name)
	assert.Empty(t, marker)
}
