package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notiq/notiq/internal/persistence"
)

// Queues implements persistence.QueueController on redis hashes with a
// per-project sorted-set index.
type Queues struct {
	c *redis.Client
}

func (q *Queues) Create(ctx context.Context, name, project string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("serialize queue metadata: %w", err)
	}

	scoped := persistence.ScopeName(project, name)
	pipe := q.c.TxPipeline()
	// HSetNX keeps the stored metadata when the queue already exists, so the
	// consume path's create-on-miss never clobbers an explicit create.
	pipe.HSetNX(ctx, queueKey+scoped, "m", meta)
	pipe.HSetNX(ctx, queueKey+scoped, "c_t", time.Now().Unix())
	pipe.ZAdd(ctx, queueIdx+project, redis.Z{Score: 0, Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create queue %s: %w", scoped, err)
	}
	return nil
}

func (q *Queues) GetMetadata(ctx context.Context, name, project string) (map[string]interface{}, error) {
	scoped := persistence.ScopeName(project, name)
	raw, err := q.c.HGet(ctx, queueKey+scoped, "m").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("queue %s: %w", scoped, persistence.ErrQueueDoesNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue metadata %s: %w", scoped, err)
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("decode queue metadata %s: %w", scoped, err)
	}
	return metadata, nil
}

func (q *Queues) Delete(ctx context.Context, name, project string) error {
	scoped := persistence.ScopeName(project, name)
	pipe := q.c.TxPipeline()
	pipe.Del(ctx, queueKey+scoped, pendingKey+scoped, claimedKey+scoped)
	pipe.ZRem(ctx, queueIdx+project, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete queue %s: %w", scoped, err)
	}
	return nil
}

func (q *Queues) List(ctx context.Context, project, marker string, limit int) ([]persistence.Queue, string, error) {
	names, err := pageIndex(ctx, q.c, queueIdx+project, marker, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list queues %s: %w", project, err)
	}

	queues := make([]persistence.Queue, 0, len(names))
	for _, name := range names {
		metadata, err := q.GetMetadata(ctx, name, project)
		if errors.Is(err, persistence.ErrQueueDoesNotExist) {
			q.c.ZRem(ctx, queueIdx+project, name)
			continue
		}
		if err != nil {
			return nil, "", err
		}
		queues = append(queues, persistence.Queue{Name: name, Project: project, Metadata: metadata})
	}

	return queues, nextMarker(names, limit), nil
}

// pageIndex reads one page of a lexicographic index after the marker.
func pageIndex(ctx context.Context, c *redis.Client, key, marker string, limit int) ([]string, error) {
	min := "-"
	if marker != "" {
		min = "(" + marker
	}
	return c.ZRangeByLex(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    "+",
		Offset: 0,
		Count:  int64(limit),
	}).Result()
}

// nextMarker returns the cursor for the following page, empty at the end.
func nextMarker(page []string, limit int) string {
	if limit > 0 && len(page) == limit {
		return page[len(page)-1]
	}
	return ""
}
