package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/notiq/notiq/internal/persistence"
)

// Topics implements persistence.TopicController on redis hashes holding the
// metadata document, the monotonic message counter, and both timestamps.
type Topics struct {
	c *redis.Client
}

func (t *Topics) Create(ctx context.Context, name, project string, metadata map[string]interface{}) error {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("serialize topic metadata: %w", err)
	}

	scoped := persistence.ScopeName(project, name)
	created, err := t.c.HSetNX(ctx, topicKey+scoped, "m", meta).Result()
	if err != nil {
		return fmt.Errorf("create topic %s: %w", scoped, err)
	}
	if !created {
		return fmt.Errorf("topic %s: %w", scoped, persistence.ErrTopicAlreadyExist)
	}

	now := time.Now().Unix()
	pipe := t.c.TxPipeline()
	pipe.HSet(ctx, topicKey+scoped, "c_t", now, "u_t", now)
	pipe.HSetNX(ctx, topicKey+scoped, "c", 0)
	pipe.ZAdd(ctx, topicIdx+project, redis.Z{Score: 0, Member: name})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("init topic %s: %w", scoped, err)
	}
	return nil
}

func (t *Topics) Get(ctx context.Context, name, project string) (*persistence.Topic, error) {
	scoped := persistence.ScopeName(project, name)
	fields, err := t.c.HGetAll(ctx, topicKey+scoped).Result()
	if err != nil {
		return nil, fmt.Errorf("get topic %s: %w", scoped, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("topic %s: %w", scoped, persistence.ErrTopicDoesNotExist)
	}

	var metadata map[string]interface{}
	if err := json.Unmarshal([]byte(fields["m"]), &metadata); err != nil {
		return nil, fmt.Errorf("decode topic metadata %s: %w", scoped, err)
	}

	counter, _ := strconv.ParseInt(fields["c"], 10, 64)
	created, _ := strconv.ParseInt(fields["c_t"], 10, 64)
	updated, _ := strconv.ParseInt(fields["u_t"], 10, 64)

	return &persistence.Topic{
		Name:      name,
		Project:   project,
		Metadata:  metadata,
		Counter:   counter,
		CreatedAt: time.Unix(created, 0).UTC(),
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}, nil
}

func (t *Topics) Delete(ctx context.Context, name, project string) error {
	scoped := persistence.ScopeName(project, name)

	// Subscriptions die with their topic.
	subs := &Subscriptions{c: t.c}
	ids, err := t.c.ZRange(ctx, subIdx+scoped, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("list subscriptions of %s: %w", scoped, err)
	}
	for _, id := range ids {
		if err := subs.Delete(ctx, project, name, id); err != nil {
			return err
		}
	}

	pipe := t.c.TxPipeline()
	pipe.Del(ctx, topicKey+scoped, subIdx+scoped, subByURI+scoped)
	pipe.ZRem(ctx, topicIdx+project, name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete topic %s: %w", scoped, err)
	}
	return nil
}

func (t *Topics) List(ctx context.Context, project, marker string, limit int) ([]persistence.Topic, string, error) {
	names, err := pageIndex(ctx, t.c, topicIdx+project, marker, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list topics %s: %w", project, err)
	}

	topics := make([]persistence.Topic, 0, len(names))
	for _, name := range names {
		topic, err := t.Get(ctx, name, project)
		if err != nil {
			if isDoesNotExist(err) {
				t.c.ZRem(ctx, topicIdx+project, name)
				continue
			}
			return nil, "", err
		}
		topics = append(topics, *topic)
	}

	return topics, nextMarker(names, limit), nil
}

func (t *Topics) SetMetadata(ctx context.Context, name, project string, metadata map[string]interface{}) error {
	scoped := persistence.ScopeName(project, name)
	exists, err := t.c.Exists(ctx, topicKey+scoped).Result()
	if err != nil {
		return fmt.Errorf("check topic %s: %w", scoped, err)
	}
	if exists == 0 {
		return fmt.Errorf("topic %s: %w", scoped, persistence.ErrTopicDoesNotExist)
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("serialize topic metadata: %w", err)
	}
	if err := t.c.HSet(ctx, topicKey+scoped, "m", meta, "u_t", time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("set topic metadata %s: %w", scoped, err)
	}
	return nil
}

func (t *Topics) IncrementCounter(ctx context.Context, name, project string, n int64) (int64, error) {
	scoped := persistence.ScopeName(project, name)
	exists, err := t.c.Exists(ctx, topicKey+scoped).Result()
	if err != nil {
		return 0, fmt.Errorf("check topic %s: %w", scoped, err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("topic %s: %w", scoped, persistence.ErrTopicDoesNotExist)
	}

	v, err := t.c.HIncrBy(ctx, topicKey+scoped, "c", n).Result()
	if err != nil {
		return 0, fmt.Errorf("increment topic counter %s: %w", scoped, err)
	}
	return v, nil
}
