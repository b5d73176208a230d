package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/notiq/notiq/internal/persistence"
)

// Subscriptions implements persistence.SubscriptionController. Each record
// is a hash expiring with the subscription TTL; a per-topic sorted set keeps
// id order for paging and a subscriber hash enforces one subscription per
// (topic, subscriber). Index entries for expired records are reaped lazily.
type Subscriptions struct {
	c *redis.Client
}

func (s *Subscriptions) Create(ctx context.Context, project, topic, subscriber string, ttl int, options map[string]interface{}) (string, error) {
	scoped := persistence.ScopeName(project, topic)
	id := uuid.NewString()

	claimed, err := s.c.HSetNX(ctx, subByURI+scoped, subscriber, id).Result()
	if err != nil {
		return "", fmt.Errorf("reserve subscriber on %s: %w", scoped, err)
	}
	if !claimed {
		// The slot may belong to an expired record; steal it only then.
		prev, err := s.c.HGet(ctx, subByURI+scoped, subscriber).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("inspect subscriber slot on %s: %w", scoped, err)
		}
		if prev != "" {
			alive, err := s.c.Exists(ctx, subRecordKey(scoped, prev)).Result()
			if err != nil {
				return "", fmt.Errorf("inspect subscription %s: %w", prev, err)
			}
			if alive > 0 {
				return "", fmt.Errorf("subscriber %s on %s: %w", subscriber, scoped, persistence.ErrSubscriptionAlreadyExist)
			}
			s.c.ZRem(ctx, subIdx+scoped, prev)
		}
		if err := s.c.HSet(ctx, subByURI+scoped, subscriber, id).Err(); err != nil {
			return "", fmt.Errorf("reserve subscriber on %s: %w", scoped, err)
		}
	}

	if options == nil {
		options = map[string]interface{}{}
	}
	opts, err := json.Marshal(options)
	if err != nil {
		return "", fmt.Errorf("serialize subscription options: %w", err)
	}

	pipe := s.c.TxPipeline()
	pipe.HSet(ctx, subRecordKey(scoped, id), map[string]interface{}{
		"s":   subscriber,
		"o":   opts,
		"t":   ttl,
		"c_t": time.Now().Unix(),
	})
	pipe.Expire(ctx, subRecordKey(scoped, id), time.Duration(ttl)*time.Second)
	pipe.ZAdd(ctx, subIdx+scoped, redis.Z{Score: 0, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create subscription on %s: %w", scoped, err)
	}
	return id, nil
}

func (s *Subscriptions) Get(ctx context.Context, project, topic, id string) (*persistence.Subscription, error) {
	scoped := persistence.ScopeName(project, topic)
	fields, err := s.c.HGetAll(ctx, subRecordKey(scoped, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("subscription %s: %w", id, persistence.ErrSubscriptionDoesNotExist)
	}
	return decodeSubscription(id, topic, project, fields)
}

func (s *Subscriptions) List(ctx context.Context, project, topic, marker string, limit int) ([]persistence.Subscription, string, error) {
	scoped := persistence.ScopeName(project, topic)
	ids, err := pageIndex(ctx, s.c, subIdx+scoped, marker, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list subscriptions %s: %w", scoped, err)
	}

	subs, err := s.collect(ctx, project, topic, scoped, ids)
	if err != nil {
		return nil, "", err
	}
	return subs, nextMarker(ids, limit), nil
}

func (s *Subscriptions) ListAll(ctx context.Context, project, topic string) ([]persistence.Subscription, error) {
	scoped := persistence.ScopeName(project, topic)
	ids, err := s.c.ZRange(ctx, subIdx+scoped, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions %s: %w", scoped, err)
	}
	return s.collect(ctx, project, topic, scoped, ids)
}

func (s *Subscriptions) Delete(ctx context.Context, project, topic, id string) error {
	scoped := persistence.ScopeName(project, topic)

	subscriber, err := s.c.HGet(ctx, subRecordKey(scoped, id), "s").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get subscription %s: %w", id, err)
	}

	pipe := s.c.TxPipeline()
	pipe.Del(ctx, subRecordKey(scoped, id))
	pipe.ZRem(ctx, subIdx+scoped, id)
	if subscriber != "" {
		pipe.HDel(ctx, subByURI+scoped, subscriber)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// collect loads records by id, reaping index entries whose record expired.
func (s *Subscriptions) collect(ctx context.Context, project, topic, scoped string, ids []string) ([]persistence.Subscription, error) {
	subs := make([]persistence.Subscription, 0, len(ids))
	for _, id := range ids {
		fields, err := s.c.HGetAll(ctx, subRecordKey(scoped, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("get subscription %s: %w", id, err)
		}
		if len(fields) == 0 {
			s.c.ZRem(ctx, subIdx+scoped, id)
			continue
		}
		sub, err := decodeSubscription(id, topic, project, fields)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, nil
}

func decodeSubscription(id, topic, project string, fields map[string]string) (*persistence.Subscription, error) {
	var options map[string]interface{}
	if err := json.Unmarshal([]byte(fields["o"]), &options); err != nil {
		return nil, fmt.Errorf("decode subscription options %s: %w", id, err)
	}
	ttl, _ := strconv.Atoi(fields["t"])
	created, _ := strconv.ParseInt(fields["c_t"], 10, 64)

	return &persistence.Subscription{
		ID:         id,
		Source:     topic,
		Project:    project,
		Subscriber: fields["s"],
		TTL:        ttl,
		Options:    options,
		Age:        int(time.Now().Unix() - created),
	}, nil
}

func subRecordKey(scoped, id string) string {
	return subKey + scoped + "." + id
}

// isDoesNotExist reports whether err wraps any of the not-found sentinels.
func isDoesNotExist(err error) bool {
	return errors.Is(err, persistence.ErrQueueDoesNotExist) ||
		errors.Is(err, persistence.ErrTopicDoesNotExist) ||
		errors.Is(err, persistence.ErrSubscriptionDoesNotExist) ||
		errors.Is(err, persistence.ErrMonitorDoesNotExist)
}
