package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/notiq/notiq/internal/persistence"
)

// Claims implements persistence.ClaimController. A claim moves message ids
// from the pending to the claimed sorted set and records its membership in a
// set expiring with the claim TTL; expired claims are promoted back to
// pending lazily on the next claim against the queue.
type Claims struct {
	c *redis.Client
}

func (cl *Claims) Create(ctx context.Context, queue, project string, meta persistence.ClaimMetadata, limit int) (string, []persistence.Message, error) {
	scoped := persistence.ScopeName(project, queue)
	now := time.Now().Unix()

	if err := cl.promoteLapsed(ctx, scoped, now); err != nil {
		return "", nil, err
	}

	due, err := cl.c.ZRangeByScore(ctx, pendingKey+scoped, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now, 10),
		Offset: 0,
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return "", nil, fmt.Errorf("range pending %s: %w", scoped, err)
	}
	if len(due) == 0 {
		return "", nil, nil
	}

	ttl := meta.TTL
	if ttl < 1 {
		ttl = 1
	}
	cid := uuid.NewString()
	expiry := float64(now + int64(ttl) + int64(meta.Grace))
	claim := claimSetKey(scoped, cid)

	pipe := cl.c.TxPipeline()
	for _, id := range due {
		pipe.ZRem(ctx, pendingKey+scoped, id)
		pipe.ZAdd(ctx, claimedKey+scoped, redis.Z{Score: expiry, Member: id})
		pipe.SAdd(ctx, claim, id)
	}
	pipe.Expire(ctx, claim, time.Duration(ttl+meta.Grace)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, fmt.Errorf("claim %d messages on %s: %w", len(due), scoped, err)
	}

	messages := make([]persistence.Message, 0, len(due))
	msgs := &Messages{c: cl.c}
	for _, id := range due {
		msg, ok, err := msgs.load(ctx, scoped, id)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			// Body expired between the pop and the load; drop the husk.
			cl.c.ZRem(ctx, claimedKey+scoped, id)
			cl.c.SRem(ctx, claim, id)
			continue
		}
		msg.ConsumeID = cid + "." + id
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return "", nil, nil
	}
	return cid, messages, nil
}

// promoteLapsed returns messages of expired claims to the pending set.
func (cl *Claims) promoteLapsed(ctx context.Context, scoped string, now int64) error {
	lapsed, err := cl.c.ZRangeByScore(ctx, claimedKey+scoped, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("range lapsed claims %s: %w", scoped, err)
	}
	if len(lapsed) == 0 {
		return nil
	}

	pipe := cl.c.TxPipeline()
	for _, id := range lapsed {
		pipe.ZRem(ctx, claimedKey+scoped, id)
		pipe.ZAdd(ctx, pendingKey+scoped, redis.Z{Score: float64(now), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("promote %d lapsed messages on %s: %w", len(lapsed), scoped, err)
	}
	return nil
}
