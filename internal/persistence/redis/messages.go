package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/notiq/notiq/internal/persistence"
)

// Messages implements persistence.MessageController. Each message lives in
// its own hash expiring with the message TTL; visibility is tracked by two
// sorted sets per queue: pending (score = ready-at time, deferred by the
// delay) and claimed (score = claim expiry).
type Messages struct {
	c *redis.Client
}

func (m *Messages) Post(ctx context.Context, queue, project string, messages []persistence.Message, clientID string) ([]string, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	scoped := persistence.ScopeName(project, queue)
	now := time.Now().Unix()
	ids := make([]string, 0, len(messages))

	pipe := m.c.TxPipeline()
	for _, msg := range messages {
		body, err := json.Marshal(msg.Body)
		if err != nil {
			return nil, fmt.Errorf("serialize message body: %w", err)
		}

		id := uuid.NewString()
		key := messageKey(scoped, id)
		pipe.HSet(ctx, key, map[string]interface{}{
			"b": body,
			"t": msg.TTL,
			"d": msg.Delay,
			"c": now,
			"u": clientID,
		})
		pipe.Expire(ctx, key, time.Duration(msg.TTL+msg.Delay)*time.Second)
		pipe.ZAdd(ctx, pendingKey+scoped, redis.Z{
			Score:  float64(now + int64(msg.Delay)),
			Member: id,
		})
		ids = append(ids, id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("post %d messages to %s: %w", len(messages), scoped, err)
	}
	return ids, nil
}

func (m *Messages) ConsumeDelete(ctx context.Context, queue, project, handle string) error {
	scoped := persistence.ScopeName(project, queue)
	cid, mid, err := splitHandle(handle)
	if err != nil {
		return err
	}

	claim := claimSetKey(scoped, cid)
	exists, err := m.c.Exists(ctx, claim).Result()
	if err != nil {
		return fmt.Errorf("check claim %s: %w", cid, err)
	}
	if exists == 0 {
		return fmt.Errorf("claim %s: %w", cid, persistence.ErrMessageClaimedExpired)
	}

	member, err := m.c.SIsMember(ctx, claim, mid).Result()
	if err != nil {
		return fmt.Errorf("check handle %s: %w", handle, err)
	}
	if !member {
		return fmt.Errorf("handle %s: %w", handle, persistence.ErrMessageHandleInvalid)
	}

	pipe := m.c.TxPipeline()
	pipe.SRem(ctx, claim, mid)
	pipe.ZRem(ctx, claimedKey+scoped, mid)
	pipe.ZRem(ctx, pendingKey+scoped, mid)
	pipe.Del(ctx, messageKey(scoped, mid))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("consume delete %s: %w", handle, err)
	}
	return nil
}

func (m *Messages) BulkConsumeDelete(ctx context.Context, queue, project string, consumeIDs []string) ([]string, error) {
	deleted := make([]string, 0, len(consumeIDs))
	for _, handle := range consumeIDs {
		err := m.ConsumeDelete(ctx, queue, project, handle)
		if errors.Is(err, persistence.ErrMessageClaimedExpired) ||
			errors.Is(err, persistence.ErrMessageHandleInvalid) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = append(deleted, handle)
	}
	return deleted, nil
}

func (m *Messages) Count(ctx context.Context, queue, project string) (int64, error) {
	scoped := persistence.ScopeName(project, queue)
	now := strconv.FormatInt(time.Now().Unix(), 10)

	// Due pending messages plus claimed messages whose claim has lapsed;
	// both are consumable right now.
	due, err := m.c.ZCount(ctx, pendingKey+scoped, "-inf", now).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending %s: %w", scoped, err)
	}
	lapsed, err := m.c.ZCount(ctx, claimedKey+scoped, "-inf", now).Result()
	if err != nil {
		return 0, fmt.Errorf("count lapsed claims %s: %w", scoped, err)
	}
	return due + lapsed, nil
}

func (m *Messages) ClaimedCount(ctx context.Context, queue, project string) (int64, error) {
	scoped := persistence.ScopeName(project, queue)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	n, err := m.c.ZCount(ctx, claimedKey+scoped, "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count claimed %s: %w", scoped, err)
	}
	return n, nil
}

func (m *Messages) DelayedCount(ctx context.Context, queue, project string) (int64, error) {
	scoped := persistence.ScopeName(project, queue)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	n, err := m.c.ZCount(ctx, pendingKey+scoped, "("+now, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count delayed %s: %w", scoped, err)
	}
	return n, nil
}

// load reads a stored message, returning ok=false when it has expired.
func (m *Messages) load(ctx context.Context, scoped, id string) (persistence.Message, bool, error) {
	fields, err := m.c.HGetAll(ctx, messageKey(scoped, id)).Result()
	if err != nil {
		return persistence.Message{}, false, fmt.Errorf("load message %s: %w", id, err)
	}
	if len(fields) == 0 {
		return persistence.Message{}, false, nil
	}

	var body interface{}
	if err := json.Unmarshal([]byte(fields["b"]), &body); err != nil {
		return persistence.Message{}, false, fmt.Errorf("decode message %s: %w", id, err)
	}

	ttl, _ := strconv.Atoi(fields["t"])
	delay, _ := strconv.Atoi(fields["d"])
	created, _ := strconv.ParseInt(fields["c"], 10, 64)

	return persistence.Message{
		ID:    id,
		TTL:   ttl,
		Delay: delay,
		Body:  body,
		Age:   int(time.Now().Unix() - created),
	}, true, nil
}

func messageKey(scoped, id string) string {
	return msgKey + scoped + "." + id
}

func claimSetKey(scoped, cid string) string {
	return claimKey + scoped + "." + cid
}

// splitHandle parses a consume handle of the form "claimID.messageID".
func splitHandle(handle string) (cid, mid string, err error) {
	parts := strings.SplitN(handle, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("handle %q: %w", handle, persistence.ErrMessageHandleInvalid)
	}
	return parts[0], parts[1], nil
}
