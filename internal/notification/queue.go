package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/notiq/notiq/internal/persistence"
)

// QueueTask re-injects a message batch into a queue named by a
// queue://project/name subscriber URI. The dispatching project stays
// authoritative; the URI's project segment is not trusted across tenants.
type QueueTask struct{}

// NewQueueTask builds the task; it carries no state of its own.
func NewQueueTask() *QueueTask {
	return &QueueTask{}
}

func (t *QueueTask) Execute(ctx context.Context, tc TaskContext, sub persistence.Subscription, messages []persistence.Message) error {
	queue := targetQueue(sub.Subscriber)
	if queue == "" {
		return fmt.Errorf("subscriber %q names no queue", sub.Subscriber)
	}

	metadata, err := tc.Queues.GetMetadata(ctx, queue, tc.Project)
	if errors.Is(err, persistence.ErrQueueDoesNotExist) {
		if err := tc.Queues.Create(ctx, queue, tc.Project, nil); err != nil {
			return fmt.Errorf("create queue %s: %w", queue, err)
		}
		metadata = map[string]interface{}{}
	} else if err != nil {
		// A fault here aborts the task so exhaustion lands in the failure
		// counters instead of posting messages with undefined envelopes.
		return fmt.Errorf("queue %s metadata: %w", queue, err)
	}

	ttl := metadataInt(metadata, "_default_message_ttl", tc.Config.Defaults.MessageTTL)
	delay := metadataInt(metadata, "delay_ttl", tc.Config.Defaults.DelayTTL)

	stamped := make([]persistence.Message, len(messages))
	for i, msg := range messages {
		msg.TTL = ttl
		msg.Delay = delay
		msg.QueueName = queue
		stamped[i] = msg
	}

	if _, err := tc.Messages.Post(ctx, queue, tc.Project, stamped, tc.ClientID); err != nil {
		return fmt.Errorf("post %d messages to %s: %w", len(stamped), queue, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tc.Monitors.Update(ctx, messages, sub.Source, tc.Project, persistence.SubscribeMessages, true); err != nil {
		tc.Log.Error().Err(err).Str("topic", sub.Source).Msg("Queue task success monitor update failed")
	}
	if err := tc.Monitors.Update(ctx, stamped, queue, tc.Project, persistence.SendMessages, false); err != nil {
		tc.Log.Error().Err(err).Str("queue", queue).Msg("Queue task send monitor update failed")
	}
	return nil
}

// targetQueue extracts the queue name from a queue://project/name URI: the
// last path segment after the scheme.
func targetQueue(subscriber string) string {
	rest := strings.TrimPrefix(subscriber, "queue://")
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		rest = rest[i+1:]
	}
	return rest
}

// metadataInt reads a numeric metadata value, tolerating the float64 shape
// JSON decoding produces.
func metadataInt(metadata map[string]interface{}, key string, fallback int) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

var _ Task = (*QueueTask)(nil)
