package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// Message represents a single message: an opaque body plus the delivery
// envelope. QueueName is injected at delivery time; ConsumeID is set only on
// messages served through the consume path.
type Message struct {
	ID        string      `json:"id,omitempty"`
	TTL       int         `json:"ttl"`
	Delay     int         `json:"delay,omitempty"`
	Body      interface{} `json:"body"`
	QueueName string      `json:"queue_name,omitempty"`
	Age       int         `json:"age,omitempty"`
	ConsumeID string      `json:"consume_id,omitempty"`
}

// ByteSize returns the accounting size of the message: the byte length of
// its JSON-serialized body.
func (m Message) ByteSize() int64 {
	b, err := json.Marshal(m.Body)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// BatchBytes sums the accounting sizes of a message batch.
func BatchBytes(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += m.ByteSize()
	}
	return total
}

// Queue represents a named queue and its metadata.
type Queue struct {
	Name     string                 `json:"name"`
	Project  string                 `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Topic represents a fan-out endpoint. Metadata keys prefixed with "_" are
// reserved: always present, defaulted from configuration, and never removable.
type Topic struct {
	Name      string                 `json:"name"`
	Project   string                 `json:"-"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Counter   int64                  `json:"counter,omitempty"`
	CreatedAt time.Time              `json:"created_at,omitempty"`
	UpdatedAt time.Time              `json:"updated_at,omitempty"`
}

// Subscription binds a topic to a subscriber URI. Source is the owning topic
// name; TTL is the lifetime in seconds after which the record is reaped.
type Subscription struct {
	ID         string                 `json:"id"`
	Source     string                 `json:"source"`
	Project    string                 `json:"-"`
	Subscriber string                 `json:"subscriber"`
	TTL        int                    `json:"ttl"`
	Options    map[string]interface{} `json:"options,omitempty"`
	Age        int                    `json:"age,omitempty"`
}

// PushPolicy returns the subscription's retry policy name, or "" when unset.
func (s Subscription) PushPolicy() string {
	if v, ok := s.Options["push_policy"].(string); ok {
		return v
	}
	return ""
}

// ClaimMetadata carries the parameters of a claim to be created.
type ClaimMetadata struct {
	TTL   int `json:"ttl"`
	Grace int `json:"grace"`
}

// QueueController provides queue records and their metadata.
type QueueController interface {
	// Create creates the queue, overwriting nothing if it already exists.
	Create(ctx context.Context, name, project string, metadata map[string]interface{}) error

	// GetMetadata returns the queue metadata, ErrQueueDoesNotExist on a miss.
	GetMetadata(ctx context.Context, name, project string) (map[string]interface{}, error)

	// Delete removes the queue record; deleting an absent queue is not an error.
	Delete(ctx context.Context, name, project string) error

	// List pages queues of a project ordered by name, returning the next marker.
	List(ctx context.Context, project, marker string, limit int) ([]Queue, string, error)
}

// MessageController provides message storage for queues.
type MessageController interface {
	// Post stores a batch of messages and returns their ids in order.
	Post(ctx context.Context, queue, project string, messages []Message, clientID string) ([]string, error)

	// ConsumeDelete deletes a single claimed message by its consume handle.
	ConsumeDelete(ctx context.Context, queue, project, handle string) error

	// BulkConsumeDelete deletes claimed messages by handle set, returning the deleted ids.
	BulkConsumeDelete(ctx context.Context, queue, project string, consumeIDs []string) ([]string, error)

	// Count returns the number of active (unclaimed, undelayed) messages.
	Count(ctx context.Context, queue, project string) (int64, error)

	// ClaimedCount returns the number of currently claimed messages.
	ClaimedCount(ctx context.Context, queue, project string) (int64, error)

	// DelayedCount returns the number of messages still inside their delay window.
	DelayedCount(ctx context.Context, queue, project string) (int64, error)
}

// QueueStatsSource is the slice of MessageController needed to join live
// queue counts into monitor reads.
type QueueStatsSource interface {
	Count(ctx context.Context, queue, project string) (int64, error)
	ClaimedCount(ctx context.Context, queue, project string) (int64, error)
	DelayedCount(ctx context.Context, queue, project string) (int64, error)
}

// ClaimController creates time-bounded leases over queue messages.
type ClaimController interface {
	// Create claims up to limit messages, returning the claim id and the
	// claimed messages with consume handles attached.
	Create(ctx context.Context, queue, project string, meta ClaimMetadata, limit int) (string, []Message, error)
}

// TopicController provides topic records, metadata, and the per-topic
// message counter.
type TopicController interface {
	// Create creates the topic, ErrTopicAlreadyExist on a duplicate name.
	Create(ctx context.Context, name, project string, metadata map[string]interface{}) error

	// Get returns the topic with metadata, ErrTopicDoesNotExist on a miss.
	Get(ctx context.Context, name, project string) (*Topic, error)

	// Delete removes the topic and its subscriptions; absent topics are not an error.
	Delete(ctx context.Context, name, project string) error

	// List pages topics of a project ordered by name, returning the next marker.
	List(ctx context.Context, project, marker string, limit int) ([]Topic, string, error)

	// SetMetadata replaces the topic metadata and bumps the updated timestamp.
	SetMetadata(ctx context.Context, name, project string, metadata map[string]interface{}) error

	// IncrementCounter advances the monotonic message counter by n and
	// returns the new value.
	IncrementCounter(ctx context.Context, name, project string, n int64) (int64, error)
}

// SubscriptionController provides subscription records owned by topics.
type SubscriptionController interface {
	// Create registers a subscriber on a topic and returns the new id.
	// One subscription per (topic, subscriber): duplicates return
	// ErrSubscriptionAlreadyExist.
	Create(ctx context.Context, project, topic, subscriber string, ttl int, options map[string]interface{}) (string, error)

	// Get returns one subscription, ErrSubscriptionDoesNotExist on a miss.
	Get(ctx context.Context, project, topic, id string) (*Subscription, error)

	// List pages subscriptions of a topic ordered by id, returning the next marker.
	List(ctx context.Context, project, topic, marker string, limit int) ([]Subscription, string, error)

	// ListAll returns every live subscription of a topic, for fan-out.
	ListAll(ctx context.Context, project, topic string) ([]Subscription, error)

	// Delete removes a subscription; absent ids are not an error.
	Delete(ctx context.Context, project, topic, id string) error
}

// MonitorController accumulates byte/count statistics per queue and topic.
type MonitorController interface {
	// Create creates a zero-initialized record, ErrMonitorAlreadyExist on a
	// duplicate key.
	Create(ctx context.Context, name, mtype, project string) error

	// Get returns the record normalized into long-form counter names; for
	// queue monitors the live queue counts are joined in.
	Get(ctx context.Context, name, mtype, project string) (MonitorStats, error)

	// List pages records with key greater than the marker in ascending key
	// order, returning the next marker.
	List(ctx context.Context, opts MonitorListOptions) ([]MonitorStats, string, error)

	// Update applies the additive counter deltas for a message batch. A
	// missing record is created zero-initialized and the update retried once.
	Update(ctx context.Context, messages []Message, name, project string, countType CountType, success bool) error
}

// Store aggregates all storage controllers.
type Store struct {
	Queues        QueueController
	Messages      MessageController
	Claims        ClaimController
	Topics        TopicController
	Subscriptions SubscriptionController
	Monitors      MonitorController
}
