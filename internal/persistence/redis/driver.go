package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/persistence"
)

// Key prefixes. Queue, topic, and subscription keys append the tenant-scoped
// name; index sets keep lexicographic member order for marker pagination.
const (
	queueKey   = "queues."
	queueIdx   = "queues.idx."
	msgKey     = "messages."
	pendingKey = "pending."
	claimedKey = "claimed."
	claimKey   = "claims."
	topicKey   = "topics."
	topicIdx   = "topics.idx."
	subKey     = "subscriptions."
	subIdx     = "subscriptions.idx."
	subByURI   = "subscriptions.uri."
	monitorKey = "monitors."
	monitorIdx = "monitors.idx"
)

// Driver owns the redis client and hands out the storage controllers backed
// by it. All controllers share the one connection pool.
type Driver struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewDriver connects to redis using the documented driver options. The
// reconnect settings map onto client-side retries with a fixed backoff.
func NewDriver(cfg config.RedisConfig, logger zerolog.Logger) (*Driver, error) {
	opts, err := redis.ParseURL(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri: %w", err)
	}

	opts.MaxRetries = cfg.MaxReconnectAttempts
	opts.MinRetryBackoff = cfg.ReconnectSleepDuration()
	opts.MaxRetryBackoff = cfg.ReconnectSleepDuration()

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to redis storage")

	return &Driver{client: client, log: logger}, nil
}

// NewDriverWithClient wraps an already-connected client. Tests use this to
// point the driver at an in-process redis.
func NewDriverWithClient(client *redis.Client, logger zerolog.Logger) *Driver {
	return &Driver{client: client, log: logger}
}

// Store returns the full controller set backed by this driver.
func (d *Driver) Store() persistence.Store {
	messages := &Messages{c: d.client}
	return persistence.Store{
		Queues:        &Queues{c: d.client},
		Messages:      messages,
		Claims:        &Claims{c: d.client},
		Topics:        &Topics{c: d.client},
		Subscriptions: &Subscriptions{c: d.client},
		Monitors:      &Monitors{c: d.client, messages: messages},
	}
}

// Ping reports storage liveness.
func (d *Driver) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (d *Driver) Close() error {
	return d.client.Close()
}
