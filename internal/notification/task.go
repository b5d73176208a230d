package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/notiq/notiq/internal/config"
	"github.com/notiq/notiq/internal/persistence"
)

// TaskContext carries the collaborators a delivery task needs: the storage
// controllers, the tenant project the publish ran under, the publishing
// client id, and the daemon configuration.
type TaskContext struct {
	Messages persistence.MessageController
	Queues   persistence.QueueController
	Monitors persistence.MonitorController
	Project  string
	ClientID string
	Config   config.Config
	Log      zerolog.Logger
}

// Task renders a message batch to one subscriber and reports the outcome.
// The batch is all-or-nothing per attempt: any failure fails the whole call
// and the retry engine re-attempts every message. A successful Execute emits
// its own success monitor updates; failure accounting belongs to the caller.
type Task interface {
	Execute(ctx context.Context, tc TaskContext, sub persistence.Subscription, messages []persistence.Message) error
}
