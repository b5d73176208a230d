package persistence

import "errors"

// Storage errors surfaced by the controllers. Handlers map these to HTTP
// status codes at the boundary; everything else is a storage fault.
var (
	ErrQueueDoesNotExist        = errors.New("queue does not exist")
	ErrTopicDoesNotExist        = errors.New("topic does not exist")
	ErrTopicAlreadyExist        = errors.New("topic already exists")
	ErrMonitorDoesNotExist      = errors.New("monitor does not exist")
	ErrMonitorAlreadyExist      = errors.New("monitor already exists")
	ErrSubscriptionDoesNotExist = errors.New("subscription does not exist")
	ErrSubscriptionAlreadyExist = errors.New("subscription already exists")

	// ErrMessageClaimedExpired reports a consume handle whose claim has
	// lapsed; ErrMessageHandleInvalid a handle that never referred to a
	// claimed message.
	ErrMessageClaimedExpired = errors.New("message claim expired")
	ErrMessageHandleInvalid  = errors.New("invalid message handle")
)
