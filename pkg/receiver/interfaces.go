package receiver

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-subreceiver/pkg/types"
)

// ====================================================================================
// This file defines the contracts between the SubscriptionReceiver and the broker it
// talks to, plus the handler type consumers register to be notified of messages.
// ====================================================================================

var (
	// ErrAlreadyRunning is returned by Start when the receive loop is active.
	ErrAlreadyRunning = errors.New("receiver is already running")
	// ErrNotRunning is returned by Stop when there is no receive loop to stop.
	ErrNotRunning = errors.New("receiver is not running")
	// ErrStopping is returned by Start while a stopped loop has not exited yet.
	ErrStopping = errors.New("receiver is still stopping")
	// ErrClosed is returned by Start once the receiver has been closed.
	ErrClosed = errors.New("receiver is closed")
	// ErrAlreadyExists is wrapped by a Provisioner when a topic or
	// subscription is already present on the broker.
	ErrAlreadyExists = errors.New("entity already exists")
)

// Poller fetches messages from a subscription one at a time.
type Poller interface {
	// Poll blocks until a message is available or the poller's own timeout
	// elapses. An empty poll returns (nil, nil).
	Poll(ctx context.Context) (*types.ReceivedMessage, error)
	// Close releases the underlying broker connection.
	Close() error
}

// Provisioner creates broker entities. Implementations report an entity that
// is already present by wrapping ErrAlreadyExists or returning a gRPC
// AlreadyExists status.
type Provisioner interface {
	EnsureTopic(ctx context.Context, topicID string, settings TopicSettings) error
	EnsureSubscription(ctx context.Context, topicID, subscriptionID string, settings SubscriptionSettings) error
}

// Handler is notified of each message. Handlers run sequentially on the
// receive loop's goroutine. A non-nil error causes the message to be nacked.
type Handler func(ctx context.Context, msg *types.ReceivedMessage) error
