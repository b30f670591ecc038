package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

// Forever makes Receive block until a message arrives or ctx is done.
const Forever time.Duration = -1

// Callback is invoked synchronously for every sent message matching a
// subscription filter.
type Callback func(msg *messaging.Message)

// Channel is a transport with its own delivery and storage semantics.
// Implementations are safe for concurrent use; Send never blocks.
type Channel interface {
	Kind() messaging.ChannelKind
	ID() string

	// Send stores msg for its recipient(s) and notifies matching
	// subscribers. It reports false when the message cannot be delivered.
	Send(msg *messaging.Message) bool

	// Receive returns the next message for recipientID, waiting up to
	// timeout. A zero timeout checks once; Forever waits until ctx is done.
	Receive(ctx context.Context, recipientID string, timeout time.Duration) *messaging.Message

	Subscribe(subscriberID string, filter messaging.Filter, callback Callback) string
	Unsubscribe(subscriptionID string) bool

	// GetPending consumes up to max queued messages for recipientID in
	// delivery order. max <= 0 returns all of them.
	GetPending(recipientID string, max int) []*messaging.Message

	Info() Info

	// Changed returns a channel closed on the next enqueue.
	Changed() <-chan struct{}
}

// Info is a point-in-time snapshot of a channel.
type Info struct {
	ID            string                `json:"id"`
	Kind          messaging.ChannelKind `json:"kind"`
	Subscriptions int                   `json:"subscriptions"`
	Recipients    int                   `json:"recipients"`
	Pending       int                   `json:"pending"`
	Details       map[string]any        `json:"details,omitempty"`
}

// Event types emitted by channels.
const (
	EventMessageQueued  observability.EventType = "channel.message.queued"
	EventSendRejected   observability.EventType = "channel.send.rejected"
	EventCallbackPanic  observability.EventType = "channel.callback.panic"
	EventGroupCreated   observability.EventType = "channel.group.created"
	EventGroupDeleted   observability.EventType = "channel.group.deleted"
	EventBlobStored     observability.EventType = "channel.blob.stored"
	EventBlobOffloaded  observability.EventType = "channel.blob.offloaded"
	EventBlobUnresolved observability.EventType = "channel.blob.unresolved"
)

type Option func(*options)

type options struct {
	id       string
	kind     messaging.ChannelKind
	logger   *slog.Logger
	observer observability.Observer
}

// WithKind overrides the kind a channel reports to the middleware.
func WithKind(kind messaging.ChannelKind) Option {
	return func(o *options) { o.kind = kind }
}

func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithObserver(observer observability.Observer) Option {
	return func(o *options) { o.observer = observer }
}

func buildOptions(kind messaging.ChannelKind, logger *slog.Logger, opts []Option) options {
	o := options{kind: kind, logger: logger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = string(o.kind) + "-" + messaging.NewID()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// await checks try once, then blocks on the channel signal, the timer and
// ctx until try yields a message. The signal is captured before each check
// so an enqueue between the check and the wait is never missed.
func await(ctx context.Context, timeout time.Duration, changed func() <-chan struct{}, try func() *messaging.Message) *messaging.Message {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout == 0 {
		return try()
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		wake := changed()
		if msg := try(); msg != nil {
			return msg
		}
		select {
		case <-wake:
		case <-expired:
			return try()
		case <-ctx.Done():
			return nil
		}
	}
}
