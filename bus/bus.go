// Package bus composes the middleware, the built-in channels and both
// protocols into one message bus built from a single config.Config.
//
// New initializes every subsystem from its config section. Functional
// options apply cross-cutting overrides such as the logger and observer.
//
//	b, err := bus.New(cfg, bus.WithLogger(logger))
//	defer b.Shutdown(5 * time.Second)
//	b.Send(messaging.NewCommand("strategic-1", messaging.LevelStrategic, "tactical-1", content).Build())
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tailored-agentic-units/messagebus/channel"
	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/middleware"
	"github.com/tailored-agentic-units/messagebus/observability"
	"github.com/tailored-agentic-units/messagebus/pubsub"
	"github.com/tailored-agentic-units/messagebus/request"
)

// Option configures a Bus before its subsystems are created.
type Option func(*settings)

type settings struct {
	logger   *slog.Logger
	observer observability.Observer
	channels []channel.Channel
}

// WithLogger routes every subsystem's logs to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithObserver overrides the observer named in each config section.
func WithObserver(o observability.Observer) Option {
	return func(s *settings) { s.observer = o }
}

// WithChannel registers an extra channel alongside the built-in ones.
func WithChannel(ch channel.Channel) Option {
	return func(s *settings) { s.channels = append(s.channels, ch) }
}

// Bus owns one middleware, the priority, group and blob channels, and the
// request-response and publish-subscribe protocols.
type Bus struct {
	middleware *middleware.Middleware
	priority   *channel.PriorityChannel
	groups     *channel.GroupChannel
	blobs      *channel.BlobChannel
	requests   *request.Protocol
	topics     *pubsub.Protocol

	logger *slog.Logger
	events observability.Emitter
}

// New creates a Bus from configuration. Sections left at their zero value
// take defaults.
func New(cfg config.Config, opts ...Option) (*Bus, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	merged := config.DefaultConfig()
	merged.Merge(&cfg)
	if s.logger != nil {
		merged.SetLogger(s.logger)
	}

	observer := s.observer
	if observer == nil {
		observer = observability.NewRegistry(merged.Middleware.Logger).Resolve(merged.Middleware.Observer)
	}

	mw := middleware.New(merged.Middleware, middleware.WithObserver(observer))

	channelOpts := []channel.Option{
		channel.WithLogger(merged.Channels.Logger),
		channel.WithObserver(observer),
	}
	b := &Bus{
		middleware: mw,
		priority:   channel.NewPriorityChannel(channelOpts...),
		groups:     channel.NewGroupChannel(merged.Channels, channelOpts...),
		blobs:      channel.NewBlobChannel(merged.Channels, channelOpts...),
		logger:     merged.Middleware.Logger,
		events:     observability.NewEmitter("bus.Bus", observer),
	}

	builtin := []channel.Channel{b.priority, b.groups, b.blobs}
	seen := make(map[messaging.ChannelKind]bool, len(builtin)+len(s.channels))
	for _, ch := range append(builtin, s.channels...) {
		if ch == nil {
			return nil, errors.New("nil channel")
		}
		if seen[ch.Kind()] {
			return nil, fmt.Errorf("%s: %w", ch.Kind(), ErrDuplicateChannel)
		}
		seen[ch.Kind()] = true
		mw.RegisterChannel(ch)
	}

	// pubsub registers its own channel when none was supplied.
	b.requests = request.New(mw, merged.Request, request.WithObserver(observer))
	b.topics = pubsub.New(mw, merged.PubSub, pubsub.WithObserver(observer))

	b.logger.Info("message bus started",
		slog.String("name", mw.Name()),
		slog.Int("channels", len(mw.Channels())),
	)
	b.events.Emit(context.Background(), EventStarted, observability.LevelInfo, map[string]any{
		"name":     mw.Name(),
		"channels": len(mw.Channels()),
	})

	return b, nil
}

func (b *Bus) Middleware() *middleware.Middleware { return b.middleware }
func (b *Bus) Priority() *channel.PriorityChannel { return b.priority }
func (b *Bus) Groups() *channel.GroupChannel      { return b.groups }
func (b *Bus) Blobs() *channel.BlobChannel        { return b.blobs }
func (b *Bus) Requests() *request.Protocol        { return b.requests }
func (b *Bus) Topics() *pubsub.Protocol           { return b.topics }

// Send routes msg through the middleware.
func (b *Bus) Send(msg *messaging.Message) bool {
	return b.middleware.Send(msg)
}

// Receive waits for a message for recipientID on the channel of the given
// kind, or on every channel when kind is empty.
func (b *Bus) Receive(ctx context.Context, recipientID string, kind messaging.ChannelKind, timeout time.Duration) *messaging.Message {
	return b.middleware.Receive(ctx, recipientID, kind, timeout)
}

func (b *Bus) GetPending(recipientID string, kind messaging.ChannelKind, max int) []*messaging.Message {
	return b.middleware.GetPending(recipientID, kind, max)
}

func (b *Bus) RegisterChannel(ch channel.Channel) {
	b.middleware.RegisterChannel(ch)
}

func (b *Bus) RegisterHandler(kind messaging.Kind, handler middleware.Handler) {
	b.middleware.RegisterHandler(kind, handler)
}

func (b *Bus) RegisterGlobalHandler(handler middleware.Handler) {
	b.middleware.RegisterGlobalHandler(handler)
}

func (b *Bus) SendRequest(ctx context.Context, params request.Params) (*messaging.Message, error) {
	return b.requests.SendRequest(ctx, params)
}

func (b *Bus) SendRequestAsync(ctx context.Context, params request.Params) (*request.Waiter, error) {
	return b.requests.SendRequestAsync(ctx, params)
}

func (b *Bus) SendResponse(req *messaging.Message, sender string, level messaging.Level, content map[string]any) (*messaging.Message, bool) {
	return b.requests.SendResponse(req, sender, level, content)
}

func (b *Bus) Publish(topicID, sender string, level messaging.Level, content map[string]any, priority messaging.Priority, opts ...pubsub.PublishOption) []string {
	return b.topics.Publish(topicID, sender, level, content, priority, opts...)
}

func (b *Bus) Subscribe(topicID, subscriberID string, callback channel.Callback, filter messaging.Filter) string {
	return b.topics.Subscribe(topicID, subscriberID, callback, filter)
}

func (b *Bus) Unsubscribe(topicID, subscriptionID string) bool {
	return b.topics.Unsubscribe(topicID, subscriptionID)
}

func (b *Bus) GetStatistics() middleware.Statistics {
	return b.middleware.GetStatistics()
}

// Shutdown stops both protocols, giving each at most timeout. Pending
// requests resolve with messaging.ErrProtocolShutdown.
func (b *Bus) Shutdown(timeout time.Duration) error {
	err := errors.Join(
		b.requests.Shutdown(timeout),
		b.topics.Shutdown(timeout),
	)

	if err != nil {
		b.logger.Warn("message bus shutdown incomplete", slog.String("error", err.Error()))
	} else {
		b.logger.Info("message bus stopped", slog.String("name", b.middleware.Name()))
	}
	b.events.Emit(context.Background(), EventShutdown, observability.LevelInfo, map[string]any{
		"name":  b.middleware.Name(),
		"clean": err == nil,
	})
	return err
}
