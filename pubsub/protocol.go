package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tailored-agentic-units/messagebus/channel"
	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

// Event types emitted by the protocol.
const (
	EventTopicCreated  observability.EventType = "pubsub.topic.created"
	EventTopicDeleted  observability.EventType = "pubsub.topic.deleted"
	EventSubscribed    observability.EventType = "pubsub.subscribed"
	EventPublished     observability.EventType = "pubsub.published"
	EventCallbackPanic observability.EventType = "pubsub.callback.panic"
	EventHistoryPruned observability.EventType = "pubsub.history.pruned"
	EventCleanupPanic  observability.EventType = "pubsub.cleanup.panic"
)

// Content keys of forwarded subscription messages.
const (
	ContentTopic          = "topic"
	ContentSubscriptionID = "subscriptionId"
)

// Router is the part of the middleware the protocol depends on.
type Router interface {
	Send(msg *messaging.Message) bool
	GetChannel(kind messaging.ChannelKind) (channel.Channel, bool)
	RegisterChannel(ch channel.Channel)
}

type Option func(*Protocol)

func WithObserver(observer observability.Observer) Option {
	return func(p *Protocol) {
		if observer != nil {
			p.events = observability.NewEmitter("pubsub.Protocol", observer)
		}
	}
}

// Protocol manages topics, filtered subscriptions and bounded publication
// history. Publications are delivered synchronously to matching subscriber
// callbacks and then forwarded through the router.
type Protocol struct {
	router Router
	cfg    config.PubSubConfig
	logger *slog.Logger
	events observability.Emitter

	mutex  sync.RWMutex
	topics map[string]*topic

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the protocol and its cleanup loop. When the router has no
// pubsub channel a priority channel is registered under that kind.
func New(router Router, cfg config.PubSubConfig, opts ...Option) *Protocol {
	defaults := config.DefaultPubSubConfig()
	defaults.Merge(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		router: router,
		cfg:    defaults,
		logger: defaults.Logger,
		topics: make(map[string]*topic),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.events = observability.NewEmitter(
		"pubsub.Protocol",
		observability.NewRegistry(p.logger).Resolve(defaults.Observer),
	)
	for _, opt := range opts {
		opt(p)
	}

	if _, exists := router.GetChannel(messaging.ChannelPubSub); !exists {
		router.RegisterChannel(channel.NewPriorityChannel(
			channel.WithKind(messaging.ChannelPubSub),
			channel.WithLogger(p.logger),
		))
	}

	go p.cleanup()

	return p
}

// CreateTopic registers a topic and returns its snapshot. Creating an
// existing topic returns it unchanged. A zero ttl uses the configured
// default.
func (p *Protocol) CreateTopic(id, description string, ttl time.Duration) *Topic {
	p.mutex.Lock()
	t, created := p.topicLocked(id, description, ttl)
	snapshot := t.snapshot()
	p.mutex.Unlock()

	if created {
		p.announce(id)
	}
	return snapshot
}

func (p *Protocol) topicLocked(id, description string, ttl time.Duration) (*topic, bool) {
	if t, exists := p.topics[id]; exists {
		return t, false
	}
	if ttl <= 0 {
		ttl = p.cfg.DefaultTTL.Std()
	}
	t := &topic{
		id:          id,
		description: description,
		ttl:         ttl,
		createdAt:   time.Now(),
	}
	p.topics[id] = t
	return t, true
}

func (p *Protocol) announce(id string) {
	p.logger.Debug("topic created", slog.String("topic", id))
	p.events.Emit(context.Background(), EventTopicCreated, observability.LevelInfo, map[string]any{"topic": id})
}

func (p *Protocol) DeleteTopic(id string) bool {
	p.mutex.Lock()
	_, exists := p.topics[id]
	delete(p.topics, id)
	p.mutex.Unlock()

	if exists {
		p.events.Emit(context.Background(), EventTopicDeleted, observability.LevelInfo, map[string]any{"topic": id})
	}
	return exists
}

// Topics returns topic ids in sorted order.
func (p *Protocol) Topics() []string {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	ids := make([]string, 0, len(p.topics))
	for id := range p.topics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Protocol) Topic(id string) (*Topic, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	t, exists := p.topics[id]
	if !exists {
		return nil, false
	}
	return t.snapshot(), true
}

// Subscribe registers callback for publications on topicID matching
// filter, creating the topic when needed, and forwards a subscription
// message through the router. It returns the subscription id.
func (p *Protocol) Subscribe(topicID, subscriberID string, callback channel.Callback, filter messaging.Filter) string {
	sub := &subscription{
		id:           messaging.NewID(),
		subscriberID: subscriberID,
		callback:     callback,
		filter:       filter,
	}

	p.mutex.Lock()
	t, created := p.topicLocked(topicID, "", 0)
	t.subs = append(t.subs, sub)
	p.mutex.Unlock()

	if created {
		p.announce(topicID)
	}

	msg := messaging.NewMessage(messaging.KindSubscription, subscriberID, messaging.LevelSystem, "", map[string]any{
		ContentTopic:          topicID,
		ContentSubscriptionID: sub.id,
	}).Topic(topicID).Channel(messaging.ChannelPubSub).Build()
	p.router.Send(msg)

	p.logger.Debug(
		"subscribed",
		slog.String("topic", topicID),
		slog.String("subscriber_id", subscriberID),
		slog.String("subscription_id", sub.id),
	)
	p.events.Emit(context.Background(), EventSubscribed, observability.LevelVerbose, map[string]any{
		"topic":           topicID,
		"subscriber_id":   subscriberID,
		"subscription_id": sub.id,
	})

	return sub.id
}

func (p *Protocol) Unsubscribe(topicID, subscriptionID string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	t, exists := p.topics[topicID]
	if !exists {
		return false
	}
	for i, sub := range t.subs {
		if sub.id == subscriptionID {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish records a publication on topicID, invokes every matching
// subscriber callback and forwards the message through the router. It
// returns the ids of the subscribers notified. The topic is created when
// needed. Publish never fails; problems are logged.
func (p *Protocol) Publish(topicID, sender string, level messaging.Level, content map[string]any, priority messaging.Priority, opts ...PublishOption) []string {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	p.mutex.Lock()
	t, created := p.topicLocked(topicID, "", 0)
	ttl := t.ttl
	if o.hasTTL {
		ttl = o.ttl
	}

	// The hint is set before the message is shared so the router never
	// writes to it.
	msg := messaging.NewPublication(sender, level, topicID, content).
		Channel(messaging.ChannelPubSub).
		Recipient(o.recipient).
		Priority(priority).
		TTL(ttl).
		Extra(o.metadata).
		Build()

	entry := Publication{Message: msg, PublishedAt: msg.CreatedAt}
	if ttl > 0 {
		entry.ExpiresAt = msg.CreatedAt.Add(ttl)
	}
	t.record(entry, p.cfg.HistorySize)
	matched := t.matching(msg)
	p.mutex.Unlock()

	if created {
		p.announce(topicID)
	}

	notified := make([]string, 0, len(matched))
	for _, sub := range matched {
		if p.invoke(sub, msg) {
			notified = append(notified, sub.subscriberID)
		}
	}

	if !p.router.Send(msg) {
		p.logger.Warn(
			"publication not forwarded",
			slog.String("topic", topicID),
			slog.String("message_id", msg.ID),
		)
	}

	p.logger.Debug(
		"message published",
		slog.String("topic", topicID),
		slog.String("message_id", msg.ID),
		slog.Int("subscribers", len(matched)),
		slog.Int("notified", len(notified)),
	)
	p.events.Emit(context.Background(), EventPublished, observability.LevelVerbose, map[string]any{
		"topic":      topicID,
		"message_id": msg.ID,
		"notified":   len(notified),
	})

	return notified
}

func (p *Protocol) invoke(sub *subscription, msg *messaging.Message) (ok bool) {
	if sub.callback == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.logger.Error(
				"subscriber callback panicked",
				slog.String("topic", msg.Metadata.Topic),
				slog.String("subscriber_id", sub.subscriberID),
				slog.String("panic", fmt.Sprint(r)),
			)
			p.events.Emit(context.Background(), EventCallbackPanic, observability.LevelError, map[string]any{
				"topic":         msg.Metadata.Topic,
				"subscriber_id": sub.subscriberID,
			})
		}
	}()
	sub.callback(msg)
	return true
}

// History returns up to max unexpired publications of topicID (all when
// max <= 0), oldest first.
func (p *Protocol) History(topicID string, max int) []Publication {
	now := time.Now()

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	t, exists := p.topics[topicID]
	if !exists {
		return nil
	}

	live := make([]Publication, 0, len(t.history))
	for _, entry := range t.history {
		if !entry.Expired(now) {
			live = append(live, entry)
		}
	}
	if max > 0 && len(live) > max {
		live = live[len(live)-max:]
	}
	return live
}

// Shutdown stops the cleanup loop, waiting at most timeout.
func (p *Protocol) Shutdown(timeout time.Duration) error {
	p.logger.Debug("shutting down pubsub protocol")
	p.cancel()

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("pubsub protocol shutdown timeout after %v", timeout)
	}
}

func (p *Protocol) cleanup() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.CleanupInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.prune(now)
		}
	}
}

// prune runs one cleanup iteration. A panic is logged and the loop goes on.
func (p *Protocol) prune(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pubsub cleanup iteration panicked", slog.String("panic", fmt.Sprint(r)))
			p.events.Emit(context.Background(), EventCleanupPanic, observability.LevelError, map[string]any{
				"panic": fmt.Sprint(r),
			})
		}
	}()

	p.mutex.Lock()
	dropped := 0
	for _, t := range p.topics {
		dropped += t.prune(now)
	}
	p.mutex.Unlock()

	if dropped > 0 {
		p.logger.Debug("expired publications removed", slog.Int("count", dropped))
		p.events.Emit(context.Background(), EventHistoryPruned, observability.LevelVerbose, map[string]any{
			"count": dropped,
		})
	}
}
