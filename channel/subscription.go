package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

type subscription struct {
	id           string
	subscriberID string
	filter       messaging.Filter
	callback     Callback
}

// base holds what every channel shares: identity, logging, the enqueue
// signal and filtered subscriptions.
type base struct {
	id      string
	kind    messaging.ChannelKind
	logger  *slog.Logger
	events  observability.Emitter
	changed *signal

	subsMutex sync.RWMutex
	subs      []*subscription
}

func (b *base) init(o options) {
	b.id = o.id
	b.kind = o.kind
	b.logger = o.logger
	b.events = observability.NewEmitter("channel."+string(o.kind), o.observer)
	b.changed = newSignal()
}

func (b *base) ID() string { return b.id }

func (b *base) Kind() messaging.ChannelKind { return b.kind }

func (b *base) Changed() <-chan struct{} { return b.changed.wait() }

func (b *base) Subscribe(subscriberID string, filter messaging.Filter, callback Callback) string {
	sub := &subscription{
		id:           messaging.NewID(),
		subscriberID: subscriberID,
		filter:       filter,
		callback:     callback,
	}

	b.subsMutex.Lock()
	b.subs = append(b.subs, sub)
	b.subsMutex.Unlock()

	b.logger.Debug(
		"channel subscription added",
		slog.String("channel_id", b.id),
		slog.String("subscriber_id", subscriberID),
		slog.String("subscription_id", sub.id),
	)

	return sub.id
}

func (b *base) Unsubscribe(subscriptionID string) bool {
	b.subsMutex.Lock()
	defer b.subsMutex.Unlock()

	for i, sub := range b.subs {
		if sub.id == subscriptionID {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (b *base) subscriptionCount() int {
	b.subsMutex.RLock()
	defer b.subsMutex.RUnlock()
	return len(b.subs)
}

// publish runs every matching subscriber callback outside the lock and
// returns the ids of the subscribers it reached.
func (b *base) publish(msg *messaging.Message) []string {
	b.subsMutex.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.callback != nil && sub.filter.Matches(msg) {
			matched = append(matched, sub)
		}
	}
	b.subsMutex.RUnlock()

	notified := make([]string, 0, len(matched))
	for _, sub := range matched {
		if b.invoke(sub, msg) {
			notified = append(notified, sub.subscriberID)
		}
	}
	return notified
}

func (b *base) invoke(sub *subscription, msg *messaging.Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.logger.Error(
				"subscriber callback panicked",
				slog.String("channel_id", b.id),
				slog.String("subscriber_id", sub.subscriberID),
				slog.String("message_id", msg.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
			b.events.Emit(context.Background(), EventCallbackPanic, observability.LevelError, map[string]any{
				"subscriber_id": sub.subscriberID,
				"message_id":    msg.ID,
			})
		}
	}()
	sub.callback(msg)
	return true
}

// reject logs a failed send and reports false.
func (b *base) reject(msg *messaging.Message, reason error) bool {
	attrs := []any{
		slog.String("channel_id", b.id),
		slog.String("error", reason.Error()),
	}
	if msg != nil {
		attrs = append(attrs, slog.String("message_id", msg.ID), slog.String("sender", msg.Sender))
	}
	b.logger.Warn("channel send rejected", attrs...)

	data := map[string]any{"error": reason.Error()}
	if msg != nil {
		data["message_id"] = msg.ID
	}
	b.events.Emit(context.Background(), EventSendRejected, observability.LevelWarning, data)
	return false
}
