package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tailored-agentic-units/messagebus/channel"
	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

// Event types emitted by the middleware.
const (
	EventChannelRegistered   observability.EventType = "middleware.channel.registered"
	EventChannelReplaced     observability.EventType = "middleware.channel.replaced"
	EventChannelUnregistered observability.EventType = "middleware.channel.unregistered"
	EventSendFailed          observability.EventType = "middleware.send.failed"
	EventHandlerFailed       observability.EventType = "middleware.handler.failed"
)

var errNilMessage = errors.New("nil message")

type Option func(*Middleware)

// WithObserver overrides the observer named in the configuration.
func WithObserver(observer observability.Observer) Option {
	return func(m *Middleware) {
		if observer != nil {
			m.events = observability.NewEmitter("middleware."+m.name, observer)
		}
	}
}

// Middleware routes messages to registered channels, dispatches received
// messages to handlers and keeps delivery statistics. Safe for concurrent
// use.
type Middleware struct {
	name    string
	logger  *slog.Logger
	events  observability.Emitter
	metrics *Metrics

	channelsMutex sync.RWMutex
	channels      map[messaging.ChannelKind]channel.Channel

	rulesMutex sync.RWMutex
	rules      []RoutingRule

	handlersMutex sync.RWMutex
	handlers      map[messaging.Kind][]Handler
	global        []Handler
	resolver      ResponseResolver
}

func New(cfg config.MiddlewareConfig, opts ...Option) *Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Middleware{
		name:     cfg.Name,
		logger:   logger,
		channels: make(map[messaging.ChannelKind]channel.Channel),
		rules:    DefaultRoutingRules(),
		handlers: make(map[messaging.Kind][]Handler),
	}
	m.events = observability.NewEmitter(
		"middleware."+m.name,
		observability.NewRegistry(logger).Resolve(cfg.Observer),
	)
	m.metrics = NewMetrics(m.name, m.channelCount)

	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Middleware) Name() string { return m.name }

// RegisterChannel registers ch under ch.Kind(), replacing any channel of
// the same kind.
func (m *Middleware) RegisterChannel(ch channel.Channel) {
	kind := ch.Kind()

	m.channelsMutex.Lock()
	previous, replaced := m.channels[kind]
	m.channels[kind] = ch
	m.channelsMutex.Unlock()

	if replaced {
		m.logger.Warn(
			"channel replaced",
			slog.String("middleware", m.name),
			slog.String("channel", string(kind)),
			slog.String("previous_id", previous.ID()),
			slog.String("channel_id", ch.ID()),
		)
		m.events.Emit(context.Background(), EventChannelReplaced, observability.LevelWarning, map[string]any{
			"channel":     string(kind),
			"previous_id": previous.ID(),
			"channel_id":  ch.ID(),
		})
		return
	}

	m.logger.Debug(
		"channel registered",
		slog.String("middleware", m.name),
		slog.String("channel", string(kind)),
		slog.String("channel_id", ch.ID()),
	)
	m.events.Emit(context.Background(), EventChannelRegistered, observability.LevelInfo, map[string]any{
		"channel":    string(kind),
		"channel_id": ch.ID(),
	})
}

func (m *Middleware) UnregisterChannel(kind messaging.ChannelKind) bool {
	m.channelsMutex.Lock()
	_, exists := m.channels[kind]
	delete(m.channels, kind)
	m.channelsMutex.Unlock()

	if exists {
		m.events.Emit(context.Background(), EventChannelUnregistered, observability.LevelInfo, map[string]any{
			"channel": string(kind),
		})
	}
	return exists
}

func (m *Middleware) GetChannel(kind messaging.ChannelKind) (channel.Channel, bool) {
	m.channelsMutex.RLock()
	defer m.channelsMutex.RUnlock()

	ch, exists := m.channels[kind]
	return ch, exists
}

// Channels returns registered channel kinds in sorted order.
func (m *Middleware) Channels() []messaging.ChannelKind {
	m.channelsMutex.RLock()
	defer m.channelsMutex.RUnlock()

	kinds := make([]messaging.ChannelKind, 0, len(m.channels))
	for kind := range m.channels {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (m *Middleware) channelCount() int {
	m.channelsMutex.RLock()
	defer m.channelsMutex.RUnlock()
	return len(m.channels)
}

type registered struct {
	kind messaging.ChannelKind
	ch   channel.Channel
}

func (m *Middleware) sortedChannels() []registered {
	m.channelsMutex.RLock()
	defer m.channelsMutex.RUnlock()

	out := make([]registered, 0, len(m.channels))
	for kind, ch := range m.channels {
		out = append(out, registered{kind: kind, ch: ch})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].kind < out[j].kind })
	return out
}

// Send routes msg to its channel and stamps ChannelHint with the resolved
// kind. Failures are logged and counted; Send never panics.
func (m *Middleware) Send(msg *messaging.Message) (ok bool) {
	if msg == nil {
		m.fail(nil, "", errNilMessage)
		return false
	}

	var kind messaging.ChannelKind
	defer func() {
		if r := recover(); r != nil {
			m.fail(msg, kind, fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	kind = m.DetermineChannel(msg)
	ch, exists := m.GetChannel(kind)
	if !exists {
		m.fail(msg, kind, fmt.Errorf("%s: %w", kind, messaging.ErrChannelNotFound))
		return false
	}

	if msg.ChannelHint != kind {
		msg.ChannelHint = kind
	}

	if !ch.Send(msg) {
		m.fail(msg, kind, fmt.Errorf("%s: %w", kind, messaging.ErrSendFailed))
		return false
	}

	m.metrics.recordSent(kind, msg)
	m.logger.Debug(
		"message sent",
		slog.String("middleware", m.name),
		slog.String("message_id", msg.ID),
		slog.String("kind", string(msg.Kind)),
		slog.String("channel", string(kind)),
		slog.String("recipient", msg.Recipient),
	)
	return true
}

func (m *Middleware) fail(msg *messaging.Message, kind messaging.ChannelKind, err error) {
	m.metrics.recordError(kind)

	attrs := []any{
		slog.String("middleware", m.name),
		slog.String("channel", string(kind)),
		slog.String("error", err.Error()),
	}
	data := map[string]any{"channel": string(kind), "error": err.Error()}
	if msg != nil {
		attrs = append(attrs, slog.String("message_id", msg.ID), slog.String("kind", string(msg.Kind)))
		data["message_id"] = msg.ID
	}

	m.logger.Warn("message send failed", attrs...)
	m.events.Emit(context.Background(), EventSendFailed, observability.LevelWarning, data)
}

// Receive returns the next message for recipientID from the named channel,
// or from any channel when kind is empty, waiting up to timeout (zero
// checks once, channel.Forever waits until ctx is done). The message is
// dispatched to handlers before it is returned.
func (m *Middleware) Receive(ctx context.Context, recipientID string, kind messaging.ChannelKind, timeout time.Duration) *messaging.Message {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		msg  *messaging.Message
		from = kind
	)
	if kind != "" {
		ch, exists := m.GetChannel(kind)
		if !exists {
			m.logger.WarnContext(
				ctx,
				"receive from unknown channel",
				slog.String("middleware", m.name),
				slog.String("channel", string(kind)),
				slog.String("recipient", recipientID),
			)
			return nil
		}
		msg = ch.Receive(ctx, recipientID, timeout)
	} else {
		msg, from = m.receiveAny(ctx, recipientID, timeout)
	}

	if msg == nil {
		return nil
	}

	m.metrics.recordReceived(from, msg)
	m.dispatch(ctx, msg)
	return msg
}

// receiveAny sweeps every channel, then waits on all of their signals at
// once. Signals are captured before each sweep so no enqueue is missed.
func (m *Middleware) receiveAny(ctx context.Context, recipientID string, timeout time.Duration) (*messaging.Message, messaging.ChannelKind) {
	sweep := func(channels []registered) (*messaging.Message, messaging.ChannelKind) {
		for _, r := range channels {
			if msg := r.ch.Receive(ctx, recipientID, 0); msg != nil {
				return msg, r.kind
			}
		}
		return nil, ""
	}

	if timeout == 0 {
		return sweep(m.sortedChannels())
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		channels := m.sortedChannels()
		cases := make([]reflect.SelectCase, 0, len(channels)+2)
		for _, r := range channels {
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.ch.Changed())})
		}
		ctxCase := len(cases)
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})
		timerCase := -1
		if expired != nil {
			timerCase = len(cases)
			cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(expired)})
		}

		if msg, kind := sweep(channels); msg != nil {
			return msg, kind
		}

		chosen, _, _ := reflect.Select(cases)
		switch chosen {
		case ctxCase:
			return nil, ""
		case timerCase:
			return sweep(m.sortedChannels())
		}
	}
}

// GetPending consumes up to max queued messages for recipientID (all when
// max <= 0) from the named channel, or from every channel in sorted kind
// order. Each message is dispatched to handlers.
func (m *Middleware) GetPending(recipientID string, kind messaging.ChannelKind, max int) []*messaging.Message {
	var channels []registered
	if kind != "" {
		ch, exists := m.GetChannel(kind)
		if !exists {
			return nil
		}
		channels = []registered{{kind: kind, ch: ch}}
	} else {
		channels = m.sortedChannels()
	}

	var out []*messaging.Message
	for _, r := range channels {
		remaining := 0
		if max > 0 {
			remaining = max - len(out)
			if remaining <= 0 {
				break
			}
		}
		for _, msg := range r.ch.GetPending(recipientID, remaining) {
			m.metrics.recordReceived(r.kind, msg)
			out = append(out, msg)
		}
	}

	ctx := context.Background()
	for _, msg := range out {
		m.dispatch(ctx, msg)
	}
	return out
}

func (m *Middleware) GetStatistics() Statistics {
	stats := m.metrics.snapshot()
	stats.Channels = m.channelCount()
	stats.Handlers, stats.GlobalHandlers = m.handlerCounts()
	return stats
}

// Registry returns the Prometheus registry with this instance's collectors.
func (m *Middleware) Registry() *prometheus.Registry {
	return m.metrics.Registry()
}

// ChannelInfo returns an Info snapshot for every registered channel.
func (m *Middleware) ChannelInfo() map[messaging.ChannelKind]channel.Info {
	channels := m.sortedChannels()
	out := make(map[messaging.ChannelKind]channel.Info, len(channels))
	for _, r := range channels {
		out[r.kind] = r.ch.Info()
	}
	return out
}
