package middleware_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/messagebus/channel"
	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/middleware"
	"github.com/tailored-agentic-units/messagebus/observability"
)

func newMiddleware(t *testing.T) *middleware.Middleware {
	t.Helper()
	cfg := config.DefaultMiddlewareConfig()
	cfg.Name = "test"
	cfg.Observer = "noop"

	m := middleware.New(cfg)
	chCfg := config.DefaultChannelConfig()
	m.RegisterChannel(channel.NewPriorityChannel())
	m.RegisterChannel(channel.NewGroupChannel(chCfg))
	m.RegisterChannel(channel.NewBlobChannel(chCfg))
	m.RegisterChannel(channel.NewPriorityChannel(channel.WithKind(messaging.ChannelPubSub)))
	return m
}

func TestMiddleware_DetermineChannel(t *testing.T) {
	m := newMiddleware(t)

	tests := []struct {
		name string
		msg  *messaging.Message
		want messaging.ChannelKind
	}{
		{
			name: "group id wins over kind",
			msg:  messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Group("g").Build(),
			want: messaging.ChannelGroup,
		},
		{
			name: "command",
			msg:  messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build(),
			want: messaging.ChannelPriority,
		},
		{
			name: "control",
			msg:  messaging.NewMessage(messaging.KindControl, "a", messaging.LevelSystem, "b", nil).Build(),
			want: messaging.ChannelPriority,
		},
		{
			name: "assistance request",
			msg:  messaging.NewRequest("a", messaging.LevelTactical, "b", "peer_assistance", nil).Build(),
			want: messaging.ChannelGroup,
		},
		{
			name: "plain request",
			msg:  messaging.NewRequest("a", messaging.LevelTactical, "b", "status", nil).Build(),
			want: messaging.ChannelPriority,
		},
		{
			name: "analysis result",
			msg:  messaging.NewInformation("a", messaging.LevelOperational, "b", "log_analysis_result", nil).Build(),
			want: messaging.ChannelBlob,
		},
		{
			name: "plain information",
			msg:  messaging.NewInformation("a", messaging.LevelOperational, "b", "heartbeat", nil).Build(),
			want: messaging.ChannelPriority,
		},
		{
			name: "publication",
			msg:  messaging.NewPublication("a", messaging.LevelSystem, "alerts", nil).Build(),
			want: messaging.ChannelPubSub,
		},
		{
			name: "subscription",
			msg:  messaging.NewMessage(messaging.KindSubscription, "a", messaging.LevelSystem, "", nil).Build(),
			want: messaging.ChannelPubSub,
		},
		{
			name: "event defaults to priority",
			msg:  messaging.NewEvent("a", messaging.LevelSystem, nil).Build(),
			want: messaging.ChannelPriority,
		},
		{
			name: "registered hint wins",
			msg:  messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Channel(messaging.ChannelBlob).Build(),
			want: messaging.ChannelBlob,
		},
		{
			name: "unregistered hint ignored",
			msg:  messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Channel("carrier-pigeon").Build(),
			want: messaging.ChannelPriority,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.DetermineChannel(tt.msg))
		})
	}
}

func TestMiddleware_AddRoutingRule(t *testing.T) {
	m := newMiddleware(t)
	m.AddRoutingRule(middleware.RoutingRule{
		Name:    "urgent-to-blob",
		Match:   func(msg *messaging.Message) bool { return msg.Priority == messaging.PriorityCritical },
		Channel: messaging.ChannelBlob,
	})

	msg := messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Priority(messaging.PriorityCritical).Build()
	assert.Equal(t, messaging.ChannelBlob, m.DetermineChannel(msg))
}

func TestMiddleware_SendStampsHint(t *testing.T) {
	m := newMiddleware(t)

	msg := messaging.NewRequest("tactical-1", messaging.LevelTactical, "tactical-2", "assistance", nil).Build()
	require.True(t, m.Send(msg))
	assert.Equal(t, messaging.ChannelGroup, msg.ChannelHint)

	got := m.Receive(context.Background(), "tactical-2", messaging.ChannelGroup, 0)
	require.NotNil(t, got)
	assert.Equal(t, msg.ID, got.ID)
}

func TestMiddleware_SendMissingChannel(t *testing.T) {
	cfg := config.DefaultMiddlewareConfig()
	cfg.Name = "test"
	m := middleware.New(cfg)

	assert.False(t, m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build()))
	assert.False(t, m.Send(nil))

	stats := m.GetStatistics()
	assert.EqualValues(t, 2, stats.SendErrors)
	assert.EqualValues(t, 1, stats.ErrorsByChannel[messaging.ChannelPriority])
}

type panickingChannel struct {
	*channel.PriorityChannel
}

func (panickingChannel) Send(*messaging.Message) bool { panic("transport exploded") }

func TestMiddleware_SendNeverPanics(t *testing.T) {
	rec := observability.NewRecorder()
	m := middleware.New(config.DefaultMiddlewareConfig(), middleware.WithObserver(rec))
	m.RegisterChannel(panickingChannel{channel.NewPriorityChannel()})

	assert.NotPanics(t, func() {
		assert.False(t, m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build()))
	})
	assert.Equal(t, 1, rec.Count(middleware.EventSendFailed))
}

func TestMiddleware_SendChannelRejects(t *testing.T) {
	m := newMiddleware(t)

	msg := messaging.NewCommand("a", messaging.LevelStrategic, "", nil).Group("missing").Build()
	assert.False(t, m.Send(msg))
	assert.EqualValues(t, 1, m.GetStatistics().ErrorsByChannel[messaging.ChannelGroup])
}

func TestMiddleware_ReceiveAnyChannel(t *testing.T) {
	m := newMiddleware(t)

	require.True(t, m.Send(messaging.NewInformation("op", messaging.LevelOperational, "tac", "analysis_result", nil).Build()))
	require.True(t, m.Send(messaging.NewCommand("str", messaging.LevelStrategic, "tac", nil).Build()))

	first := m.Receive(context.Background(), "tac", "", 0)
	second := m.Receive(context.Background(), "tac", "", 0)
	require.NotNil(t, first)
	require.NotNil(t, second)

	assert.ElementsMatch(t,
		[]messaging.ChannelKind{messaging.ChannelBlob, messaging.ChannelPriority},
		[]messaging.ChannelKind{first.ChannelHint, second.ChannelHint},
	)
	assert.Nil(t, m.Receive(context.Background(), "tac", "", 0))
}

func TestMiddleware_ReceiveAnyWakesOnLaterSend(t *testing.T) {
	m := newMiddleware(t)

	go func() {
		time.Sleep(30 * time.Millisecond)
		m.Send(messaging.NewInformation("op", messaging.LevelOperational, "tac", "analysis_result", nil).Build())
	}()

	start := time.Now()
	msg := m.Receive(context.Background(), "tac", "", 2*time.Second)
	require.NotNil(t, msg)
	assert.Equal(t, messaging.ChannelBlob, msg.ChannelHint)
	assert.Less(t, time.Since(start), time.Second)
}

func TestMiddleware_ReceiveTimeout(t *testing.T) {
	m := newMiddleware(t)
	timeout := 60 * time.Millisecond

	start := time.Now()
	assert.Nil(t, m.Receive(context.Background(), "nobody", "", timeout))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+500*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	assert.Nil(t, m.Receive(ctx, "nobody", "", channel.Forever))

	assert.Nil(t, m.Receive(context.Background(), "nobody", "carrier-pigeon", time.Second))
}

func TestMiddleware_HandlerDispatch(t *testing.T) {
	m := newMiddleware(t)

	var calls []string
	var mu sync.Mutex
	record := func(name string) middleware.Handler {
		return func(ctx context.Context, msg *messaging.Message) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		}
	}

	m.RegisterHandler(messaging.KindCommand, func(context.Context, *messaging.Message) error { panic("handler bug") })
	m.RegisterHandler(messaging.KindCommand, func(context.Context, *messaging.Message) error { return errors.New("handler error") })
	m.RegisterHandler(messaging.KindCommand, record("command"))
	m.RegisterHandler(messaging.KindEvent, record("event"))
	m.RegisterGlobalHandler(record("global"))

	require.True(t, m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build()))
	require.NotNil(t, m.Receive(context.Background(), "b", messaging.ChannelPriority, 0))

	assert.Equal(t, []string{"command", "global"}, calls)

	stats := m.GetStatistics()
	assert.EqualValues(t, 2, stats.HandlerFailures)
	assert.Equal(t, 4, stats.Handlers)
	assert.Equal(t, 1, stats.GlobalHandlers)
}

type resolver struct {
	claim bool
	seen  int
}

func (r *resolver) HandleResponse(*messaging.Message) bool {
	r.seen++
	return r.claim
}

func TestMiddleware_ResponseResolver(t *testing.T) {
	tests := []struct {
		name         string
		claim        bool
		wantPerKind  int
		wantGlobal   int
		wantResolved int
	}{
		{name: "claimed response skips every handler", claim: true, wantPerKind: 0, wantGlobal: 0, wantResolved: 1},
		{name: "unclaimed response reaches per-kind handlers", claim: false, wantPerKind: 1, wantGlobal: 1, wantResolved: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMiddleware(t)
			r := &resolver{claim: tt.claim}
			m.SetResponseResolver(r)

			var perKind, global int
			m.RegisterHandler(messaging.KindResponse, func(context.Context, *messaging.Message) error { perKind++; return nil })
			m.RegisterGlobalHandler(func(context.Context, *messaging.Message) error { global++; return nil })

			req := messaging.NewRequest("a", messaging.LevelTactical, "b", "status", nil).Build()
			resp := messaging.NewResponse(req, "b", messaging.LevelOperational, nil).Build()
			require.True(t, m.Send(resp))
			require.NotNil(t, m.Receive(context.Background(), "a", "", 0))

			assert.Equal(t, tt.wantResolved, r.seen)
			assert.Equal(t, tt.wantPerKind, perKind)
			assert.Equal(t, tt.wantGlobal, global)
		})
	}
}

func TestMiddleware_ClearResponseResolver(t *testing.T) {
	m := newMiddleware(t)
	first := &resolver{claim: true}
	second := &resolver{claim: true}

	m.SetResponseResolver(first)
	m.ClearResponseResolver(second)

	req := messaging.NewRequest("a", messaging.LevelTactical, "b", "status", nil).Build()
	m.Send(messaging.NewResponse(req, "b", messaging.LevelOperational, nil).Build())
	m.Receive(context.Background(), "a", "", 0)
	assert.Equal(t, 1, first.seen)

	m.ClearResponseResolver(first)
	m.Send(messaging.NewResponse(req, "b", messaging.LevelOperational, nil).Build())
	m.Receive(context.Background(), "a", "", 0)
	assert.Equal(t, 1, first.seen)
}

func TestMiddleware_GetPending(t *testing.T) {
	m := newMiddleware(t)

	for i := 0; i < 3; i++ {
		m.Send(messaging.NewCommand("str", messaging.LevelStrategic, "tac", nil).Build())
		m.Send(messaging.NewInformation("op", messaging.LevelOperational, "tac", "analysis_result", nil).Build())
	}

	var handled int
	m.RegisterGlobalHandler(func(context.Context, *messaging.Message) error { handled++; return nil })

	first := m.GetPending("tac", "", 4)
	assert.Len(t, first, 4)
	rest := m.GetPending("tac", "", 0)
	assert.Len(t, rest, 2)
	assert.Equal(t, 6, handled)

	assert.Nil(t, m.GetPending("tac", "carrier-pigeon", 0))
	assert.EqualValues(t, 6, m.GetStatistics().MessagesReceived)
}

func TestMiddleware_RegisterChannelReplaces(t *testing.T) {
	rec := observability.NewRecorder()
	m := middleware.New(config.DefaultMiddlewareConfig(), middleware.WithObserver(rec))

	first := channel.NewPriorityChannel(channel.WithID("first"))
	second := channel.NewPriorityChannel(channel.WithID("second"))
	m.RegisterChannel(first)
	m.RegisterChannel(second)

	ch, ok := m.GetChannel(messaging.ChannelPriority)
	require.True(t, ok)
	assert.Equal(t, "second", ch.ID())
	assert.Equal(t, 1, rec.Count(middleware.EventChannelReplaced))

	assert.Equal(t, []messaging.ChannelKind{messaging.ChannelPriority}, m.Channels())
	assert.True(t, m.UnregisterChannel(messaging.ChannelPriority))
	assert.False(t, m.UnregisterChannel(messaging.ChannelPriority))
	assert.Empty(t, m.Channels())
}

func TestMiddleware_Statistics(t *testing.T) {
	m := newMiddleware(t)

	m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Priority(messaging.PriorityHigh).Build())
	m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build())
	m.Send(messaging.NewInformation("a", messaging.LevelOperational, "b", "analysis_result", nil).Build())
	m.Receive(context.Background(), "b", "", 0)

	stats := m.GetStatistics()
	assert.EqualValues(t, 3, stats.MessagesSent)
	assert.EqualValues(t, 1, stats.MessagesReceived)
	assert.EqualValues(t, 2, stats.SentByChannel[messaging.ChannelPriority])
	assert.EqualValues(t, 1, stats.SentByChannel[messaging.ChannelBlob])
	assert.EqualValues(t, 2, stats.SentByKind[messaging.KindCommand])
	assert.EqualValues(t, 1, stats.SentByPriority["high"])
	assert.EqualValues(t, 2, stats.SentByPriority["normal"])
	assert.Equal(t, 4, stats.Channels)
}

func TestMiddleware_PrometheusCounters(t *testing.T) {
	m := newMiddleware(t)

	m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build())
	m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "b", nil).Build())
	m.Send(messaging.NewCommand("a", messaging.LevelStrategic, "", nil).Group("missing").Build())
	m.Receive(context.Background(), "b", "", 0)

	expected := `
# HELP messagebus_messages_sent_total Messages accepted by a channel.
# TYPE messagebus_messages_sent_total counter
messagebus_messages_sent_total{channel="priority",kind="command",middleware="test",priority="normal"} 2
# HELP messagebus_send_errors_total Sends that failed to reach a channel.
# TYPE messagebus_send_errors_total counter
messagebus_send_errors_total{channel="group",middleware="test"} 1
# HELP messagebus_channels Channels registered with the middleware.
# TYPE messagebus_channels gauge
messagebus_channels{middleware="test"} 4
`
	err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"messagebus_messages_sent_total",
		"messagebus_send_errors_total",
		"messagebus_channels",
	)
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(m.Registry(), "messagebus_messages_received_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMiddleware_ConcurrentSendReceive(t *testing.T) {
	const (
		senders   = 6
		perSender = 40
		receivers = 3
	)
	m := newMiddleware(t)

	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				var msg *messaging.Message
				if i%2 == 0 {
					msg = messaging.NewCommand("str", messaging.LevelStrategic, "sink", nil).Priority(messaging.Priority(i % 4)).Build()
				} else {
					msg = messaging.NewInformation("op", messaging.LevelOperational, "sink", "analysis_result", nil).Build()
				}
				m.Send(msg)
			}
		}()
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	var rw sync.WaitGroup
	for r := 0; r < receivers; r++ {
		rw.Add(1)
		go func() {
			defer rw.Done()
			for {
				msg := m.Receive(context.Background(), "sink", "", 200*time.Millisecond)
				if msg == nil {
					return
				}
				mu.Lock()
				seen[msg.ID]++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	rw.Wait()

	assert.Len(t, seen, senders*perSender)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
	assert.EqualValues(t, senders*perSender, m.GetStatistics().MessagesSent)
}
