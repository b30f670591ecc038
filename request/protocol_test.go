package request_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tailored-agentic-units/messagebus/channel"
	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/middleware"
	"github.com/tailored-agentic-units/messagebus/observability"
	"github.com/tailored-agentic-units/messagebus/request"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func setup(t *testing.T, opts ...request.Option) (*middleware.Middleware, *request.Protocol) {
	t.Helper()

	mwCfg := config.DefaultMiddlewareConfig()
	mwCfg.Logger = quiet
	mwCfg.Observer = "noop"
	m := middleware.New(mwCfg)
	m.RegisterChannel(channel.NewPriorityChannel(channel.WithLogger(quiet)))

	cfg := config.DefaultRequestConfig()
	cfg.Logger = quiet
	cfg.MonitorInterval = config.Duration(10 * time.Millisecond)
	p := request.New(m, cfg, opts...)
	t.Cleanup(func() { p.Shutdown(time.Second) })

	return m, p
}

// pump receives for id until ctx is done so responses reach the resolver.
func pump(ctx context.Context, m *middleware.Middleware, id string) {
	go func() {
		for ctx.Err() == nil {
			m.Receive(ctx, id, "", 20*time.Millisecond)
		}
	}()
}

// respond answers requests addressed to id. answer returns false to ignore
// a delivery.
func respond(ctx context.Context, m *middleware.Middleware, p *request.Protocol, id string, answer func(req *messaging.Message) (map[string]any, bool)) {
	go func() {
		for ctx.Err() == nil {
			msg := m.Receive(ctx, id, "", 20*time.Millisecond)
			if msg == nil || !msg.IsRequest() {
				continue
			}
			if content, ok := answer(msg); ok {
				p.SendResponse(msg, id, messaging.LevelTactical, content)
			}
		}
	}()
}

func echo(req *messaging.Message) (map[string]any, bool) {
	return map[string]any{"echo": req.Content["n"]}, true
}

func TestProtocol_RoundTrip(t *testing.T) {
	m, p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	respond(ctx, m, p, "tactical-1", echo)
	pump(ctx, m, "strategic-1")

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "tactical-1", "status", map[string]any{"n": 7})
	params.Timeout = 2 * time.Second

	resp, err := p.SendRequest(ctx, params)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, messaging.KindResponse, resp.Kind)
	assert.Equal(t, 7, resp.Content["echo"])
	assert.Equal(t, 0, p.Pending())
}

func TestProtocol_TimeoutBound(t *testing.T) {
	_, p := setup(t)
	timeout := 100 * time.Millisecond

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "silent", "status", nil)
	params.Timeout = timeout

	start := time.Now()
	resp, err := p.SendRequest(context.Background(), params)
	elapsed := time.Since(start)

	assert.Nil(t, resp)
	require.Error(t, err)
	assert.True(t, request.IsTimeout(err))

	var timeoutErr *messaging.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 1, timeoutErr.Attempts)
	assert.Equal(t, timeout, timeoutErr.Timeout)

	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+300*time.Millisecond)
	assert.Equal(t, 0, p.Pending())
}

func TestProtocol_RetryResends(t *testing.T) {
	m, p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var deliveries atomic.Int32
	respond(ctx, m, p, "flaky", func(req *messaging.Message) (map[string]any, bool) {
		return map[string]any{"ok": true}, deliveries.Add(1) == 3
	})
	pump(ctx, m, "strategic-1")

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "flaky", "status", nil)
	params.Timeout = 80 * time.Millisecond
	params.RetryCount = 3
	params.RetryDelay = 10 * time.Millisecond

	resp, err := p.SendRequest(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Content["ok"])
	assert.EqualValues(t, 3, deliveries.Load())
}

func TestProtocol_RetryExhausted(t *testing.T) {
	_, p := setup(t)

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "silent", "status", nil)
	params.Timeout = 30 * time.Millisecond
	params.RetryCount = 2

	_, err := p.SendRequest(context.Background(), params)
	var timeoutErr *messaging.TimeoutError
	require.True(t, errors.As(err, &timeoutErr))
	assert.Equal(t, 3, timeoutErr.Attempts)
}

func TestProtocol_EarlyResponse(t *testing.T) {
	_, p := setup(t)

	early := &messaging.Message{
		ID:       messaging.NewID(),
		Kind:     messaging.KindResponse,
		Sender:   "tactical-1",
		Content:  map[string]any{"answer": 42},
		Metadata: messaging.Metadata{ReplyTo: "not-yet-sent", ConversationID: "conv-1"},
	}
	assert.False(t, p.HandleResponse(early))
	assert.Equal(t, 1, p.EarlyResponses())

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "tactical-1", "status", nil)
	params.ConversationID = "conv-1"
	params.Timeout = time.Second

	resp, err := p.SendRequest(context.Background(), params)
	require.NoError(t, err)
	assert.Same(t, early, resp)
	assert.Equal(t, 0, p.EarlyResponses())
	assert.Equal(t, 0, p.Pending())
}

func TestProtocol_EarlyResponseNotDeliveredTwice(t *testing.T) {
	_, p := setup(t)

	early := &messaging.Message{
		ID:       messaging.NewID(),
		Kind:     messaging.KindResponse,
		Metadata: messaging.Metadata{ReplyTo: "elsewhere", ConversationID: "shared"},
	}
	p.HandleResponse(early)

	first := request.NewParams("a", messaging.LevelTactical, "b", "status", nil)
	first.ConversationID = "shared"
	first.Timeout = time.Second
	second := first
	second.Timeout = 60 * time.Millisecond

	resp, err := p.SendRequest(context.Background(), first)
	require.NoError(t, err)
	assert.Same(t, early, resp)

	resp, err = p.SendRequest(context.Background(), second)
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
}

func TestProtocol_DuplicateResponseDropped(t *testing.T) {
	m, p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var responses []*messaging.Message
	var mu sync.Mutex
	respond(ctx, m, p, "tactical-1", func(req *messaging.Message) (map[string]any, bool) {
		return nil, true
	})
	m.RegisterHandler(messaging.KindResponse, func(_ context.Context, msg *messaging.Message) error {
		mu.Lock()
		responses = append(responses, msg)
		mu.Unlock()
		return nil
	})
	pump(ctx, m, "strategic-1")

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "tactical-1", "status", nil)
	params.Timeout = time.Second
	resp, err := p.SendRequest(ctx, params)
	require.NoError(t, err)

	assert.False(t, p.HandleResponse(resp))
	assert.Equal(t, 0, p.EarlyResponses())

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, responses, "claimed responses must not reach per-kind handlers")
}

func TestProtocol_SameEarlyResponseCachedOnce(t *testing.T) {
	_, p := setup(t)

	resp := &messaging.Message{
		ID:       messaging.NewID(),
		Kind:     messaging.KindResponse,
		Metadata: messaging.Metadata{ReplyTo: "r1", ConversationID: "c1"},
	}
	p.HandleResponse(resp)
	p.HandleResponse(resp)
	assert.Equal(t, 1, p.EarlyResponses())

	assert.False(t, p.HandleResponse(&messaging.Message{ID: "no-reply-to", Kind: messaging.KindResponse}))
}

func TestProtocol_EarlyResponsesPruned(t *testing.T) {
	m := middleware.New(config.MiddlewareConfig{Name: "prune", Logger: quiet})
	cfg := config.DefaultRequestConfig()
	cfg.Logger = quiet
	cfg.MonitorInterval = config.Duration(10 * time.Millisecond)
	cfg.EarlyResponseTTL = config.Duration(40 * time.Millisecond)
	p := request.New(m, cfg)
	defer p.Shutdown(time.Second)

	p.HandleResponse(&messaging.Message{
		ID:       messaging.NewID(),
		Kind:     messaging.KindResponse,
		Metadata: messaging.Metadata{ReplyTo: "gone", ConversationID: "gone"},
	})
	require.Equal(t, 1, p.EarlyResponses())

	assert.Eventually(t, func() bool { return p.EarlyResponses() == 0 }, time.Second, 10*time.Millisecond)
}

func TestProtocol_AsyncCallback(t *testing.T) {
	m, p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	respond(ctx, m, p, "tactical-1", echo)
	pump(ctx, m, "strategic-1")

	var calls atomic.Int32
	called := make(chan *messaging.Message, 1)

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "tactical-1", "status", map[string]any{"n": 1})
	params.Timeout = 2 * time.Second
	params.Callback = func(resp *messaging.Message, err error) {
		calls.Add(1)
		called <- resp
	}

	waiter, err := p.SendRequestAsync(ctx, params)
	require.NoError(t, err)

	resp, err := waiter.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, waiter.Request().ID, resp.Metadata.ReplyTo)

	select {
	case got := <-called:
		assert.Same(t, resp, got)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	assert.EqualValues(t, 1, calls.Load())

	again, againErr := waiter.Result()
	assert.Same(t, resp, again)
	assert.NoError(t, againErr)
}

func TestProtocol_AsyncTimeoutViaMonitor(t *testing.T) {
	_, p := setup(t)

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "silent", "status", nil)
	params.Timeout = 50 * time.Millisecond

	waiter, err := p.SendRequestAsync(context.Background(), params)
	require.NoError(t, err)

	resp, pending := waiter.Result()
	assert.Nil(t, resp)
	assert.NoError(t, pending)

	select {
	case <-waiter.Done():
	case <-time.After(time.Second):
		t.Fatal("monitor did not expire the request")
	}
	_, err = waiter.Result()
	assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
}

// panicOnce records every event and panics the first time it sees typ.
type panicOnce struct {
	*observability.Recorder
	typ   observability.EventType
	fired atomic.Bool
}

func (o *panicOnce) OnEvent(ctx context.Context, event observability.Event) {
	o.Recorder.OnEvent(ctx, event)
	if event.Type == o.typ && o.fired.CompareAndSwap(false, true) {
		panic("observer failure")
	}
}

func TestProtocol_MonitorSurvivesPanic(t *testing.T) {
	observer := &panicOnce{Recorder: observability.NewRecorder(), typ: request.EventRequestTimeout}
	_, p := setup(t, request.WithObserver(observer))

	expire := func(callback func(*messaging.Message, error)) error {
		params := request.NewParams("strategic-1", messaging.LevelStrategic, "silent", "status", nil)
		params.Timeout = 30 * time.Millisecond
		params.Callback = callback

		waiter, err := p.SendRequestAsync(context.Background(), params)
		require.NoError(t, err)

		select {
		case <-waiter.Done():
		case <-time.After(time.Second):
			t.Fatal("monitor did not expire the request")
		}
		_, err = waiter.Result()
		return err
	}

	var called atomic.Bool
	err := expire(func(*messaging.Message, error) {
		called.Store(true)
		panic("callback failure")
	})
	assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
	assert.True(t, called.Load())

	require.Eventually(t, func() bool {
		return observer.Count(request.EventMonitorPanic) == 1
	}, time.Second, 5*time.Millisecond)

	err = expire(nil)
	assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
	assert.Eventually(t, func() bool {
		return observer.Count(request.EventRequestTimeout) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, observer.Count(request.EventMonitorPanic))
	assert.Equal(t, 0, p.Pending())
}

func TestProtocol_NilContext(t *testing.T) {
	m, p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	respond(ctx, m, p, "tactical-1", echo)
	pump(ctx, m, "strategic-1")

	params := request.NewParams("strategic-1", messaging.LevelStrategic, "tactical-1", "status", map[string]any{"n": 3})
	params.Timeout = 2 * time.Second

	var none context.Context
	var (
		resp *messaging.Message
		err  error
	)
	require.NotPanics(t, func() { resp, err = p.SendRequest(none, params) })
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Content["echo"])

	silent := request.NewParams("strategic-1", messaging.LevelStrategic, "silent", "status", nil)
	silent.Timeout = 30 * time.Millisecond
	require.NotPanics(t, func() { _, err = p.SendRequest(none, silent) })
	assert.True(t, request.IsTimeout(err))

	waiter, err := p.SendRequestAsync(none, silent)
	require.NoError(t, err)
	_, err = waiter.Wait(none)
	assert.ErrorIs(t, err, messaging.ErrRequestTimeout)
}

func TestProtocol_SendFailure(t *testing.T) {
	m := middleware.New(config.MiddlewareConfig{Name: "empty", Logger: quiet})
	cfg := config.DefaultRequestConfig()
	cfg.Logger = quiet
	p := request.New(m, cfg)
	defer p.Shutdown(time.Second)

	params := request.NewParams("a", messaging.LevelTactical, "b", "status", nil)
	_, err := p.SendRequest(context.Background(), params)
	assert.ErrorIs(t, err, messaging.ErrSendFailed)
	assert.Equal(t, 0, p.Pending())
}

func TestProtocol_ContextCancellation(t *testing.T) {
	_, p := setup(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	params := request.NewParams("a", messaging.LevelTactical, "silent", "status", nil)
	params.Timeout = 5 * time.Second

	start := time.Now()
	_, err := p.SendRequest(ctx, params)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, p.Pending())
}

func TestProtocol_ShutdownResolvesWaiters(t *testing.T) {
	_, p := setup(t)

	params := request.NewParams("a", messaging.LevelTactical, "silent", "status", nil)
	params.Timeout = time.Minute

	waiters := make([]*request.Waiter, 3)
	for i := range waiters {
		w, err := p.SendRequestAsync(context.Background(), params)
		require.NoError(t, err)
		waiters[i] = w
	}
	require.Equal(t, 3, p.Pending())

	require.NoError(t, p.Shutdown(time.Second))

	for _, w := range waiters {
		select {
		case <-w.Done():
		default:
			t.Fatal("waiter still pending after shutdown")
		}
		_, err := w.Result()
		assert.ErrorIs(t, err, messaging.ErrProtocolShutdown)
	}

	_, err := p.SendRequest(context.Background(), params)
	assert.ErrorIs(t, err, messaging.ErrProtocolShutdown)
	assert.NoError(t, p.Shutdown(time.Second))
}

func TestProtocol_ConcurrentRequests(t *testing.T) {
	const (
		requesters = 5
		perAgent   = 20
	)
	m, p := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	respond(ctx, m, p, "worker-1", echo)
	respond(ctx, m, p, "worker-2", echo)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for r := 0; r < requesters; r++ {
		id := "requester-" + string(rune('a'+r))
		pump(ctx, m, id)

		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				n := r*perAgent + i
				worker := "worker-1"
				if n%2 == 1 {
					worker = "worker-2"
				}
				params := request.NewParams(id, messaging.LevelTactical, worker, "compute", map[string]any{"n": n})
				params.Timeout = 3 * time.Second
				resp, err := p.SendRequest(ctx, params)
				if err != nil || resp.Content["echo"] != n {
					failures.Add(1)
				}
			}
		}(r)
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 0, p.Pending())
}
