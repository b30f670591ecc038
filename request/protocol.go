package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/middleware"
	"github.com/tailored-agentic-units/messagebus/observability"
)

// Event types emitted by the protocol.
const (
	EventRequestSent     observability.EventType = "request.sent"
	EventRequestResolved observability.EventType = "request.resolved"
	EventRequestRetry    observability.EventType = "request.retry"
	EventRequestTimeout  observability.EventType = "request.timeout"
	EventResponseEarly   observability.EventType = "request.response.early"
	EventResponseDropped observability.EventType = "request.response.dropped"
	EventMonitorPanic    observability.EventType = "request.monitor.panic"
)

// Router is the part of the middleware the protocol depends on.
type Router interface {
	Send(msg *messaging.Message) bool
	SetResponseResolver(r middleware.ResponseResolver)
	ClearResponseResolver(r middleware.ResponseResolver)
}

type Option func(*Protocol)

func WithObserver(observer observability.Observer) Option {
	return func(p *Protocol) {
		if observer != nil {
			p.events = observability.NewEmitter("request.Protocol", observer)
		}
	}
}

type pendingRequest struct {
	request     *messaging.Message
	waiter      *Waiter
	timeout     time.Duration
	expiresAt   time.Time
	retriesLeft int
	retryDelay  time.Duration
	attempts    int
}

// Protocol correlates responses with in-flight requests. It installs itself
// as the router's ResponseResolver and runs one background monitor that
// expires requests and prunes its caches.
type Protocol struct {
	router Router
	cfg    config.RequestConfig
	logger *slog.Logger
	events observability.Emitter

	mutex     sync.Mutex
	pending   map[string]*pendingRequest
	early     earlyCache
	completed map[string]time.Time
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(router Router, cfg config.RequestConfig, opts ...Option) *Protocol {
	defaults := config.DefaultRequestConfig()
	defaults.Merge(&cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		router:    router,
		cfg:       defaults,
		logger:    defaults.Logger,
		pending:   make(map[string]*pendingRequest),
		early:     newEarlyCache(),
		completed: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.events = observability.NewEmitter(
		"request.Protocol",
		observability.NewRegistry(p.logger).Resolve(defaults.Observer),
	)
	for _, opt := range opts {
		opt(p)
	}

	router.SetResponseResolver(p)
	go p.monitor()

	return p
}

// SendRequest sends a request and blocks until its response arrives, it
// times out after all retries, ctx is done or the protocol shuts down.
func (p *Protocol) SendRequest(ctx context.Context, params Params) (*messaging.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	waiter, err := p.SendRequestAsync(ctx, params)
	if err != nil {
		return nil, err
	}
	id := waiter.Request().ID

	for {
		deadline, tracked := p.deadline(id)
		if !tracked {
			return waiter.Wait(ctx)
		}

		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-waiter.Done():
			timer.Stop()
			return waiter.Result()
		case <-ctx.Done():
			timer.Stop()
			p.abandon(id, ctx.Err())
			return nil, fmt.Errorf("request %s: %w", id, ctx.Err())
		case now := <-timer.C:
			p.expire(id, now)
		}
	}
}

// SendRequestAsync sends a request and returns its Waiter. A response
// already cached for the new request id or conversation id resolves the
// Waiter immediately.
func (p *Protocol) SendRequestAsync(ctx context.Context, params Params) (*Waiter, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	req := params.build()
	waiter := newWaiter(req, params.Callback, p.logger)

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout.Std()
	}
	now := time.Now()

	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil, messaging.ErrProtocolShutdown
	}

	if entry := p.early.take(req.ID, req.Metadata.ConversationID); entry != nil {
		p.completed[req.ID] = now
		p.mutex.Unlock()

		p.logger.DebugContext(
			ctx,
			"request resolved from early response",
			slog.String("request_id", req.ID),
			slog.String("response_id", entry.response.ID),
			slog.String("conversation_id", req.Metadata.ConversationID),
		)
		waiter.resolve(entry.response, nil)
		return waiter, nil
	}

	p.pending[req.ID] = &pendingRequest{
		request:     req,
		waiter:      waiter,
		timeout:     timeout,
		expiresAt:   now.Add(timeout),
		retriesLeft: max(params.RetryCount, 0),
		retryDelay:  max(params.RetryDelay, 0),
		attempts:    1,
	}
	p.mutex.Unlock()

	if !p.router.Send(req) {
		if params.RetryCount <= 0 {
			err := fmt.Errorf("request %s to %s: %w", req.ID, req.Recipient, messaging.ErrSendFailed)
			p.fail(req.ID, err)
			return nil, err
		}
		p.logger.WarnContext(
			ctx,
			"request send failed, awaiting retry",
			slog.String("request_id", req.ID),
			slog.String("recipient", req.Recipient),
		)
	}

	p.logger.DebugContext(
		ctx,
		"request sent",
		slog.String("request_id", req.ID),
		slog.String("recipient", req.Recipient),
		slog.Duration("timeout", timeout),
		slog.Int("retries", params.RetryCount),
	)
	p.events.Emit(ctx, EventRequestSent, observability.LevelVerbose, map[string]any{
		"request_id": req.ID,
		"recipient":  req.Recipient,
	})

	return waiter, nil
}

// SendResponse builds a response correlated to request and routes it.
func (p *Protocol) SendResponse(request *messaging.Message, sender string, level messaging.Level, content map[string]any) (*messaging.Message, bool) {
	resp := messaging.NewResponse(request, sender, level, content).Build()
	return resp, p.router.Send(resp)
}

// HandleResponse resolves the pending request named by resp's reply-to id.
// A response for an unknown request is dropped when that request already
// completed and cached otherwise. It reports true only when it resolved a
// pending request.
func (p *Protocol) HandleResponse(resp *messaging.Message) bool {
	replyTo := resp.Metadata.ReplyTo
	if replyTo == "" {
		return false
	}
	now := time.Now()

	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return false
	}

	if pr, ok := p.pending[replyTo]; ok {
		delete(p.pending, replyTo)
		p.completed[replyTo] = now
		p.mutex.Unlock()

		resolved := pr.waiter.resolve(resp, nil)
		p.logger.Debug(
			"request resolved",
			slog.String("request_id", replyTo),
			slog.String("response_id", resp.ID),
			slog.Int("attempts", pr.attempts),
		)
		p.events.Emit(context.Background(), EventRequestResolved, observability.LevelVerbose, map[string]any{
			"request_id":  replyTo,
			"response_id": resp.ID,
			"attempts":    pr.attempts,
		})
		return resolved
	}

	if _, done := p.completed[replyTo]; done {
		p.mutex.Unlock()
		p.logger.Debug(
			"late response dropped",
			slog.String("request_id", replyTo),
			slog.String("response_id", resp.ID),
		)
		p.events.Emit(context.Background(), EventResponseDropped, observability.LevelVerbose, map[string]any{
			"request_id":  replyTo,
			"response_id": resp.ID,
		})
		return false
	}

	cached := p.early.put(resp, now)
	p.mutex.Unlock()

	if cached {
		p.logger.Debug(
			"early response cached",
			slog.String("request_id", replyTo),
			slog.String("response_id", resp.ID),
			slog.String("conversation_id", resp.Metadata.ConversationID),
		)
		p.events.Emit(context.Background(), EventResponseEarly, observability.LevelVerbose, map[string]any{
			"request_id":  replyTo,
			"response_id": resp.ID,
		})
	}
	return false
}

// Pending returns the number of requests awaiting a response.
func (p *Protocol) Pending() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.pending)
}

// EarlyResponses returns the number of cached early responses.
func (p *Protocol) EarlyResponses() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.early.len()
}

func (p *Protocol) deadline(id string) (time.Time, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	pr, ok := p.pending[id]
	if !ok {
		return time.Time{}, false
	}
	return pr.expiresAt, true
}

// expire retries or times out request id if its expiry has passed at now.
func (p *Protocol) expire(id string, now time.Time) {
	p.mutex.Lock()
	pr, ok := p.pending[id]
	if !ok || now.Before(pr.expiresAt) {
		p.mutex.Unlock()
		return
	}

	if pr.retriesLeft > 0 {
		pr.retriesLeft--
		pr.attempts++
		pr.expiresAt = now.Add(pr.retryDelay + pr.timeout)
		attempt := pr.attempts
		p.mutex.Unlock()

		p.logger.Debug(
			"request retry scheduled",
			slog.String("request_id", id),
			slog.Int("attempt", attempt),
			slog.Duration("delay", pr.retryDelay),
		)
		p.events.Emit(context.Background(), EventRequestRetry, observability.LevelInfo, map[string]any{
			"request_id": id,
			"attempt":    attempt,
		})
		time.AfterFunc(pr.retryDelay, func() { p.resend(id) })
		return
	}

	delete(p.pending, id)
	p.completed[id] = now
	p.mutex.Unlock()

	err := &messaging.TimeoutError{RequestID: id, Attempts: pr.attempts, Timeout: pr.timeout}
	pr.waiter.resolve(nil, err)

	p.logger.Warn(
		"request timed out",
		slog.String("request_id", id),
		slog.String("recipient", pr.request.Recipient),
		slog.Int("attempts", pr.attempts),
	)
	p.events.Emit(context.Background(), EventRequestTimeout, observability.LevelWarning, map[string]any{
		"request_id": id,
		"attempts":   pr.attempts,
	})
}

func (p *Protocol) resend(id string) {
	p.mutex.Lock()
	pr, ok := p.pending[id]
	closed := p.closed
	p.mutex.Unlock()

	if !ok || closed {
		return
	}
	if !p.router.Send(pr.request) {
		p.logger.Warn(
			"request resend failed",
			slog.String("request_id", id),
			slog.String("recipient", pr.request.Recipient),
		)
	}
}

// fail removes request id and resolves its waiter with err.
func (p *Protocol) fail(id string, err error) {
	p.mutex.Lock()
	pr, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
		p.completed[id] = time.Now()
	}
	p.mutex.Unlock()

	if ok {
		pr.waiter.resolve(nil, err)
	}
}

func (p *Protocol) abandon(id string, cause error) {
	p.fail(id, fmt.Errorf("request %s abandoned: %w", id, cause))
}

// Shutdown stops the monitor, resolves every pending waiter with
// ErrProtocolShutdown and detaches from the router. Later requests fail
// with ErrProtocolShutdown.
func (p *Protocol) Shutdown(timeout time.Duration) error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	pending := p.pending
	p.pending = make(map[string]*pendingRequest)
	p.mutex.Unlock()

	p.logger.Debug("shutting down request protocol", slog.Int("pending", len(pending)))
	p.cancel()
	p.router.ClearResponseResolver(p)

	for id, pr := range pending {
		pr.waiter.resolve(nil, fmt.Errorf("request %s: %w", id, messaging.ErrProtocolShutdown))
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("request protocol shutdown timeout after %v", timeout)
	}
}

func (p *Protocol) monitor() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.MonitorInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case now := <-ticker.C:
			p.sweep(now)
		}
	}
}

// sweep runs one monitor iteration. A panic is logged and the loop goes on.
func (p *Protocol) sweep(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("request monitor iteration panicked", slog.String("panic", fmt.Sprint(r)))
			p.events.Emit(context.Background(), EventMonitorPanic, observability.LevelError, map[string]any{
				"panic": fmt.Sprint(r),
			})
		}
	}()

	p.mutex.Lock()
	var due []string
	for id, pr := range p.pending {
		if !now.Before(pr.expiresAt) {
			due = append(due, id)
		}
	}

	cutoff := now.Add(-p.cfg.EarlyResponseTTL.Std())
	pruned := p.early.prune(cutoff)
	for id, at := range p.completed {
		if at.Before(cutoff) {
			delete(p.completed, id)
		}
	}
	p.mutex.Unlock()

	for _, id := range due {
		p.expire(id, now)
	}

	if pruned > 0 {
		p.logger.Debug("early responses pruned", slog.Int("count", pruned))
	}
}

// IsTimeout reports whether err ended a request by timing out.
func IsTimeout(err error) bool {
	return errors.Is(err, messaging.ErrRequestTimeout)
}
