// Package request implements correlated request-response on top of the
// middleware.
//
// A request moves through Created → Sent → Waiting and ends Resolved,
// TimedOut or EarlyResolved. The Protocol registers itself as the
// middleware's ResponseResolver, so any goroutine that receives a response
// through the middleware resolves the matching Waiter. Waiters resolve
// exactly once.
//
// Responses that arrive before their request is pending are cached under
// both their reply-to id and conversation id. A new request first checks
// that cache by its own id and conversation id; a hit consumes the entry
// under both keys so one response never reaches two waiters. Responses for
// requests that already completed are dropped. Cached responses and
// completed ids are forgotten after RequestConfig.EarlyResponseTTL.
//
// A background monitor expires requests (resending while retries remain)
// and prunes the caches. Shutdown stops it and resolves every pending
// Waiter with messaging.ErrProtocolShutdown.
//
//	p := request.New(mw, cfg.Request)
//	params := request.NewParams("strategic-1", messaging.LevelStrategic, "tactical-1", "status", nil)
//	params.Timeout = 5 * time.Second
//	params.RetryCount = 2
//	resp, err := p.SendRequest(ctx, params)
//	if request.IsTimeout(err) { ... }
package request
