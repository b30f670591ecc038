package request

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

// Callback is invoked once when a request resolves, with either the
// response or the error that ended it.
type Callback func(response *messaging.Message, err error)

// Waiter is the single-resolution handle of an in-flight request. It is
// resolved exactly once, from whichever goroutine sees the outcome first.
type Waiter struct {
	request *messaging.Message
	done    chan struct{}
	once    sync.Once

	response *messaging.Message
	err      error

	callback Callback
	logger   *slog.Logger
}

func newWaiter(req *messaging.Message, callback Callback, logger *slog.Logger) *Waiter {
	return &Waiter{
		request:  req,
		done:     make(chan struct{}),
		callback: callback,
		logger:   logger,
	}
}

// Request returns the request message this waiter tracks.
func (w *Waiter) Request() *messaging.Message { return w.request }

// Done is closed once the waiter is resolved.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Result returns the outcome. Before Done is closed it returns nil, nil.
func (w *Waiter) Result() (*messaging.Message, error) {
	select {
	case <-w.done:
		return w.response, w.err
	default:
		return nil, nil
	}
}

// Wait blocks until the waiter resolves or ctx is done. Cancelling ctx
// does not resolve the waiter.
func (w *Waiter) Wait(ctx context.Context) (*messaging.Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-w.done:
		return w.response, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve reports whether this call was the one that resolved the waiter.
func (w *Waiter) resolve(response *messaging.Message, err error) bool {
	resolved := false
	w.once.Do(func() {
		w.response = response
		w.err = err
		close(w.done)
		resolved = true
	})

	if resolved && w.callback != nil {
		w.notify()
	}
	return resolved
}

func (w *Waiter) notify() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error(
				"request callback panicked",
				slog.String("request_id", w.request.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	w.callback(w.response, w.err)
}
