package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

// Handler processes a received message. Errors and panics are logged and
// never stop the remaining handlers.
type Handler func(ctx context.Context, msg *messaging.Message) error

// ResponseResolver gets the first look at every received response.
// HandleResponse reports whether it consumed the response.
type ResponseResolver interface {
	HandleResponse(msg *messaging.Message) bool
}

func (m *Middleware) RegisterHandler(kind messaging.Kind, handler Handler) {
	if handler == nil {
		return
	}
	m.handlersMutex.Lock()
	m.handlers[kind] = append(m.handlers[kind], handler)
	m.handlersMutex.Unlock()
}

func (m *Middleware) RegisterGlobalHandler(handler Handler) {
	if handler == nil {
		return
	}
	m.handlersMutex.Lock()
	m.global = append(m.global, handler)
	m.handlersMutex.Unlock()
}

// SetResponseResolver installs r, or detaches the current resolver when r
// is nil.
func (m *Middleware) SetResponseResolver(r ResponseResolver) {
	m.handlersMutex.Lock()
	m.resolver = r
	m.handlersMutex.Unlock()
}

// ClearResponseResolver detaches r if it is still the installed resolver.
func (m *Middleware) ClearResponseResolver(r ResponseResolver) {
	m.handlersMutex.Lock()
	if m.resolver == r {
		m.resolver = nil
	}
	m.handlersMutex.Unlock()
}

// dispatch offers responses to the resolver first. A claimed response belongs
// to its waiter and skips every handler.
func (m *Middleware) dispatch(ctx context.Context, msg *messaging.Message) {
	m.handlersMutex.RLock()
	resolver := m.resolver
	byKind := m.handlers[msg.Kind]
	global := m.global
	m.handlersMutex.RUnlock()

	claimed := false
	if msg.IsResponse() && resolver != nil {
		claimed = m.offer(ctx, resolver, msg)
	}

	if claimed {
		return
	}
	for _, h := range byKind {
		m.invoke(ctx, h, msg)
	}
	for _, h := range global {
		m.invoke(ctx, h, msg)
	}
}

func (m *Middleware) offer(ctx context.Context, resolver ResponseResolver, msg *messaging.Message) (claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			claimed = false
			m.logger.ErrorContext(
				ctx,
				"response resolver panicked",
				slog.String("middleware", m.name),
				slog.String("message_id", msg.ID),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	return resolver.HandleResponse(msg)
}

func (m *Middleware) invoke(ctx context.Context, h Handler, msg *messaging.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.recordHandlerFailure()
			m.logger.ErrorContext(
				ctx,
				"message handler panicked",
				slog.String("middleware", m.name),
				slog.String("message_id", msg.ID),
				slog.String("kind", string(msg.Kind)),
				slog.String("panic", fmt.Sprint(r)),
			)
			m.events.Emit(ctx, EventHandlerFailed, observability.LevelError, map[string]any{
				"message_id": msg.ID,
				"panic":      fmt.Sprint(r),
			})
		}
	}()

	if err := h(ctx, msg); err != nil {
		m.metrics.recordHandlerFailure()
		m.logger.WarnContext(
			ctx,
			"message handler failed",
			slog.String("middleware", m.name),
			slog.String("message_id", msg.ID),
			slog.String("kind", string(msg.Kind)),
			slog.String("error", err.Error()),
		)
		m.events.Emit(ctx, EventHandlerFailed, observability.LevelWarning, map[string]any{
			"message_id": msg.ID,
			"error":      err.Error(),
		})
	}
}

func (m *Middleware) handlerCounts() (byKind, global int) {
	m.handlersMutex.RLock()
	defer m.handlersMutex.RUnlock()

	for _, hs := range m.handlers {
		byKind += len(hs)
	}
	return byKind, len(m.global)
}
