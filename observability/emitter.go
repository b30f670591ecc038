package observability

import (
	"context"
	"time"
)

// Emitter stamps events with a fixed source and the current time before
// handing them to an Observer. The zero value discards events.
type Emitter struct {
	Source   string
	Observer Observer
}

// NewEmitter returns an Emitter for source. A nil observer discards events.
func NewEmitter(source string, observer Observer) Emitter {
	if observer == nil {
		observer = NoOpObserver{}
	}
	return Emitter{Source: source, Observer: observer}
}

// Emit builds and delivers one event.
func (e Emitter) Emit(ctx context.Context, typ EventType, level Level, data map[string]any) {
	if e.Observer == nil {
		return
	}
	e.Observer.OnEvent(ctx, Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    e.Source,
		Data:      data,
	})
}
