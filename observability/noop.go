package observability

import "context"

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) OnEvent(context.Context, Event) {}

var (
	_ Observer = NoOpObserver{}
	_ Observer = (*SlogObserver)(nil)
	_ Observer = (*MultiObserver)(nil)
	_ Observer = (*Recorder)(nil)
)
