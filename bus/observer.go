package bus

import "github.com/tailored-agentic-units/messagebus/observability"

// Bus lifecycle event types.
const (
	EventStarted  observability.EventType = "bus.started"
	EventShutdown observability.EventType = "bus.shutdown"
)
