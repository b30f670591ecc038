// Package messaging provides the message model exchanged on the bus.
//
// Every component of the bus (channels, the middleware, the request-response
// and publish-subscribe protocols) trades *Message values. A message carries
// a closed Kind, the sender's tier Level, an optional recipient, a Priority,
// an opaque Content map and typed Metadata used for correlation and delivery.
//
// # Message Construction
//
// Messages are constructed using a fluent builder API:
//
//	msg := messaging.NewCommand("strategic-1", messaging.LevelStrategic, "tactical-1", map[string]any{
//	    "objective": "analyze argument",
//	}).
//	    Priority(messaging.PriorityHigh).
//	    Conversation("conv-42").
//	    Build()
//
// Responses are derived from the request they answer so correlation fields
// are always consistent:
//
//	response := messaging.NewResponse(request, "tactical-1", messaging.LevelTactical, result).Build()
//
// # Content Hints
//
// The bus never interprets Content except for three keys: "infoType" and
// "requestType" drive channel routing, and "data" is offloaded to the blob
// channel when it is large.
//
// # Filters
//
// Filter selects messages for channel and topic subscribers:
//
//	filter := messaging.Filter{
//	    messaging.FilterPriority: []messaging.Priority{messaging.PriorityHigh, messaging.PriorityCritical},
//	    messaging.FilterContent:  map[string]any{"infoType": "analysis_result"},
//	}
//
// # Errors
//
// The sentinel errors shared across the bus live here so callers can test
// them with errors.Is regardless of which component produced them.
package messaging
