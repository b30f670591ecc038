// Package middleware is the central router of the message bus.
//
// A Middleware holds one channel per messaging.ChannelKind and an ordered
// routing table. Send resolves the channel for a message (an explicit hint
// naming a registered channel wins, otherwise the first matching rule),
// stamps Message.ChannelHint and delegates. Send never returns an error or
// panics; failures are logged, counted and reported as false.
//
// Receive either reads one named channel or fans in over every registered
// channel. Received messages are dispatched before they are returned:
//
//  1. A response is first offered to the ResponseResolver (normally the
//     request-response protocol). If it is claimed, per-kind handlers are
//     skipped.
//  2. Handlers registered for the message kind run in registration order.
//  3. Global handlers always run.
//
// Every handler is isolated; an error or panic is logged and the next one
// runs.
//
// Counters are available as a Statistics snapshot and through a Prometheus
// registry owned by the instance (Registry), ready to be served by
// promhttp.HandlerFor.
package middleware
