// Package pubsub implements topic-based publish-subscribe on top of the
// middleware.
//
// Topics are created on first use. Each keeps a bounded history of
// publications; an entry expires after the publication TTL (the topic's
// TTL unless overridden with WithTTL) and is removed by a background
// cleanup loop. Expired entries are never returned by History.
//
// Publish invokes every subscriber whose filter matches, synchronously and
// in subscription order, then forwards the message through the router so
// middleware handlers and the pubsub channel observe it. A panicking
// callback is logged and skipped.
//
//	ps := pubsub.New(mw, cfg.PubSub)
//	ps.Subscribe("alerts", "tactical-1", onAlert, messaging.Filter{"priority": "high"})
//	notified := ps.Publish("alerts", "strategic-1", messaging.LevelStrategic, content, messaging.PriorityHigh)
package pubsub
