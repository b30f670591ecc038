package pubsub

import "time"

type publishOptions struct {
	ttl       time.Duration
	hasTTL    bool
	metadata  map[string]any
	recipient string
}

// PublishOption adjusts a single Publish call.
type PublishOption func(*publishOptions)

// WithTTL overrides the topic's default TTL. Zero keeps the publication
// until it falls out of history.
func WithTTL(ttl time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

// WithMetadata attaches free-form keys to Metadata.Extra.
func WithMetadata(metadata map[string]any) PublishOption {
	return func(o *publishOptions) { o.metadata = metadata }
}

// WithRecipient addresses the forwarded publication to one agent.
func WithRecipient(recipient string) PublishOption {
	return func(o *publishOptions) { o.recipient = recipient }
}
