package pubsub

import (
	"time"

	"github.com/tailored-agentic-units/messagebus/channel"
	"github.com/tailored-agentic-units/messagebus/messaging"
)

// Topic is a snapshot of a topic.
type Topic struct {
	ID            string        `json:"id"`
	Description   string        `json:"description,omitempty"`
	TTL           time.Duration `json:"ttl"`
	CreatedAt     time.Time     `json:"created_at"`
	Subscriptions int           `json:"subscriptions"`
	HistorySize   int           `json:"history_size"`
}

// Publication is one history entry. A zero ExpiresAt never expires.
type Publication struct {
	Message     *messaging.Message `json:"message"`
	PublishedAt time.Time          `json:"published_at"`
	ExpiresAt   time.Time          `json:"expires_at,omitempty"`
}

func (p Publication) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

type subscription struct {
	id           string
	subscriberID string
	callback     channel.Callback
	filter       messaging.Filter
}

type topic struct {
	id          string
	description string
	ttl         time.Duration
	createdAt   time.Time
	subs        []*subscription
	history     []Publication
}

func (t *topic) snapshot() *Topic {
	return &Topic{
		ID:            t.id,
		Description:   t.description,
		TTL:           t.ttl,
		CreatedAt:     t.createdAt,
		Subscriptions: len(t.subs),
		HistorySize:   len(t.history),
	}
}

// record appends p and drops the oldest entries beyond limit.
func (t *topic) record(p Publication, limit int) {
	t.history = append(t.history, p)
	if limit > 0 && len(t.history) > limit {
		t.history = t.history[len(t.history)-limit:]
	}
}

func (t *topic) matching(msg *messaging.Message) []*subscription {
	out := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.filter.Matches(msg) {
			out = append(out, sub)
		}
	}
	return out
}

// prune drops expired history entries and returns how many it dropped.
func (t *topic) prune(now time.Time) int {
	kept := t.history[:0]
	for _, p := range t.history {
		if !p.Expired(now) {
			kept = append(kept, p)
		}
	}
	dropped := len(t.history) - len(kept)
	for i := len(kept); i < len(t.history); i++ {
		t.history[i] = Publication{}
	}
	t.history = kept
	return dropped
}
