package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

var errNoMessage = errors.New("nil message")

// bucketQueue keeps one FIFO per priority level.
type bucketQueue struct {
	buckets [messaging.PriorityCritical + 1][]*messaging.Message
	size    int
}

func (q *bucketQueue) push(msg *messaging.Message) {
	p := msg.Priority
	if !p.Valid() {
		p = messaging.PriorityNormal
	}
	q.buckets[p] = append(q.buckets[p], msg)
	q.size++
}

func (q *bucketQueue) pop() *messaging.Message {
	for _, p := range messaging.Priorities() {
		bucket := q.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		msg := bucket[0]
		bucket[0] = nil
		q.buckets[p] = bucket[1:]
		q.size--
		return msg
	}
	return nil
}

// PriorityChannel delivers point-to-point messages strictly by priority
// (Critical first) and FIFO within a priority. Messages without a recipient
// only reach subscribers.
type PriorityChannel struct {
	base

	mutex  sync.Mutex
	queues map[string]*bucketQueue
}

func NewPriorityChannel(opts ...Option) *PriorityChannel {
	o := buildOptions(messaging.ChannelPriority, nil, opts)
	c := &PriorityChannel{queues: make(map[string]*bucketQueue)}
	c.base.init(o)
	return c
}

func (c *PriorityChannel) Send(msg *messaging.Message) bool {
	if msg == nil {
		return c.reject(nil, errNoMessage)
	}

	if msg.Recipient != "" {
		c.mutex.Lock()
		q, exists := c.queues[msg.Recipient]
		if !exists {
			q = &bucketQueue{}
			c.queues[msg.Recipient] = q
		}
		q.push(msg)
		depth := q.size
		c.mutex.Unlock()

		c.changed.notify()

		c.logger.Debug(
			"message queued",
			slog.String("channel_id", c.id),
			slog.String("message_id", msg.ID),
			slog.String("recipient", msg.Recipient),
			slog.String("priority", msg.Priority.String()),
			slog.Int("depth", depth),
		)
		c.events.Emit(context.Background(), EventMessageQueued, observability.LevelVerbose, map[string]any{
			"message_id": msg.ID,
			"recipient":  msg.Recipient,
			"priority":   msg.Priority.String(),
		})
	}

	c.publish(msg)
	return true
}

func (c *PriorityChannel) Receive(ctx context.Context, recipientID string, timeout time.Duration) *messaging.Message {
	return await(ctx, timeout, c.Changed, func() *messaging.Message {
		return c.dequeue(recipientID)
	})
}

func (c *PriorityChannel) dequeue(recipientID string) *messaging.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	q, exists := c.queues[recipientID]
	if !exists {
		return nil
	}
	return q.pop()
}

func (c *PriorityChannel) GetPending(recipientID string, max int) []*messaging.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	q, exists := c.queues[recipientID]
	if !exists || q.size == 0 {
		return nil
	}

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	out := make([]*messaging.Message, 0, n)
	for len(out) < n {
		out = append(out, q.pop())
	}
	return out
}

func (c *PriorityChannel) Info() Info {
	c.mutex.Lock()
	pending := 0
	byPriority := make(map[string]int)
	for _, q := range c.queues {
		pending += q.size
		for p, bucket := range q.buckets {
			if len(bucket) > 0 {
				byPriority[messaging.Priority(p).String()] += len(bucket)
			}
		}
	}
	recipients := len(c.queues)
	c.mutex.Unlock()

	return Info{
		ID:            c.id,
		Kind:          c.kind,
		Subscriptions: c.subscriptionCount(),
		Recipients:    recipients,
		Pending:       pending,
		Details:       map[string]any{"pending_by_priority": byPriority},
	}
}
