package request

import (
	"time"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

// earlyResponse is a response that arrived before its request was pending.
// One entry is indexed under both its reply-to id and its conversation id
// so taking it through either key removes both.
type earlyResponse struct {
	response     *messaging.Message
	replyTo      string
	conversation string
	cachedAt     time.Time
}

type earlyCache struct {
	byReplyTo      map[string]*earlyResponse
	byConversation map[string]*earlyResponse
}

func newEarlyCache() earlyCache {
	return earlyCache{
		byReplyTo:      make(map[string]*earlyResponse),
		byConversation: make(map[string]*earlyResponse),
	}
}

// put reports false when the same response is already cached.
func (c *earlyCache) put(resp *messaging.Message, now time.Time) bool {
	replyTo := resp.Metadata.ReplyTo
	if existing, ok := c.byReplyTo[replyTo]; ok && existing.response.ID == resp.ID {
		return false
	}

	entry := &earlyResponse{
		response:     resp,
		replyTo:      replyTo,
		conversation: resp.Metadata.ConversationID,
		cachedAt:     now,
	}
	if previous, ok := c.byReplyTo[replyTo]; ok {
		c.remove(previous)
	}
	c.byReplyTo[replyTo] = entry
	if entry.conversation != "" {
		c.byConversation[entry.conversation] = entry
	}
	return true
}

// take removes and returns the entry cached under requestID, or failing
// that under conversationID.
func (c *earlyCache) take(requestID, conversationID string) *earlyResponse {
	entry, ok := c.byReplyTo[requestID]
	if !ok && conversationID != "" {
		entry, ok = c.byConversation[conversationID]
	}
	if !ok {
		return nil
	}
	c.remove(entry)
	return entry
}

func (c *earlyCache) remove(entry *earlyResponse) {
	if c.byReplyTo[entry.replyTo] == entry {
		delete(c.byReplyTo, entry.replyTo)
	}
	if entry.conversation != "" && c.byConversation[entry.conversation] == entry {
		delete(c.byConversation, entry.conversation)
	}
}

// prune drops entries cached before cutoff and returns how many it dropped.
// Every entry is indexed by reply-to, so walking that map is enough.
func (c *earlyCache) prune(cutoff time.Time) int {
	dropped := 0
	for _, entry := range c.byReplyTo {
		if entry.cachedAt.Before(cutoff) {
			c.remove(entry)
			dropped++
		}
	}
	return dropped
}

func (c *earlyCache) len() int {
	return len(c.byReplyTo)
}
