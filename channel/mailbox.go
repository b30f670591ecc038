package channel

import (
	"time"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

type mailboxEntry struct {
	message    *messaging.Message
	receivedAt time.Time
	read       bool
}

// mailbox is an append-only inbox with read flags. Entries are consumed in
// arrival order, so read entries always form a prefix that compact drops.
type mailbox struct {
	entries []*mailboxEntry
}

func (m *mailbox) put(msg *messaging.Message) {
	m.entries = append(m.entries, &mailboxEntry{message: msg, receivedAt: time.Now()})
}

// next marks the first unread entry read and returns its message.
func (m *mailbox) next() *messaging.Message {
	for _, e := range m.entries {
		if !e.read {
			e.read = true
			m.compact()
			return e.message
		}
	}
	return nil
}

// drain marks up to max unread entries read (all when max <= 0).
func (m *mailbox) drain(max int) []*messaging.Message {
	var out []*messaging.Message
	for _, e := range m.entries {
		if max > 0 && len(out) >= max {
			break
		}
		if !e.read {
			e.read = true
			out = append(out, e.message)
		}
	}
	m.compact()
	return out
}

func (m *mailbox) unread() int {
	n := 0
	for _, e := range m.entries {
		if !e.read {
			n++
		}
	}
	return n
}

func (m *mailbox) compact() {
	i := 0
	for i < len(m.entries) && m.entries[i].read {
		m.entries[i] = nil
		i++
	}
	if i > 0 {
		m.entries = m.entries[i:]
	}
}

// mailboxes maps recipients to their inbox. Callers hold the owning
// channel's lock.
type mailboxes map[string]*mailbox

func (mb mailboxes) deliver(recipientID string, msg *messaging.Message) {
	box, exists := mb[recipientID]
	if !exists {
		box = &mailbox{}
		mb[recipientID] = box
	}
	box.put(msg)
}

func (mb mailboxes) next(recipientID string) *messaging.Message {
	box, exists := mb[recipientID]
	if !exists {
		return nil
	}
	return box.next()
}

func (mb mailboxes) drain(recipientID string, max int) []*messaging.Message {
	box, exists := mb[recipientID]
	if !exists {
		return nil
	}
	return box.drain(max)
}

func (mb mailboxes) unread() int {
	n := 0
	for _, box := range mb {
		n += box.unread()
	}
	return n
}
