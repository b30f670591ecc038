package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tailored-agentic-units/messagebus/config"
	"github.com/tailored-agentic-units/messagebus/messaging"
	"github.com/tailored-agentic-units/messagebus/observability"
)

var errNoRecipient = errors.New("message has neither group nor recipient")

// Group is a snapshot of a collaboration group.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Members     []string  `json:"members"`
	CreatedAt   time.Time `json:"created_at"`
	HistorySize int       `json:"history_size"`
}

// HistoryEntry records a message accepted by a group.
type HistoryEntry struct {
	Message    *messaging.Message `json:"message"`
	ReceivedAt time.Time          `json:"received_at"`
}

type group struct {
	id          string
	name        string
	description string
	members     map[string]struct{}
	history     []HistoryEntry
	createdAt   time.Time
}

func (g *group) snapshot() Group {
	members := make([]string, 0, len(g.members))
	for m := range g.members {
		members = append(members, m)
	}
	sort.Strings(members)

	return Group{
		ID:          g.id,
		Name:        g.name,
		Description: g.description,
		Members:     members,
		CreatedAt:   g.createdAt,
		HistorySize: len(g.history),
	}
}

// GroupChannel delivers messages to collaboration groups and, for messages
// without a group id, directly to a recipient's mailbox.
type GroupChannel struct {
	base

	autoCreate   bool
	historyLimit int

	mutex     sync.RWMutex
	groups    map[string]*group
	mailboxes mailboxes
}

func NewGroupChannel(cfg config.ChannelConfig, opts ...Option) *GroupChannel {
	defaults := config.DefaultChannelConfig()
	defaults.Merge(&cfg)

	o := buildOptions(messaging.ChannelGroup, defaults.Logger, opts)
	c := &GroupChannel{
		autoCreate:   defaults.AutoCreateGroups,
		historyLimit: defaults.GroupHistoryLimit,
		groups:       make(map[string]*group),
		mailboxes:    make(mailboxes),
	}
	c.base.init(o)
	return c
}

// CreateGroup registers a group and returns its id. An empty id mints one.
// Creating an existing id returns it unchanged.
func (c *GroupChannel) CreateGroup(id, name, description string, members []string) string {
	if id == "" {
		id = messaging.NewID()
	}

	c.mutex.Lock()
	if _, exists := c.groups[id]; exists {
		c.mutex.Unlock()
		c.logger.Warn(
			"group already exists",
			slog.String("channel_id", c.id),
			slog.String("group_id", id),
		)
		return id
	}

	g := &group{
		id:          id,
		name:        name,
		description: description,
		members:     make(map[string]struct{}, len(members)),
		createdAt:   time.Now(),
	}
	if g.name == "" {
		g.name = id
	}
	for _, m := range members {
		g.members[m] = struct{}{}
	}
	c.groups[id] = g
	c.mutex.Unlock()

	c.logger.Debug(
		"group created",
		slog.String("channel_id", c.id),
		slog.String("group_id", id),
		slog.Int("members", len(members)),
	)
	c.events.Emit(context.Background(), EventGroupCreated, observability.LevelInfo, map[string]any{
		"group_id": id,
		"members":  len(members),
	})

	return id
}

func (c *GroupChannel) DeleteGroup(id string) bool {
	c.mutex.Lock()
	_, exists := c.groups[id]
	delete(c.groups, id)
	c.mutex.Unlock()

	if exists {
		c.events.Emit(context.Background(), EventGroupDeleted, observability.LevelInfo, map[string]any{"group_id": id})
	}
	return exists
}

// AddMember reports false when the group is missing or already has memberID.
func (c *GroupChannel) AddMember(groupID, memberID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	g, exists := c.groups[groupID]
	if !exists {
		return false
	}
	if _, member := g.members[memberID]; member {
		return false
	}
	g.members[memberID] = struct{}{}
	return true
}

// RemoveMember reports false when the group is missing or lacks memberID.
func (c *GroupChannel) RemoveMember(groupID, memberID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	g, exists := c.groups[groupID]
	if !exists {
		return false
	}
	if _, member := g.members[memberID]; !member {
		return false
	}
	delete(g.members, memberID)
	return true
}

func (c *GroupChannel) Group(id string) (Group, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	g, exists := c.groups[id]
	if !exists {
		return Group{}, false
	}
	return g.snapshot(), true
}

// Groups returns group ids in sorted order.
func (c *GroupChannel) Groups() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GroupHistory returns the most recent max entries (all when max <= 0),
// oldest first.
func (c *GroupChannel) GroupHistory(id string, max int) []HistoryEntry {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	g, exists := c.groups[id]
	if !exists {
		return nil
	}
	history := g.history
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	out := make([]HistoryEntry, len(history))
	copy(out, history)
	return out
}

func (c *GroupChannel) Send(msg *messaging.Message) bool {
	if msg == nil {
		return c.reject(nil, errNoMessage)
	}

	groupID := msg.Metadata.GroupID
	switch {
	case groupID != "":
		if err := c.sendToGroup(groupID, msg); err != nil {
			return c.reject(msg, err)
		}
	case msg.Recipient != "":
		c.mutex.Lock()
		c.mailboxes.deliver(msg.Recipient, msg)
		c.mutex.Unlock()
	default:
		return c.reject(msg, errNoRecipient)
	}

	c.changed.notify()
	c.events.Emit(context.Background(), EventMessageQueued, observability.LevelVerbose, map[string]any{
		"message_id": msg.ID,
		"group_id":   groupID,
		"recipient":  msg.Recipient,
	})

	c.publish(msg)
	return true
}

func (c *GroupChannel) sendToGroup(groupID string, msg *messaging.Message) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	g, exists := c.groups[groupID]
	if !exists {
		if !c.autoCreate {
			return fmt.Errorf("group %s: %w", groupID, messaging.ErrNotFound)
		}
		g = &group{
			id:        groupID,
			name:      groupID,
			members:   map[string]struct{}{msg.Sender: {}},
			createdAt: time.Now(),
		}
		c.groups[groupID] = g
		c.logger.Debug(
			"group auto-created",
			slog.String("channel_id", c.id),
			slog.String("group_id", groupID),
			slog.String("sender", msg.Sender),
		)
	}

	if _, member := g.members[msg.Sender]; !member {
		return fmt.Errorf("%s in group %s: %w", msg.Sender, groupID, messaging.ErrUnauthorized)
	}

	g.history = append(g.history, HistoryEntry{Message: msg, ReceivedAt: time.Now()})
	if c.historyLimit > 0 && len(g.history) > c.historyLimit {
		g.history = g.history[len(g.history)-c.historyLimit:]
	}

	for member := range g.members {
		if member != msg.Sender {
			c.mailboxes.deliver(member, msg)
		}
	}
	return nil
}

func (c *GroupChannel) Receive(ctx context.Context, recipientID string, timeout time.Duration) *messaging.Message {
	return await(ctx, timeout, c.Changed, func() *messaging.Message {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		return c.mailboxes.next(recipientID)
	})
}

func (c *GroupChannel) GetPending(recipientID string, max int) []*messaging.Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.mailboxes.drain(recipientID, max)
}

func (c *GroupChannel) Info() Info {
	c.mutex.RLock()
	groups := len(c.groups)
	recipients := len(c.mailboxes)
	pending := c.mailboxes.unread()
	c.mutex.RUnlock()

	return Info{
		ID:            c.id,
		Kind:          c.kind,
		Subscriptions: c.subscriptionCount(),
		Recipients:    recipients,
		Pending:       pending,
		Details: map[string]any{
			"groups":             groups,
			"auto_create_groups": c.autoCreate,
		},
	}
}
