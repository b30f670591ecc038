package messaging

import (
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindCommand      Kind = "command"
	KindInformation  Kind = "information"
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindEvent        Kind = "event"
	KindControl      Kind = "control"
	KindPublication  Kind = "publication"
	KindSubscription Kind = "subscription"
)

// Kinds lists every message kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindCommand,
		KindInformation,
		KindRequest,
		KindResponse,
		KindEvent,
		KindControl,
		KindPublication,
		KindSubscription,
	}
}

func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Priorities lists priorities from most to least urgent, which is also
// delivery order.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Level is the tier an agent belongs to. It is used for filtering only.
type Level string

const (
	LevelStrategic   Level = "strategic"
	LevelTactical    Level = "tactical"
	LevelOperational Level = "operational"
	LevelSystem      Level = "system"
)

// ChannelKind names a transport registered with the middleware.
type ChannelKind string

const (
	ChannelPriority ChannelKind = "priority"
	ChannelGroup    ChannelKind = "group"
	ChannelBlob     ChannelKind = "blob"
	ChannelPubSub   ChannelKind = "pubsub"
)

// Content keys inspected by routing and the blob channel.
const (
	ContentInfoType    = "infoType"
	ContentRequestType = "requestType"
	ContentData        = "data"
)

// Metadata carries correlation and delivery hints. Extra holds caller
// supplied keys the bus never interprets.
type Metadata struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	GroupID        string         `json:"group_id,omitempty"`
	Topic          string         `json:"topic,omitempty"`
	RequiresAck    bool           `json:"requires_ack,omitempty"`
	TTLSeconds     int            `json:"ttl_seconds,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

type Message struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Sender      string         `json:"sender"`
	SenderLevel Level          `json:"sender_level"`
	Recipient   string         `json:"recipient,omitempty"`
	ChannelHint ChannelKind    `json:"channel_hint,omitempty"`
	Priority    Priority       `json:"priority"`
	Content     map[string]any `json:"content,omitempty"`
	Metadata    Metadata       `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (msg *Message) IsRequest() bool {
	return msg.Kind == KindRequest
}

func (msg *Message) IsResponse() bool {
	return msg.Kind == KindResponse
}

// IsBroadcast reports whether the message has no single recipient.
func (msg *Message) IsBroadcast() bool {
	return msg.Recipient == ""
}

// Expired reports whether the message TTL has elapsed at now. Messages
// without a TTL never expire.
func (msg *Message) Expired(now time.Time) bool {
	if msg.Metadata.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(msg.CreatedAt) >= time.Duration(msg.Metadata.TTLSeconds)*time.Second
}

// ContentString returns Content[key] when it holds a string.
func (msg *Message) ContentString(key string) string {
	if msg.Content == nil {
		return ""
	}
	s, _ := msg.Content[key].(string)
	return s
}

func (msg *Message) Clone() *Message {
	clone := *msg
	clone.Content = cloneMap(msg.Content)
	clone.Metadata.Extra = cloneMap(msg.Metadata.Extra)
	return &clone
}

func (msg *Message) String() string {
	return fmt.Sprintf(
		"Message{ID: %s, Kind: %s, Sender: %s, Recipient: %s, Priority: %s}",
		msg.ID,
		msg.Kind,
		msg.Sender,
		msg.Recipient,
		msg.Priority,
	)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := maps.Clone(m)
	for k, v := range clone {
		if nested, ok := v.(map[string]any); ok {
			clone[k] = cloneMap(nested)
		}
	}
	return clone
}

// NewID returns a time-sortable unique identifier.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
