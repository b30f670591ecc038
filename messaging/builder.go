package messaging

import (
	"maps"
	"time"
)

type MessageBuilder struct {
	message *Message
}

func NewMessage(kind Kind, sender string, level Level, recipient string, content map[string]any) *MessageBuilder {
	if content == nil {
		content = make(map[string]any)
	} else {
		content = maps.Clone(content)
	}
	return &MessageBuilder{
		message: &Message{
			ID:          NewID(),
			Kind:        kind,
			Sender:      sender,
			SenderLevel: level,
			Recipient:   recipient,
			Priority:    PriorityNormal,
			Content:     content,
			CreatedAt:   time.Now(),
		},
	}
}

func NewCommand(sender string, level Level, recipient string, content map[string]any) *MessageBuilder {
	return NewMessage(KindCommand, sender, level, recipient, content)
}

func NewInformation(sender string, level Level, recipient, infoType string, content map[string]any) *MessageBuilder {
	mb := NewMessage(KindInformation, sender, level, recipient, content)
	mb.message.Content[ContentInfoType] = infoType
	return mb
}

func NewRequest(sender string, level Level, recipient, requestType string, content map[string]any) *MessageBuilder {
	mb := NewMessage(KindRequest, sender, level, recipient, content)
	mb.message.Content[ContentRequestType] = requestType
	return mb
}

// NewResponse builds a reply to request, addressed to its sender and
// correlated by reply-to id and conversation id.
func NewResponse(request *Message, sender string, level Level, content map[string]any) *MessageBuilder {
	return NewMessage(KindResponse, sender, level, request.Sender, content).
		ReplyTo(request.ID).
		Conversation(request.Metadata.ConversationID).
		Priority(request.Priority)
}

func NewEvent(sender string, level Level, content map[string]any) *MessageBuilder {
	return NewMessage(KindEvent, sender, level, "", content)
}

func NewPublication(sender string, level Level, topic string, content map[string]any) *MessageBuilder {
	return NewMessage(KindPublication, sender, level, "", content).Topic(topic)
}

func (mb *MessageBuilder) Priority(priority Priority) *MessageBuilder {
	mb.message.Priority = priority
	return mb
}

func (mb *MessageBuilder) Recipient(recipient string) *MessageBuilder {
	mb.message.Recipient = recipient
	return mb
}

func (mb *MessageBuilder) Channel(kind ChannelKind) *MessageBuilder {
	mb.message.ChannelHint = kind
	return mb
}

func (mb *MessageBuilder) Conversation(conversationID string) *MessageBuilder {
	mb.message.Metadata.ConversationID = conversationID
	return mb
}

func (mb *MessageBuilder) ReplyTo(replyTo string) *MessageBuilder {
	mb.message.Metadata.ReplyTo = replyTo
	return mb
}

func (mb *MessageBuilder) Group(groupID string) *MessageBuilder {
	mb.message.Metadata.GroupID = groupID
	return mb
}

func (mb *MessageBuilder) Topic(topic string) *MessageBuilder {
	mb.message.Metadata.Topic = topic
	return mb
}

func (mb *MessageBuilder) RequiresAck(ack bool) *MessageBuilder {
	mb.message.Metadata.RequiresAck = ack
	return mb
}

func (mb *MessageBuilder) TTL(ttl time.Duration) *MessageBuilder {
	mb.message.Metadata.TTLSeconds = int(ttl / time.Second)
	return mb
}

func (mb *MessageBuilder) Extra(extra map[string]any) *MessageBuilder {
	if len(extra) == 0 {
		return mb
	}
	if mb.message.Metadata.Extra == nil {
		mb.message.Metadata.Extra = make(map[string]any, len(extra))
	}
	maps.Copy(mb.message.Metadata.Extra, extra)
	return mb
}

func (mb *MessageBuilder) Build() *Message {
	return mb.message
}
