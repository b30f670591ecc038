package request

import (
	"time"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

// Params describes one request.
type Params struct {
	Sender      string
	SenderLevel messaging.Level
	Recipient   string
	RequestType string
	Content     map[string]any

	// Timeout per attempt; zero uses the protocol default.
	Timeout time.Duration

	// RetryCount extra attempts after the first times out, each sent
	// RetryDelay after the previous expiry.
	RetryCount int
	RetryDelay time.Duration

	Priority messaging.Priority

	// Channel forces a channel kind instead of routing.
	Channel messaging.ChannelKind

	// ConversationID is minted when empty.
	ConversationID string

	// Callback, when set, runs once on resolution.
	Callback Callback
}

// NewParams returns Params at normal priority with no retries.
func NewParams(sender string, level messaging.Level, recipient, requestType string, content map[string]any) Params {
	return Params{
		Sender:      sender,
		SenderLevel: level,
		Recipient:   recipient,
		RequestType: requestType,
		Content:     content,
		Priority:    messaging.PriorityNormal,
	}
}

func (p Params) build() *messaging.Message {
	conversation := p.ConversationID
	if conversation == "" {
		conversation = messaging.NewID()
	}

	builder := messaging.NewRequest(p.Sender, p.SenderLevel, p.Recipient, p.RequestType, p.Content).
		Priority(p.Priority).
		Conversation(conversation)
	if p.Channel != "" {
		builder = builder.Channel(p.Channel)
	}
	return builder.Build()
}
