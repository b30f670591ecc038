package middleware

import (
	"strings"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

// RoutingRule sends messages matching Match to Channel. Rules are
// evaluated in order and the first match wins.
type RoutingRule struct {
	Name    string
	Match   func(msg *messaging.Message) bool
	Channel messaging.ChannelKind
}

func kindIs(kind messaging.Kind) func(*messaging.Message) bool {
	return func(msg *messaging.Message) bool { return msg.Kind == kind }
}

// DefaultRoutingRules returns the built-in routing table. Messages matching
// no rule go to the priority channel.
func DefaultRoutingRules() []RoutingRule {
	return []RoutingRule{
		{
			Name:    "group-id",
			Match:   func(msg *messaging.Message) bool { return msg.Metadata.GroupID != "" },
			Channel: messaging.ChannelGroup,
		},
		{Name: "command", Match: kindIs(messaging.KindCommand), Channel: messaging.ChannelPriority},
		{Name: "control", Match: kindIs(messaging.KindControl), Channel: messaging.ChannelPriority},
		{
			Name: "assistance-request",
			Match: func(msg *messaging.Message) bool {
				return msg.Kind == messaging.KindRequest &&
					strings.Contains(msg.ContentString(messaging.ContentRequestType), "assistance")
			},
			Channel: messaging.ChannelGroup,
		},
		{
			Name: "analysis-result",
			Match: func(msg *messaging.Message) bool {
				return msg.Kind == messaging.KindInformation &&
					strings.Contains(msg.ContentString(messaging.ContentInfoType), "analysis_result")
			},
			Channel: messaging.ChannelBlob,
		},
		{Name: "publication", Match: kindIs(messaging.KindPublication), Channel: messaging.ChannelPubSub},
		{Name: "subscription", Match: kindIs(messaging.KindSubscription), Channel: messaging.ChannelPubSub},
	}
}

// AddRoutingRule puts rule ahead of every existing rule.
func (m *Middleware) AddRoutingRule(rule RoutingRule) {
	if rule.Match == nil {
		return
	}

	m.rulesMutex.Lock()
	m.rules = append([]RoutingRule{rule}, m.rules...)
	m.rulesMutex.Unlock()
}

// DetermineChannel resolves the channel kind for msg: a hint naming a
// registered channel wins, then the routing table, then the priority
// channel.
func (m *Middleware) DetermineChannel(msg *messaging.Message) messaging.ChannelKind {
	if msg.ChannelHint != "" {
		if _, exists := m.GetChannel(msg.ChannelHint); exists {
			return msg.ChannelHint
		}
	}

	m.rulesMutex.RLock()
	rules := m.rules
	m.rulesMutex.RUnlock()

	for _, rule := range rules {
		if rule.Match(msg) {
			return rule.Channel
		}
	}
	return messaging.ChannelPriority
}
