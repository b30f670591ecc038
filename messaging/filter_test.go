package messaging_test

import (
	"testing"

	"github.com/tailored-agentic-units/messagebus/messaging"
)

func TestFilter_Matches(t *testing.T) {
	msg := messaging.NewInformation("operational-1", messaging.LevelOperational, "tactical-1", "analysis_result", map[string]any{
		"score": 3,
		"details": map[string]any{
			"fallacy": "ad hominem",
		},
	}).Priority(messaging.PriorityHigh).Build()

	tests := []struct {
		name   string
		filter messaging.Filter
		want   bool
	}{
		{name: "nil filter", filter: nil, want: true},
		{name: "sender match", filter: messaging.Filter{"sender": "operational-1"}, want: true},
		{name: "sender mismatch", filter: messaging.Filter{"sender": "other"}, want: false},
		{name: "priority typed", filter: messaging.Filter{"priority": messaging.PriorityHigh}, want: true},
		{name: "priority by name", filter: messaging.Filter{"priority": "high"}, want: true},
		{name: "priority any of", filter: messaging.Filter{"priority": []messaging.Priority{messaging.PriorityCritical, messaging.PriorityHigh}}, want: true},
		{name: "priority numeric", filter: messaging.Filter{"priority": 2}, want: true},
		{name: "priority numeric from json", filter: messaging.Filter{"priority": float64(2)}, want: true},
		{name: "priority numeric mismatch", filter: messaging.Filter{"priority": 1}, want: false},
		{name: "priority numeric any of", filter: messaging.Filter{"priority": []any{int64(3), uint8(2)}}, want: true},
		{name: "priority none of", filter: messaging.Filter{"priority": []any{"low", "normal"}}, want: false},
		{name: "sender level", filter: messaging.Filter{"sender_level": "operational"}, want: true},
		{name: "kind", filter: messaging.Filter{"kind": messaging.KindInformation}, want: true},
		{name: "recipient", filter: messaging.Filter{"recipient": "tactical-1"}, want: true},
		{name: "content key", filter: messaging.Filter{"content": map[string]any{"infoType": "analysis_result"}}, want: true},
		{name: "content numeric kinds", filter: messaging.Filter{"content": map[string]any{"score": 3.0}}, want: true},
		{name: "content any of", filter: messaging.Filter{"content": map[string]any{"score": []int{1, 3}}}, want: true},
		{name: "content nested", filter: messaging.Filter{"content": map[string]any{"details": map[string]any{"fallacy": "ad hominem"}}}, want: true},
		{name: "content nested mismatch", filter: messaging.Filter{"content": map[string]any{"details": map[string]any{"fallacy": "strawman"}}}, want: false},
		{name: "content missing key", filter: messaging.Filter{"content": map[string]any{"absent": 1}}, want: false},
		{name: "content not a map", filter: messaging.Filter{"content": "x"}, want: false},
		{name: "unknown key", filter: messaging.Filter{"color": "blue"}, want: false},
		{
			name: "all attributes",
			filter: messaging.Filter{
				"sender":       "operational-1",
				"sender_level": messaging.LevelOperational,
				"priority":     messaging.PriorityHigh,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(msg); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
