package messaging

import (
	"fmt"
	"reflect"
)

// Filter selects messages for subscribers. Attribute keys are matched
// against the message; the "content" key holds a nested map matched
// key by key against Content. A slice value means "any of".
type Filter map[string]any

// Filter attribute keys.
const (
	FilterSender      = "sender"
	FilterSenderLevel = "sender_level"
	FilterPriority    = "priority"
	FilterKind        = "kind"
	FilterRecipient   = "recipient"
	FilterChannel     = "channel"
	FilterContent     = "content"
)

// Matches reports whether msg satisfies every entry of f. A nil or empty
// filter matches everything. Unknown keys never match.
func (f Filter) Matches(msg *Message) bool {
	for key, want := range f {
		var got any
		switch key {
		case FilterSender:
			got = msg.Sender
		case FilterSenderLevel:
			got = msg.SenderLevel
		case FilterPriority:
			got = msg.Priority
		case FilterKind:
			got = msg.Kind
		case FilterRecipient:
			got = msg.Recipient
		case FilterChannel:
			got = msg.ChannelHint
		case FilterContent:
			if !matchContent(want, msg.Content) {
				return false
			}
			continue
		default:
			return false
		}

		if !matchValue(want, got) {
			return false
		}
	}
	return true
}

func matchContent(want any, content map[string]any) bool {
	wantMap, ok := want.(map[string]any)
	if !ok {
		return false
	}
	for key, wantValue := range wantMap {
		got, exists := content[key]
		if !exists {
			return false
		}
		if nested, ok := wantValue.(map[string]any); ok {
			gotMap, ok := got.(map[string]any)
			if !ok || !matchContent(nested, gotMap) {
				return false
			}
			continue
		}
		if !matchValue(wantValue, got) {
			return false
		}
	}
	return true
}

func matchValue(want, got any) bool {
	v := reflect.ValueOf(want)
	if v.Kind() == reflect.Slice && v.Type().Elem().Kind() != reflect.Uint8 {
		for i := 0; i < v.Len(); i++ {
			if equalValue(v.Index(i).Interface(), got) {
				return true
			}
		}
		return false
	}
	return equalValue(want, got)
}

// equalValue compares by equality, then numerically when both sides are
// numbers so that 2 matches PriorityHigh, then by string form so that
// "high" matches PriorityHigh and "strategic" matches LevelStrategic.
func equalValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}
