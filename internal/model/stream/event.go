package stream

import (
	"encoding/json"
	"time"
)

// EventType tags a stream event.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventError    EventType = "error"
	EventFinal    EventType = "final"
)

// ParseEventType maps a raw type tag onto a known EventType.
func ParseEventType(raw string) (EventType, bool) {
	switch EventType(raw) {
	case EventStart, EventProgress, EventLog, EventError, EventFinal:
		return EventType(raw), true
	default:
		return "", false
	}
}

// Terminal reports whether the event ends a session.
func (t EventType) Terminal() bool {
	return t == EventFinal || t == EventError
}

// Event is one message relayed to a client.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEvent builds an event with a marshalled payload. A payload that cannot be
// marshalled is replaced by an error description.
func NewEvent(t EventType, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return ev
	}
	if raw, ok := payload.(json.RawMessage); ok {
		ev.Payload = raw
		return ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshalError": err.Error()})
	}
	ev.Payload = data
	return ev
}

// ErrorEvent builds an error event with a message truncated to limit bytes.
func ErrorEvent(message string, limit int, extra map[string]any) Event {
	payload := map[string]any{"message": Truncate(message, limit)}
	for k, v := range extra {
		payload[k] = v
	}
	return NewEvent(EventError, payload)
}

// Truncate shortens s to at most limit bytes without splitting a UTF-8 rune.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	const suffix = "…"
	cut := limit - len(suffix)
	if cut < 0 {
		// 放不下省略号时只截断。
		return s[:runeBoundary(s, limit)]
	}
	return s[:runeBoundary(s, cut)] + suffix
}

func runeBoundary(s string, cut int) int {
	for cut > 0 && cut < len(s) && !isRuneStart(s[cut]) {
		cut--
	}
	return cut
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
