package stream

import "encoding/json"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Done reports whether the status is terminal.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StatusFor derives the terminal status implied by a terminal event.
// Error payloads flagged with "cancelled": true map to StatusCancelled.
func StatusFor(ev Event) Status {
	switch ev.Type {
	case EventFinal:
		return StatusCompleted
	case EventError:
		if cancelledPayload(ev.Payload) {
			return StatusCancelled
		}
		return StatusFailed
	default:
		return StatusRunning
	}
}

func cancelledPayload(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var body struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}
	return body.Cancelled
}
