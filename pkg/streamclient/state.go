package streamclient

import (
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"
)

// Status is the client-side view of a run.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Done reports whether no more events will be applied.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

const (
	DefaultMaxLogs  = 200
	DefaultMaxChars = 20000
)

// Event mirrors the server's stream event.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// LogLine is one entry of the capped log buffer.
type LogLine struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// State is a render-ready snapshot of a run.
type State struct {
	Status      Status          `json:"status"`
	SessionID   string          `json:"sessionId,omitempty"`
	Phase       string          `json:"phase,omitempty"`
	Message     string          `json:"message,omitempty"`
	Progress    *float64        `json:"progress,omitempty"`
	Logs        []LogLine       `json:"logs"`
	DroppedLogs int             `json:"droppedLogs,omitempty"`
	Text        string          `json:"text,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	Code        string          `json:"code,omitempty"`
	Final       json.RawMessage `json:"final,omitempty"`
	Error       string          `json:"error,omitempty"`
	Events      int             `json:"events"`
}

// Accumulator folds events into a State. It is safe for concurrent use.
type Accumulator struct {
	maxLogs  int
	maxChars int
	onUpdate func(State)

	mu    sync.Mutex
	state State
}

// NewAccumulator keeps at most maxLogs log lines and maxChars characters per
// text buffer. Non-positive limits fall back to the defaults.
func NewAccumulator(maxLogs, maxChars int, onUpdate func(State)) *Accumulator {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxLogs
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Accumulator{
		maxLogs:  maxLogs,
		maxChars: maxChars,
		onUpdate: onUpdate,
		state:    State{Status: StatusIdle},
	}
}

// Snapshot returns a copy of the current state.
func (a *Accumulator) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Accumulator) snapshotLocked() State {
	out := a.state
	out.Logs = append([]LogLine(nil), a.state.Logs...)
	return out
}

// SetStatus moves to a non-terminal status. A terminal status is never left.
func (a *Accumulator) SetStatus(status Status) {
	a.update(func(s *State) bool {
		if s.Status.Done() {
			return false
		}
		s.Status = status
		return true
	})
}

// Fail ends the run as failed unless it already reached a terminal status.
func (a *Accumulator) Fail(message string) {
	a.finish(StatusFailed, message)
}

// Cancel ends the run as cancelled unless it already reached a terminal status.
func (a *Accumulator) Cancel(message string) {
	a.finish(StatusCancelled, message)
}

func (a *Accumulator) finish(status Status, message string) {
	a.update(func(s *State) bool {
		if s.Status.Done() {
			return false
		}
		s.Status = status
		s.Error = message
		return true
	})
}

type progressPayload struct {
	Phase     string   `json:"phase"`
	Message   string   `json:"message"`
	Progress  *float64 `json:"progress"`
	Text      string   `json:"text"`
	Delta     string   `json:"delta"`
	Reasoning string   `json:"reasoning"`
	Code      string   `json:"code"`
}

type logPayload struct {
	Level   string `json:"level"`
	Stream  string `json:"stream"`
	Message string `json:"message"`
}

type errorPayload struct {
	Message   string `json:"message"`
	Cancelled bool   `json:"cancelled"`
}

// Apply folds one event into the state. Events after a terminal status are ignored.
func (a *Accumulator) Apply(ev Event) {
	a.update(func(s *State) bool {
		if s.Status.Done() || !knownType(ev.Type) {
			return false
		}
		s.Events++
		if ev.SessionID != "" {
			s.SessionID = ev.SessionID
		}
		at := time.UnixMilli(ev.Timestamp)

		switch ev.Type {
		case "start":
			s.Status = StatusRunning
		case "progress":
			s.Status = StatusRunning
			var p progressPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				return true
			}
			if p.Phase != "" {
				s.Phase = p.Phase
			}
			if p.Message != "" {
				s.Message = p.Message
			}
			if p.Progress != nil {
				s.Progress = p.Progress
			}
			s.Text = tailChars(s.Text+p.Text+p.Delta, a.maxChars)
			s.Reasoning = tailChars(s.Reasoning+p.Reasoning, a.maxChars)
			// 代码以最新一次为准。
			if p.Code != "" {
				s.Code = tailChars(p.Code, a.maxChars)
			}
		case "log":
			var p logPayload
			if json.Unmarshal(ev.Payload, &p) != nil {
				p.Message = string(ev.Payload)
			}
			level := p.Level
			if level == "" {
				level = "info"
				if p.Stream == "stderr" {
					level = "stderr"
				}
			}
			a.appendLog(s, LogLine{Level: level, Message: p.Message, Time: at})
		case "error":
			var p errorPayload
			_ = json.Unmarshal(ev.Payload, &p)
			s.Error = p.Message
			s.Status = StatusFailed
			if p.Cancelled {
				s.Status = StatusCancelled
			}
		case "final":
			s.Final = append(json.RawMessage(nil), ev.Payload...)
			s.Status = StatusCompleted
		}
		return true
	})
}

func knownType(t string) bool {
	switch t {
	case "start", "progress", "log", "error", "final":
		return true
	default:
		return false
	}
}

func (a *Accumulator) appendLog(s *State, line LogLine) {
	s.Logs = append(s.Logs, line)
	if over := len(s.Logs) - a.maxLogs; over > 0 {
		s.Logs = append(s.Logs[:0:0], s.Logs[over:]...)
		s.DroppedLogs += over
	}
}

func (a *Accumulator) update(fn func(*State) bool) {
	a.mu.Lock()
	changed := fn(&a.state)
	var snap State
	if changed && a.onUpdate != nil {
		snap = a.snapshotLocked()
	}
	a.mu.Unlock()

	if changed && a.onUpdate != nil {
		a.onUpdate(snap)
	}
}

// tailChars keeps the last max characters of s.
func tailChars(s string, max int) string {
	n := utf8.RuneCountInString(s)
	if n <= max {
		return s
	}
	skip := n - max
	for i := range s {
		if skip == 0 {
			return s[i:]
		}
		skip--
	}
	return ""
}
