package run

import (
	"time"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

// Record is the audit row written when a session reaches a terminal state.
// ID is the session id of the run.
type Record struct {
	ID        string        `json:"id"`
	Feature   string        `json:"feature"`
	TaskID    string        `json:"taskId"`
	ModelKey  string        `json:"modelKey"`
	Status    stream.Status `json:"status"`
	ExitCode  *int          `json:"exitCode,omitempty"`
	Error     string        `json:"error,omitempty"`
	Events    int           `json:"events"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
}

// Duration is the wall time of the run.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Filter narrows a history listing. Zero fields match everything.
type Filter struct {
	Feature string
	TaskID  string
	Status  stream.Status
	Limit   int
}

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Normalize clamps Limit into [1, MaxLimit].
func (f Filter) Normalize() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultLimit
	case f.Limit > MaxLimit:
		f.Limit = MaxLimit
	}
	return f
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	if f.Feature != "" && rec.Feature != f.Feature {
		return false
	}
	if f.TaskID != "" && rec.TaskID != f.TaskID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}
