package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
)

// Session is one registered client connection. Writes to its channel are
// serialised, and at most one terminal event is ever written.
type Session struct {
	id        string
	feature   string
	taskID    string
	modelKey  string
	createdAt time.Time
	channel   Channel
	cancel    context.CancelFunc

	mu        sync.Mutex
	status    stream.Status
	terminal  bool
	closed    bool
	events    int
	lastError string
	done      chan struct{}
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID        string        `json:"id"`
	Feature   string        `json:"feature,omitempty"`
	TaskID    string        `json:"taskId,omitempty"`
	ModelKey  string        `json:"modelKey,omitempty"`
	Status    stream.Status `json:"status"`
	Events    int           `json:"events"`
	LastError string        `json:"lastError,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

func (s *Session) ID() string { return s.id }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() stream.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Terminated reports whether a terminal event was delivered or the
// transport failed.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.id,
		Feature:   s.feature,
		TaskID:    s.taskID,
		ModelKey:  s.modelKey,
		Status:    s.status,
		Events:    s.events,
		LastError: s.lastError,
		CreatedAt: s.createdAt,
	}
}

func (s *Session) send(ev stream.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(ev)
}

func (s *Session) sendLocked(ev stream.Event) (bool, error) {
	if s.closed || s.terminal {
		return false, nil
	}

	ev.SessionID = s.id
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	if err := s.channel.Send(ev); err != nil {
		s.terminal = true
		s.status = stream.StatusFailed
		s.lastError = err.Error()
		s.requestCancel()
		return false, fmt.Errorf("send %s: %w", ev.Type, err)
	}

	s.events++
	if ev.Type.Terminal() {
		s.terminal = true
		s.status = stream.StatusFor(ev)
		if ev.Type == stream.EventError {
			s.lastError = errorMessage(ev.Payload)
		}
	}
	return true, nil
}

// close 关闭会话。final 非空且会话尚未结束时，先把 final 作为终止事件写出。
func (s *Session) close(final *stream.Event) (delivered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if final != nil {
		var err error
		if delivered, err = s.sendLocked(*final); err != nil {
			log.Printf("[registry] final event session=%s: %v", s.id, err)
		}
	}
	s.closed = true
	if !s.status.Done() {
		s.status = stream.StatusCancelled
	}
	s.requestCancel()

	if err := s.channel.Close(); err != nil {
		log.Printf("[registry] close channel session=%s: %v", s.id, err)
	}
	close(s.done)
	return delivered
}

// requestCancel needs no lock: cancel is set once at registration and
// context.CancelFunc is safe for concurrent use.
func (s *Session) requestCancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func errorMessage(raw json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Message
}
