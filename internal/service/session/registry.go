package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/internal/service/metrics"
)

var (
	ErrSessionExists   = errors.New("session already registered")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("session id and channel are required")
)

// Channel is an open output towards one client (SSE response or WebSocket).
type Channel interface {
	Send(ev stream.Event) error
	Close() error
}

// Option configures a session at registration.
type Option func(*Session)

// WithCancel attaches the signal fired by Cancel, Close and transport failures.
func WithCancel(cancel context.CancelFunc) Option {
	return func(s *Session) { s.cancel = cancel }
}

// WithLabels records what the session is running.
func WithLabels(feature, taskID, modelKey string) Option {
	return func(s *Session) {
		s.feature = feature
		s.taskID = taskID
		s.modelKey = modelKey
	}
}

// Registry maps session ids to open channels. The zero value is not usable;
// create one with NewRegistry and share it between handlers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		metrics:  m,
	}
}

// Register binds a channel to sessionID. It fails if the id is already active.
func (r *Registry) Register(sessionID string, ch Channel, opts ...Option) (*Session, error) {
	if sessionID == "" || ch == nil {
		return nil, ErrInvalidSession
	}

	s := &Session{
		id:        sessionID,
		channel:   ch,
		status:    stream.StatusRunning,
		createdAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	r.mu.Lock()
	if _, exists := r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
	}
	r.sessions[sessionID] = s
	r.mu.Unlock()

	r.metrics.SessionOpened()
	log.Printf("[registry] registered session=%s feature=%s", sessionID, s.feature)
	return s, nil
}

// Get returns the active session for sessionID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Send writes ev to the session's channel. Unknown sessions are a logged no-op.
// The returned error is a transport failure; the session has then already been
// marked failed and its cancel signal fired.
func (r *Registry) Send(sessionID string, ev stream.Event) error {
	s, ok := r.Get(sessionID)
	if !ok {
		log.Printf("[registry] dropping %s event for unknown session=%s", ev.Type, sessionID)
		r.metrics.EventDropped("unknown_session")
		return nil
	}

	delivered, err := s.send(ev)
	if err != nil {
		r.metrics.EventDropped("transport")
		log.Printf("[registry] transport failure session=%s: %v", sessionID, err)
		return err
	}
	if !delivered {
		r.metrics.EventDropped("after_terminal")
		log.Printf("[registry] dropping %s event after terminal state session=%s", ev.Type, sessionID)
		return nil
	}
	r.metrics.EventDelivered(string(ev.Type))
	return nil
}

// Close flushes the channel and removes the session. Calling it again is a no-op.
func (r *Registry) Close(sessionID string) {
	r.closeSession(sessionID, nil)
}

func (r *Registry) closeSession(sessionID string, final *stream.Event) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if s.close(final) {
		r.metrics.EventDelivered(string(final.Type))
	}
	r.metrics.SessionClosed()
	log.Printf("[registry] closed session=%s status=%s events=%d", sessionID, s.Status(), s.Events())
}

// Cancel fires the cancel signal of an active session.
func (r *Registry) Cancel(sessionID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.requestCancel()
	return nil
}

// List snapshots all active sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CancelAll fires the cancel signal of every active session without closing
// them, so producers can still deliver their own terminal events.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		s.requestCancel()
	}
	return len(r.sessions)
}

// CloseAll cancels and closes every session. Sessions that have not ended yet
// receive a cancelled error event first. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.requestCancel()
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		final := stream.ErrorEvent("server shutting down", 0, map[string]any{"cancelled": true})
		r.closeSession(id, &final)
	}
}
