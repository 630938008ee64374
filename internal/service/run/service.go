package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/arc-relay/backend/internal/model/feature"
	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
	"github.com/zhouzirui/arc-relay/backend/internal/model/stream"
	"github.com/zhouzirui/arc-relay/backend/internal/service/ai"
	"github.com/zhouzirui/arc-relay/backend/internal/service/bridge"
	"github.com/zhouzirui/arc-relay/backend/internal/service/history"
	"github.com/zhouzirui/arc-relay/backend/internal/service/metrics"
	"github.com/zhouzirui/arc-relay/backend/internal/service/session"
)

var (
	ErrInvalidRequest   = errors.New("invalid start request")
	ErrModelNotAllowed  = errors.New("model not allowed for feature")
	ErrAnalyzerDisabled = errors.New("llm analysis is not configured")
	ErrSessionExpired   = errors.New("pending session expired")
)

// Runner executes a solver process for a session. *bridge.Bridge implements it.
type Runner interface {
	Run(ctx context.Context, sessionID string, cmd bridge.Command) (bridge.Result, error)
}

// Analyzer streams an LLM analysis for a session. *ai.Service implements it.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID string, req ai.Request, sink ai.Sink) error
}

// Config tunes the run service.
type Config struct {
	PendingTTL time.Duration
	WorkDir    string
}

// Pending is a prepared run waiting for a client to attach.
type Pending struct {
	SessionID string    `json:"sessionId"`
	Feature   string    `json:"feature"`
	TaskID    string    `json:"taskId"`
	ModelKey  string    `json:"modelKey"`
	ExpiresAt time.Time `json:"expiresAt"`

	request run.StartRequest
	feature feature.Feature
}

// Service wires features to producers and sessions to history.
type Service struct {
	registry *session.Registry
	features feature.Store
	runner   Runner
	analyzer Analyzer
	history  history.Store
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*Pending
	wg      sync.WaitGroup
}

// NewService creates the run service. analyzer may be nil, in which case llm
// features are rejected.
func NewService(registry *session.Registry, features feature.Store, runner Runner, analyzer Analyzer, store history.Store, m *metrics.Metrics, cfg Config) *Service {
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 2 * time.Minute
	}
	return &Service{
		registry: registry,
		features: features,
		runner:   runner,
		analyzer: analyzer,
		history:  store,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		pending:  make(map[string]*Pending),
	}
}

// Stream validates req, opens a session on ch and blocks until the run ends.
func (s *Service) Stream(ctx context.Context, req run.StartRequest, ch session.Channel) (run.Record, error) {
	f, err := s.resolve(&req)
	if err != nil {
		return run.Record{}, err
	}
	return s.execute(ctx, uuid.NewString(), f, req, ch)
}

// Prepare validates req and parks it until a client attaches or the TTL passes.
func (s *Service) Prepare(req run.StartRequest) (Pending, error) {
	f, err := s.resolve(&req)
	if err != nil {
		return Pending{}, err
	}

	p := &Pending{
		SessionID: uuid.NewString(),
		Feature:   f.ID,
		TaskID:    req.TaskID,
		ModelKey:  req.ModelKey,
		ExpiresAt: s.now().Add(s.cfg.PendingTTL).UTC(),
		request:   req,
		feature:   f,
	}

	s.mu.Lock()
	s.pending[p.SessionID] = p
	s.mu.Unlock()

	log.Printf("[run] prepared session=%s feature=%s task=%s", p.SessionID, f.ID, req.TaskID)
	return *p, nil
}

// Lookup checks that sessionID can be attached without consuming it. Transports
// that must commit to a protocol before attaching (WebSocket upgrade) call it first.
func (s *Service) Lookup(sessionID string) (Pending, error) {
	if _, active := s.registry.Get(sessionID); active {
		return Pending{}, fmt.Errorf("%w: %s", session.ErrSessionExists, sessionID)
	}

	s.mu.Lock()
	p, ok := s.pending[sessionID]
	s.mu.Unlock()

	if !ok {
		return Pending{}, session.ErrSessionNotFound
	}
	if s.now().After(p.ExpiresAt) {
		return Pending{}, ErrSessionExpired
	}
	return *p, nil
}

// Attach starts a prepared run on ch and blocks until it ends.
func (s *Service) Attach(ctx context.Context, sessionID string, ch session.Channel) (run.Record, error) {
	if _, active := s.registry.Get(sessionID); active {
		return run.Record{}, fmt.Errorf("%w: %s", session.ErrSessionExists, sessionID)
	}

	s.mu.Lock()
	p, ok := s.pending[sessionID]
	if ok {
		delete(s.pending, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return run.Record{}, session.ErrSessionNotFound
	}
	if s.now().After(p.ExpiresAt) {
		s.metrics.StartRejected("expired")
		return run.Record{}, ErrSessionExpired
	}
	return s.execute(ctx, sessionID, p.feature, p.request, ch)
}

// Cancel aborts a pending or active run.
func (s *Service) Cancel(sessionID string) error {
	s.mu.Lock()
	p, ok := s.pending[sessionID]
	if ok {
		delete(s.pending, sessionID)
	}
	s.mu.Unlock()

	if ok {
		now := s.now().UTC()
		s.save(context.Background(), run.Record{
			ID:        sessionID,
			Feature:   p.Feature,
			TaskID:    p.TaskID,
			ModelKey:  p.ModelKey,
			Status:    stream.StatusCancelled,
			StartedAt: now,
			EndedAt:   now,
		})
		log.Printf("[run] cancelled pending session=%s", sessionID)
		return nil
	}

	if err := s.registry.Cancel(sessionID); err != nil {
		return err
	}
	log.Printf("[run] cancel requested session=%s", sessionID)
	return nil
}

// PendingCount returns the number of prepared runs not yet attached.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SweepExpired drops prepared runs whose TTL has passed.
func (s *Service) SweepExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, p := range s.pending {
		if now.After(p.ExpiresAt) {
			delete(s.pending, id)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[run] swept %d expired pending sessions", removed)
	}
	return removed
}

// StartJanitor sweeps expired pending runs until ctx is done.
func (s *Service) StartJanitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PendingTTL / 2)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
}

// Wait blocks until every in-flight run has written its history record.
func (s *Service) Wait() {
	s.wg.Wait()
}

// WaitTimeout is Wait bounded by d. It reports whether all runs finished.
func (s *Service) WaitTimeout(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Service) resolve(req *run.StartRequest) (feature.Feature, error) {
	if err := req.Validate(); err != nil {
		s.metrics.StartRejected("invalid")
		return feature.Feature{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	f, ok := s.features.FindByID(req.Feature)
	if !ok {
		s.metrics.StartRejected("unknown_feature")
		return feature.Feature{}, fmt.Errorf("%w: %s", feature.ErrFeatureNotFound, req.Feature)
	}
	if !f.AllowsModel(req.ModelKey) {
		s.metrics.StartRejected("model")
		return feature.Feature{}, fmt.Errorf("%w: %s does not accept %s", ErrModelNotAllowed, f.ID, req.ModelKey)
	}
	if f.Kind == feature.KindLLM && s.analyzer == nil {
		s.metrics.StartRejected("analyzer_disabled")
		return feature.Feature{}, ErrAnalyzerDisabled
	}
	return f, nil
}

func (s *Service) execute(ctx context.Context, sessionID string, f feature.Feature, req run.StartRequest, ch session.Channel) (run.Record, error) {
	s.wg.Add(1)
	defer s.wg.Done()

	runCtx, cancel := context.WithTimeout(ctx, f.Timeout())
	defer cancel()

	sess, err := s.registry.Register(sessionID, ch,
		session.WithCancel(cancel),
		session.WithLabels(f.ID, req.TaskID, req.ModelKey))
	if err != nil {
		s.metrics.StartRejected("collision")
		return run.Record{}, err
	}

	rec := run.Record{
		ID:        sessionID,
		Feature:   f.ID,
		TaskID:    req.TaskID,
		ModelKey:  req.ModelKey,
		StartedAt: s.now().UTC(),
	}
	log.Printf("[run] started session=%s feature=%s task=%s model=%s", sessionID, f.ID, req.TaskID, req.ModelKey)

	switch f.Kind {
	case feature.KindProcess:
		res, err := s.runner.Run(runCtx, sessionID, s.command(sessionID, f, req))
		if err != nil {
			log.Printf("[run] session=%s: %v", sessionID, err)
		} else {
			code := res.ExitCode
			rec.ExitCode = &code
		}
	case feature.KindLLM:
		if err := s.analyzer.Analyze(runCtx, sessionID, ai.Request{
			TaskID:       req.TaskID,
			ModelKey:     req.ModelKey,
			Mode:         req.Mode,
			Task:         req.OptionString("task"),
			Instructions: req.OptionString("instructions"),
		}, s.registry); err != nil {
			log.Printf("[run] session=%s: %v", sessionID, err)
		}
	}

	s.registry.Close(sessionID)

	info := sess.Info()
	rec.Status = info.Status
	rec.Error = info.LastError
	rec.Events = info.Events
	rec.EndedAt = s.now().UTC()

	s.metrics.RunFinished(f.ID, string(rec.Status), rec.Duration())
	s.save(ctx, rec)
	log.Printf("[run] finished session=%s status=%s events=%d elapsed=%s",
		sessionID, rec.Status, rec.Events, rec.Duration().Round(time.Millisecond))
	return rec, nil
}

func (s *Service) command(sessionID string, f feature.Feature, req run.StartRequest) bridge.Command {
	options := req.Options
	if options == nil {
		options = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"taskId":    req.TaskID,
		"modelKey":  req.ModelKey,
		"options":   options,
	})
	if err != nil {
		// Options came from decoded JSON, so this only fails on a programming error.
		log.Printf("[run] session=%s marshal run payload: %v", sessionID, err)
	}

	dir := f.Dir
	if dir == "" {
		dir = s.cfg.WorkDir
	}

	env := append(f.EnvList(),
		"ARC_SESSION_ID="+sessionID,
		"ARC_TASK_ID="+req.TaskID,
		"ARC_MODEL_KEY="+req.ModelKey,
		"PYTHONUNBUFFERED=1",
	)

	return bridge.Command{
		Path:  f.Command,
		Args:  append([]string(nil), f.Args...),
		Env:   env,
		Dir:   dir,
		Stdin: append(payload, '\n'),
	}
}

func (s *Service) save(ctx context.Context, rec run.Record) {
	if s.history == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.history.Save(saveCtx, rec); err != nil {
		log.Printf("[run] save history session=%s: %v", rec.ID, err)
	}
}
