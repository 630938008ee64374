package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "arc_relay"

// Metrics holds the Prometheus collectors for stream sessions.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	malformedLines prometheus.Counter
	processExits   *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	rejectedStarts *prometheus.CounterVec
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active_sessions",
			Help:      "Number of sessions currently registered",
		}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "sessions_total",
			Help:      "Finished sessions by feature and terminal status",
		}, []string{"feature", "status"}),
		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_total",
			Help:      "Events delivered to clients by type",
		}, []string{"type"}),
		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "events_dropped_total",
			Help:      "Events not delivered, by reason",
		}, []string{"reason"}),
		malformedLines: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "malformed_lines_total",
			Help:      "Child stdout lines that were not JSON objects",
		}),
		processExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "process_exits_total",
			Help:      "Child process exits by outcome",
		}, []string{"outcome"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "run_duration_seconds",
			Help:      "Wall time from session start to terminal state",
			Buckets:   []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		}, []string{"feature"}),
		rejectedStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "rejected_starts_total",
			Help:      "Start requests rejected before a session was created",
		}, []string{"reason"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// RunFinished records the terminal status and duration of a run.
func (m *Metrics) RunFinished(feature, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(feature, status).Inc()
	m.runDuration.WithLabelValues(feature).Observe(elapsed.Seconds())
}

func (m *Metrics) EventDelivered(eventType string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) MalformedLine() {
	if m == nil {
		return
	}
	m.malformedLines.Inc()
}

// ProcessExited records a child exit; outcome is "ok", "nonzero", "signaled" or "start_failed".
func (m *Metrics) ProcessExited(outcome string) {
	if m == nil {
		return
	}
	m.processExits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StartRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedStarts.WithLabelValues(reason).Inc()
}
