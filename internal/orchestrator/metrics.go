package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"yardkit/internal/domain"
)

// Metrics holds the Prometheus collectors for lines and shifts. A nil *Metrics is valid and
// records nothing.
//
// Metrics:
//   - yardkit_runs_total{status} - runs that reached a terminal status
//   - yardkit_active_runs - runs currently executing phases
//   - yardkit_phase_duration_seconds{phase,outcome} - phase wall time
//   - yardkit_lock_contention_total - runs skipped because the task was already locked
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	ActiveRuns     prometheus.Gauge
	PhaseDuration  *prometheus.HistogramVec
	LockContention prometheus.Counter
}

// NewMetrics registers the collectors with reg. Pass a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yardkit_runs_total",
				Help: "Total number of runs that reached a terminal status",
			},
			[]string{"status"},
		),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "yardkit_active_runs",
			Help: "Number of runs currently executing phases",
		}),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yardkit_phase_duration_seconds",
				Help:    "Duration of line phases in seconds",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 1800, 3600},
			},
			[]string{"phase", "outcome"},
		),
		LockContention: factory.NewCounter(prometheus.CounterOpts{
			Name: "yardkit_lock_contention_total",
			Help: "Total number of runs skipped because their task was already locked",
		}),
	}
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) runSettled(status domain.RunStatus) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) phaseObserved(phase domain.Phase, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "complete"
	if !ok {
		outcome = "failed"
	}
	m.PhaseDuration.WithLabelValues(string(phase), outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) contended() {
	if m == nil {
		return
	}
	m.LockContention.Inc()
}
