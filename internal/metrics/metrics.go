package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"qmove/internal/qmove"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus collectors for the move orchestrator. It
// implements qmove.Recorder.
type Metrics struct {
	StageDuration      *prometheus.HistogramVec
	StageFailures      *prometheus.CounterVec
	MovesFinished      *prometheus.CounterVec
	BytesStagedTotal   prometheus.Counter
	LockConflicts      prometheus.Counter
	ArtifactsReclaimed *prometheus.CounterVec
}

var _ qmove.Recorder = (*Metrics)(nil)

// NewMetrics creates and registers the collectors on the default registry.
// Registration happens once per process; later calls return the same value.
//
// Metrics:
//   - qmove_stage_duration_seconds{stage}
//   - qmove_stage_failures_total{stage,kind}
//   - qmove_moves_finished_total{state,kind}
//   - qmove_bytes_staged_total
//   - qmove_lock_conflicts_total
//   - qmove_artifacts_reclaimed_total{root}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "qmove_stage_duration_seconds",
					Help:    "Duration of each move stage in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~44min
				},
				[]string{"stage"},
			),

			StageFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qmove_stage_failures_total",
					Help: "Total number of failed move stages by error kind",
				},
				[]string{"stage", "kind"},
			),

			MovesFinished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qmove_moves_finished_total",
					Help: "Total number of moves that reached a terminal state",
				},
				[]string{"state", "kind"},
			),

			BytesStagedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "qmove_bytes_staged_total",
					Help: "Total number of bytes copied into staging artifacts",
				},
			),

			LockConflicts: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "qmove_lock_conflicts_total",
					Help: "Total number of rejected lock acquisitions",
				},
			),

			ArtifactsReclaimed: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "qmove_artifacts_reclaimed_total",
					Help: "Total number of staging artifacts removed by the janitor",
				},
				[]string{"root"},
			),
		}
	})

	return globalMetrics
}

func (m *Metrics) StageFinished(stage qmove.State, elapsed time.Duration, err error) {
	m.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(string(stage), qmove.KindOf(err)).Inc()
	}
}

func (m *Metrics) MoveFinished(state qmove.State, kind string) {
	m.MovesFinished.WithLabelValues(string(state), kind).Inc()
}

func (m *Metrics) BytesStaged(n int64) {
	if n > 0 {
		m.BytesStagedTotal.Add(float64(n))
	}
}

func (m *Metrics) LockConflict() {
	m.LockConflicts.Inc()
}

func (m *Metrics) ArtifactReclaimed(root string) {
	m.ArtifactsReclaimed.WithLabelValues(root).Inc()
}
