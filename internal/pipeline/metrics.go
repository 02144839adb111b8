package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records run outcomes and stage latency. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	failuresTotal *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	artifactBytes prometheus.Histogram
	activeRuns    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerender_pipeline_runs_total",
			Help: "Pipeline runs by terminal stage.",
		}, []string{"stage"}),
		failuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerender_pipeline_failures_total",
			Help: "Failed pipeline runs by error kind.",
		}, []string{"kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cinerender_pipeline_stage_duration_seconds",
			Help:    "Wall time spent in each pipeline stage.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		artifactBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cinerender_pipeline_artifact_bytes",
			Help:    "Size of encoded artifacts.",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 12),
		}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cinerender_pipeline_active_runs",
			Help: "Runs currently executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runsTotal, m.failuresTotal, m.stageDuration, m.artifactBytes, m.activeRuns)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) runFinished(snap Snapshot) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(string(snap.Stage)).Inc()
	if snap.Err != nil {
		m.failuresTotal.WithLabelValues(string(snap.Err.Kind)).Inc()
	}
	if snap.Result != nil {
		m.artifactBytes.Observe(float64(len(snap.Result.Data)))
	}
}

func (m *Metrics) observeStage(stage Stage, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(string(stage)).Observe(seconds)
}
