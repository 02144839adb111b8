package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry            *prometheus.Registry
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	webhookFailures     *prometheus.CounterVec
	pixelsProducedTotal prometheus.Counter
	artifactBytesTotal  prometheus.Counter
	computeTimeMSTotal  prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerender_worker_jobs_total",
			Help: "Total render jobs handled by the worker, by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cinerender_worker_job_duration_seconds",
			Help:    "Wall time of each render job, including queueing for a controller.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cinerender_worker_active_jobs",
			Help: "Render jobs currently holding a controller.",
		}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cinerender_worker_webhook_failures_total",
			Help: "Webhook deliveries that gave up, by event.",
		}, []string{"event"}),
		pixelsProducedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cinerender_usage_pixels_produced_total",
			Help: "Total output pixels across successful renders.",
		}),
		artifactBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cinerender_usage_artifact_bytes_total",
			Help: "Total encoded bytes across successful renders.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cinerender_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful renders.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.webhookFailures,
		m.pixelsProducedTotal,
		m.artifactBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
