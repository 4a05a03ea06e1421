// Package metrics exposes job orchestration counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry       *prometheus.Registry
	itemsProcessed *prometheus.CounterVec
	deltasApplied  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	syncCycles     *prometheus.CounterVec
	stalls         prometheus.Counter
	activeJobs     *prometheus.GaugeVec
	backupSeconds  *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		itemsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "batch_items_processed_total",
			Help:      "Batch items processed, by outcome.",
		}, []string{"outcome"}),
		deltasApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "deltas_applied_total",
			Help:      "Incremental deltas applied, by change type and outcome.",
		}, []string{"change_type", "outcome"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal or parked state.",
		}, []string{"kind", "status"}),
		syncCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "sync_cycles_total",
			Help:      "Incremental sync cycles, by outcome.",
		}, []string{"outcome"}),
		stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ferry",
			Name:      "stalled_jobs_total",
			Help:      "Jobs flagged as stalled by the health check.",
		}),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ferry",
			Name:      "active_workers",
			Help:      "Job workers currently running.",
		}, []string{"kind"}),
		backupSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ferry",
			Name:      "backup_duration_seconds",
			Help:      "Time spent creating backup archives.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.itemsProcessed,
		m.deltasApplied,
		m.jobsFinished,
		m.syncCycles,
		m.stalls,
		m.activeJobs,
		m.backupSeconds,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) ItemProcessed(success bool) {
	if m == nil {
		return
	}
	m.itemsProcessed.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) DeltaApplied(changeType string, success bool) {
	if m == nil {
		return
	}
	m.deltasApplied.WithLabelValues(changeType, outcome(success)).Inc()
}

func (m *Metrics) JobFinished(kind, status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) SyncCycle(success bool) {
	if m == nil {
		return
	}
	m.syncCycles.WithLabelValues(outcome(success)).Inc()
}

func (m *Metrics) Stalled() {
	if m == nil {
		return
	}
	m.stalls.Inc()
}

func (m *Metrics) WorkerStarted(kind string) {
	if m == nil {
		return
	}
	m.activeJobs.WithLabelValues(kind).Inc()
}

func (m *Metrics) WorkerStopped(kind string) {
	if m == nil {
		return
	}
	m.activeJobs.WithLabelValues(kind).Dec()
}

func (m *Metrics) BackupDuration(backupType string, d time.Duration) {
	if m == nil {
		return
	}
	m.backupSeconds.WithLabelValues(backupType).Observe(d.Seconds())
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer creates an HTTP server serving /metrics and /healthz.
func NewServer(addr string, m *Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
