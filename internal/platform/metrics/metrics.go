// Package metrics owns the Prometheus collectors of the pipeline service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deploypipe"

type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  prometheus.Histogram
	stageDuration      *prometheus.HistogramVec
	stageRetries       *prometheus.CounterVec
	logSinkFailures    prometheus.Counter
	reaped             *prometheus.CounterVec
}

// New registers the collectors on a fresh registry. withRuntime adds the Go
// and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		executionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Pipeline executions moved to running, by trigger kind.",
		}, []string{"trigger_kind"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Pipeline executions that reached a terminal status.",
		}, []string{"status"}),
		executionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of terminal executions.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage attempts, by stage type and status.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}, []string{"type", "status"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_retries_total",
			Help:      "Stage attempts beyond the first, by stage type.",
		}, []string{"type"}),
		logSinkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_sink_failures_total",
			Help:      "Execution log entries that could not be persisted.",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_actions_total",
			Help:      "Stale executions handled by the reaper, by action.",
		}, []string{"action"}),
	}
	reg.MustRegister(
		m.executionsStarted,
		m.executionsFinished,
		m.executionDuration,
		m.stageDuration,
		m.stageRetries,
		m.logSinkFailures,
		m.reaped,
	)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ExecutionStarted(triggerKind string) {
	m.executionsStarted.WithLabelValues(triggerKind).Inc()
}

func (m *Metrics) ExecutionFinished(status string, d time.Duration) {
	m.executionsFinished.WithLabelValues(status).Inc()
	m.executionDuration.Observe(d.Seconds())
}

func (m *Metrics) StageFinished(stageType, status string, d time.Duration) {
	m.stageDuration.WithLabelValues(stageType, status).Observe(d.Seconds())
}

func (m *Metrics) StageRetried(stageType string) {
	m.stageRetries.WithLabelValues(stageType).Inc()
}

func (m *Metrics) LogSinkFailed() {
	m.logSinkFailures.Inc()
}

func (m *Metrics) Reaped(action string) {
	m.reaped.WithLabelValues(action).Inc()
}
