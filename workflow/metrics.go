package workflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics, all namespaced "workflow_":
//
//  1. inflight_steps (gauge): step bodies running now, across instances.
//  2. alarm_queue_depth (gauge): queued wake-ups, across instances.
//  3. step_latency_ms (histogram): body duration.
//     Labels: workflow, status (success, error, timeout).
//  4. retries_total (counter): retries scheduled.
//     Labels: workflow, reason (error, timeout, event_timeout).
//  5. status_transitions_total (counter): instance status changes.
//     Labels: from, to.
//  6. grace_aborts_total (counter): instances terminated by the watchdog.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := workflow.NewPrometheusMetrics(registry)
//	binding, err := workflow.NewBinding("checkout", wf, st, workflow.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// A nil *PrometheusMetrics records nothing, so engines call it
// unconditionally.
type PrometheusMetrics struct {
	inflightSteps prometheus.Gauge
	queueDepth    prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	graceAborts prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates the metrics and registers them with
// registry; nil selects prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		inflightSteps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflow",
			Name:      "inflight_steps",
			Help:      "Step bodies currently executing",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "workflow",
			Name:      "alarm_queue_depth",
			Help:      "Pending wake-ups across all instance queues",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "workflow",
			Name:      "step_latency_ms",
			Help:      "Step body duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"workflow", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "retries_total",
			Help:      "Step retries scheduled",
		}, []string{"workflow", "reason"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "status_transitions_total",
			Help:      "Instance status transitions",
		}, []string{"from", "to"}),
		graceAborts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "workflow",
			Name:      "grace_aborts_total",
			Help:      "Instances terminated by the idle watchdog",
		}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency observes one body execution.
func (pm *PrometheusMetrics) RecordStepLatency(workflow string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(workflow, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one scheduled retry.
func (pm *PrometheusMetrics) IncrementRetries(workflow, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(workflow, reason).Inc()
}

// RecordTransition counts one status change.
func (pm *PrometheusMetrics) RecordTransition(from, to Status) {
	if !pm.on() {
		return
	}
	pm.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// AddQueueDepth moves the queue depth gauge by delta.
func (pm *PrometheusMetrics) AddQueueDepth(delta int) {
	if !pm.on() || delta == 0 {
		return
	}
	pm.queueDepth.Add(float64(delta))
}

func (pm *PrometheusMetrics) incInflight() {
	if pm.on() {
		pm.inflightSteps.Inc()
	}
}

func (pm *PrometheusMetrics) decInflight() {
	if pm.on() {
		pm.inflightSteps.Dec()
	}
}

func (pm *PrometheusMetrics) incGraceAborts() {
	if pm.on() {
		pm.graceAborts.Inc()
	}
}

// Disable stops recording.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative and keep
// their values.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightSteps.Set(0)
	pm.queueDepth.Set(0)
}
