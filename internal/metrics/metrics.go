package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "claimline"

// Metrics exposes Prometheus collectors for the claim pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	evaluatorDuration *prometheus.HistogramVec
	evaluatorFallback *prometheus.CounterVec
	attempts          *prometheus.CounterVec
	settled           *prometheus.CounterVec
	reviewTasks       *prometheus.CounterVec
	inFlight          prometheus.Gauge
	queueDepth        prometheus.Gauge
}

// New builds metrics on a private registry that also carries the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := &Metrics{
		registry: reg,
		evaluatorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "duration_seconds",
			Help:      "Duration of evaluator calls including fallbacks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"evaluator", "status"}),
		evaluatorFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "fallbacks_total",
			Help:      "Evaluator results replaced by the conservative fallback.",
		}, []string{"evaluator", "status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "attempts_total",
			Help:      "Pipeline attempts by result.",
		}, []string{"result"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "claims_settled_total",
			Help:      "Claims leaving the pipeline by final status.",
		}, []string{"status"}),
		reviewTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "review_tasks_total",
			Help:      "Review tasks created by role and priority.",
		}, []string{"role", "priority"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "in_flight",
			Help:      "Claims currently being evaluated.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Claims waiting for a dispatcher worker.",
		}),
	}
	reg.MustRegister(m.evaluatorDuration, m.evaluatorFallback, m.attempts, m.settled, m.reviewTasks, m.inFlight, m.queueDepth)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation records one evaluator call. Degraded results also count
// as fallbacks.
func (m *Metrics) ObserveEvaluation(evaluator, status string, degraded bool, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluatorDuration.WithLabelValues(evaluator, status).Observe(d.Seconds())
	if degraded {
		m.evaluatorFallback.WithLabelValues(evaluator, status).Inc()
	}
}

// ObserveAttempt records a pipeline attempt result: ok, failed or cancelled.
func (m *Metrics) ObserveAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSettled(status string) {
	if m == nil {
		return
	}
	m.settled.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveReviewTask(role, priority string) {
	if m == nil {
		return
	}
	m.reviewTasks.WithLabelValues(role, priority).Inc()
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
