package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible metrics for workflow execution
// monitoring in production environments.
//
// Metrics exposed (all namespaced with "inboxflow_"):
//
// 1. instances_started_total (counter): Instances created for inbound items.
//
// 2. instances_completed_total (counter): Instances reaching the completed
// terminal state.
//
// 3. instances_failed_total (counter): Instances reaching the failed
// terminal state.
//
// 4. instances_suspended (gauge): Instances currently parked awaiting a
// human decision. Incremented on suspension, decremented on resume.
//
// 5. node_latency_ms (histogram): Node execution duration in milliseconds.
// Labels: node, status (success/error).
//
// 6. retries_total (counter): Retries spent on external operations.
// Labels: operation.
//
// 7. dead_letters_total (counter): Operations written to the dead-letter
// sink after retry exhaustion. Labels: operation.
//
// 8. callbacks_total (counter): Callback ingress outcomes.
// Labels: outcome (done/already handled/not authorized/invalid request/
// failed, operator notified).
//
// 9. fallback_classifications_total (counter): Classifications served by the
// rule-based fallback.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := NewMetrics(registry)
//	engine, _ := NewEngine(store, collaborators, emitter, Options{Metrics: metrics})
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
//
// Thread-safe: all methods delegate to prometheus collectors.
type Metrics struct {
	started   prometheus.Counter
	completed prometheus.Counter
	failed    prometheus.Counter
	suspended prometheus.Gauge

	nodeLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
	fallbacks   prometheus.Counter
}

// NewMetrics creates and registers all workflow metrics with the provided
// registry. A nil registry uses the global default.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "instances_started_total",
			Help:      "Workflow instances created for inbound items",
		}),
		completed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "instances_completed_total",
			Help:      "Workflow instances that reached the completed terminal state",
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "instances_failed_total",
			Help:      "Workflow instances that reached the failed terminal state",
		}),
		suspended: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "inboxflow",
			Name:      "instances_suspended",
			Help:      "Workflow instances currently suspended awaiting a human decision",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inboxflow",
			Name:      "node_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "retries_total",
			Help:      "Retries spent on external operations",
		}, []string{"operation"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "dead_letters_total",
			Help:      "Operations dead-lettered after retry exhaustion",
		}, []string{"operation"}),
		callbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "callbacks_total",
			Help:      "Callback ingress outcomes",
		}, []string{"outcome"}),
		fallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "inboxflow",
			Name:      "fallback_classifications_total",
			Help:      "Classifications served by the rule-based fallback",
		}),
	}
}

// InstanceStarted records a new instance.
func (m *Metrics) InstanceStarted() { m.started.Inc() }

// InstanceCompleted records a completed terminal transition.
func (m *Metrics) InstanceCompleted() { m.completed.Inc() }

// InstanceFailed records a failed terminal transition.
func (m *Metrics) InstanceFailed() { m.failed.Inc() }

// InstanceSuspended records a suspension.
func (m *Metrics) InstanceSuspended() { m.suspended.Inc() }

// InstanceResumed records a resumption.
func (m *Metrics) InstanceResumed() { m.suspended.Dec() }

// ObserveNodeLatency records one node execution duration.
func (m *Metrics) ObserveNodeLatency(node, status string, latency time.Duration) {
	m.nodeLatency.WithLabelValues(node, status).Observe(float64(latency.Milliseconds()))
}

// RetriesObserved adds n retries for an operation.
func (m *Metrics) RetriesObserved(operation string, n int) {
	m.retries.WithLabelValues(operation).Add(float64(n))
}

// DeadLettered records a dead-letter write for an operation.
func (m *Metrics) DeadLettered(operation string) {
	m.deadLetters.WithLabelValues(operation).Inc()
}

// CallbackHandled records a callback outcome.
func (m *Metrics) CallbackHandled(outcome string) {
	m.callbacks.WithLabelValues(outcome).Inc()
}

// FallbackClassified records a fallback classification.
func (m *Metrics) FallbackClassified() { m.fallbacks.Inc() }
