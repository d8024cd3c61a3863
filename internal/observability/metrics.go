// Package observability wires OpenTelemetry tracing and Prometheus metrics.
// Shaped after the jordigilh-kubernaut/goadesign-goa-ai/
// r3e-network-service_layer repos, all three of which vendor
// prometheus/client_golang alongside otel — adopted here because this
// system's own observable properties are exactly the counters/gauges a real
// deployment would export: queue depth, delivery attempts, available
// engines.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every Prometheus collector the gateway/orchestrator/worker
// processes register against the default registry.
type Metrics struct {
	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	tasksDispatched *prometheus.CounterVec
	taskLatency     *prometheus.HistogramVec

	webhookAttempts  *prometheus.CounterVec
	webhookDelivered prometheus.Counter

	sessionAllocations *prometheus.CounterVec
	sessionsActive     prometheus.Gauge

	enginesAvailable *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		apiRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dalston_api_requests_total",
			Help: "HTTP requests served by the gateway, by method/route/status.",
		}, []string{"method", "route", "status"}),
		apiLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dalston_api_request_duration_seconds",
			Help:    "HTTP request latency, by method/route/status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		apiInflight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dalston_api_requests_inflight",
			Help: "HTTP requests currently being handled.",
		}),

		tasksDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dalston_tasks_dispatched_total",
			Help: "Tasks dispatched to an engine queue, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		taskLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dalston_task_duration_seconds",
			Help:    "Wall-clock time from task dispatch to terminal status, by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),

		webhookAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dalston_webhook_delivery_attempts_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		webhookDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dalston_webhook_deliveries_total",
			Help: "Webhook deliveries that reached the delivered state.",
		}),

		sessionAllocations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dalston_session_allocations_total",
			Help: "Realtime session allocation attempts, by outcome.",
		}, []string{"outcome"}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dalston_sessions_active",
			Help: "Realtime sessions currently allocated to a worker.",
		}),

		enginesAvailable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dalston_engines_available",
			Help: "Registered, live engines per stage.",
		}, []string{"stage"}),
	}
}

// Handler exposes the default registry for a /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler { return promhttp.Handler() }

func (m *Metrics) ObserveAPI(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route, status).Observe(d.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.apiInflight.Inc()
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.apiInflight.Dec()
	}
}

func (m *Metrics) ObserveTaskDispatched(stage, outcome string) {
	if m != nil {
		m.tasksDispatched.WithLabelValues(stage, outcome).Inc()
	}
}

func (m *Metrics) ObserveTaskDuration(stage string, d time.Duration) {
	if m != nil {
		m.taskLatency.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveWebhookAttempt(outcome string) {
	if m != nil {
		m.webhookAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveWebhookDelivered() {
	if m != nil {
		m.webhookDelivered.Inc()
	}
}

func (m *Metrics) ObserveSessionAllocation(outcome string) {
	if m != nil {
		m.sessionAllocations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetSessionsActive(n float64) {
	if m != nil {
		m.sessionsActive.Set(n)
	}
}

func (m *Metrics) SetEnginesAvailable(stage string, n float64) {
	if m != nil {
		m.enginesAvailable.WithLabelValues(stage).Set(n)
	}
}
