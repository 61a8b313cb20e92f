package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planboard"

// Metrics holds the service collectors. A nil *Metrics is valid and records
// nothing, which keeps components usable without a registry.
type Metrics struct {
	Registry *prometheus.Registry

	ReconcileWrites   *prometheus.CounterVec
	ReconcileRetries  prometheus.Counter
	ReconcileReverts  *prometheus.CounterVec
	ReconcilePending  prometheus.Gauge
	SlotQueries       *prometheus.CounterVec
	ChatRequests      *prometheus.CounterVec
	ChatDuration      prometheus.Histogram
	NoticesDropped    prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
	WebhookDeliveries *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		ReconcileWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_writes_total",
			Help:      "Reconciler persistence requests by kind and outcome",
		}, []string{"kind", "outcome"}),
		ReconcileRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_retries_total",
			Help:      "Retried reconciler writes",
		}),
		ReconcileReverts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_reverts_total",
			Help:      "Optimistic edits rolled back, by reason",
		}, []string{"reason"}),
		ReconcilePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_pending_writes",
			Help:      "Writes currently pending across all views",
		}),
		SlotQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_queries_total",
			Help:      "Free slot queries by outcome",
		}, []string{"outcome"}),
		ChatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by outcome",
		}, []string{"outcome"}),
		ChatDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_duration_seconds",
			Help:      "Language model round trip time",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		NoticesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notices_dropped_total",
			Help:      "Notices and refresh signals dropped for slow subscribers",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Write(kind, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileWrites.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.ReconcileRetries.Inc()
}

func (m *Metrics) Revert(reason string) {
	if m == nil {
		return
	}
	m.ReconcileReverts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Pending(delta float64) {
	if m == nil {
		return
	}
	m.ReconcilePending.Add(delta)
}

func (m *Metrics) SlotQuery(outcome string) {
	if m == nil {
		return
	}
	m.SlotQueries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Chat(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
	m.ChatDuration.Observe(took.Seconds())
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.NoticesDropped.Inc()
}

func (m *Metrics) Request(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(took.Seconds())
}

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}
