// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the billing-service collectors.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	LockContention  *prometheus.CounterVec
	WebhooksTotal   *prometheus.CounterVec
	BatchItemsTotal *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_jobs_total",
			Help: "Jobs dispatched, by job name and outcome (ack, retry, dead_letter).",
		}, []string{"job", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_job_duration_seconds",
			Help:    "Handler execution time per job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		LockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_lock_contention_total",
			Help: "Failed lock acquisitions because the key was already held, by key kind.",
		}, []string{"kind"}),
		WebhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhooks_received_total",
			Help: "Gateway webhooks received, by result (stored, duplicate, rejected).",
		}, []string{"result"}),
		BatchItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_batch_items_total",
			Help: "Items processed by batch runs, by batch and result.",
		}, []string{"batch", "result"}),
	}
	reg.MustRegister(
		m.JobsTotal, m.JobDuration, m.LockContention, m.WebhooksTotal, m.BatchItemsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveJob records one dispatch result. Safe on a nil receiver.
func (m *Metrics) ObserveJob(job, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(job, outcome).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// LockContended counts a failed acquisition. The key kind is the part before the first colon.
func (m *Metrics) LockContended(key string) {
	if m == nil {
		return
	}
	kind := key
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			kind = key[:i]
			break
		}
	}
	m.LockContention.WithLabelValues(kind).Inc()
}

// WebhookReceived counts an ingestion result.
func (m *Metrics) WebhookReceived(result string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(result).Inc()
}

// BatchItems adds n items with the given result for a batch run.
func (m *Metrics) BatchItems(batch, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BatchItemsTotal.WithLabelValues(batch, result).Add(float64(n))
}
