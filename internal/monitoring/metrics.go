package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Garl-Protocol/garl/internal/core"
)

// Metrics holds every Prometheus collector the service exports.
type Metrics struct {
	TracesSubmitted   *prometheus.CounterVec
	TraceDuration     prometheus.Histogram
	TrustVerdicts     *prometheus.CounterVec
	AnomaliesDetected *prometheus.CounterVec
	WebhookDeliveries *prometheus.CounterVec
	RateLimited       prometheus.Counter
	AgentsRegistered  prometheus.Counter
}

// New registers the collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		TracesSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "garl_traces_submitted_total",
			Help: "Traces accepted by the pipeline, by status.",
		}, []string{"status"}),
		TraceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "garl_trace_pipeline_seconds",
			Help:    "End-to-end trace intake latency.",
			Buckets: prometheus.DefBuckets,
		}),
		TrustVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "garl_trust_verdicts_total",
			Help: "Trust verdicts served, by recommendation.",
		}, []string{"recommendation"}),
		AnomaliesDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "garl_anomalies_detected_total",
			Help: "Anomaly flags raised, by type.",
		}, []string{"type"}),
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "garl_webhook_deliveries_total",
			Help: "Webhook delivery outcomes.",
		}, []string{"outcome"}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "garl_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		AgentsRegistered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "garl_agents_registered_total",
			Help: "Agents registered since process start.",
		}),
	}
}

// Emit lets Metrics sit on the event fan-out next to the bus and the webhook
// dispatcher, counting anomaly flags as the engine raises them.
func (m *Metrics) Emit(agentID string, event core.EventType, data map[string]interface{}) {
	if event != core.EventAnomaly {
		return
	}
	typ, _ := data["anomaly_type"].(string)
	if typ == "" {
		typ = "unknown"
	}
	m.AnomaliesDetected.WithLabelValues(typ).Inc()
}
