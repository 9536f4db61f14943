package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	WebhooksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_webhooks_enqueued_total",
			Help: "Total number of webhooks enqueued by direction, peer role and event type.",
		},
		[]string{"direction", "role", "event_type"},
	)

	WebhooksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_webhooks_processed_total",
			Help: "Total number of webhook processing attempts by outcome.",
		},
		[]string{"direction", "role", "outcome"}, // completed, retry, failed
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_retries_total",
			Help: "Total number of webhook retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, processing, other
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_dlq_total",
			Help: "Total number of webhooks published to the dead-letter topic.",
		},
		[]string{"direction"},
	)

	DeliveryLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oracle_delivery_latency_seconds",
			Help:    "Outbound webhook HTTP latency by recipient role and status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"role", "status_code"},
	)

	WebhookBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_webhook_backlog",
			Help: "Number of stored webhooks by direction and status.",
		},
		[]string{"direction", "status"},
	)

	ValidationScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_validation_score",
			Help:    "Distribution of computed annotation quality scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	MatcherRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_matcher_runs_total",
			Help: "Total number of job datasets scored against ground truth.",
		},
	)

	ResultsReusedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_validation_results_reused_total",
			Help: "Total number of stored validation results reused instead of recomputed.",
		},
	)

	TaskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oracle_task_decisions_total",
			Help: "Total number of task validation decisions.",
		},
		[]string{"decision"}, // accepted, rejected
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		WebhooksEnqueuedTotal,
		WebhooksProcessedTotal,
		RetriesTotal,
		DLQTotal,
		DeliveryLatencySeconds,
		WebhookBacklog,
		ValidationScore,
		MatcherRunsTotal,
		ResultsReusedTotal,
		TaskDecisionsTotal,
	)
}

func RecordEnqueued(direction, role, eventType string) {
	WebhooksEnqueuedTotal.WithLabelValues(direction, role, eventType).Inc()
}

func RecordProcessed(direction, role, outcome string) {
	WebhooksProcessedTotal.WithLabelValues(direction, role, outcome).Inc()
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(direction string) {
	DLQTotal.WithLabelValues(direction).Inc()
}

// RecordDelivery observes one outbound HTTP attempt; statusCode 0 means no
// response was received
func RecordDelivery(role string, statusCode int, d time.Duration) {
	code := "none"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	DeliveryLatencySeconds.WithLabelValues(role, code).Observe(d.Seconds())
}

func UpdateBacklog(direction, status string, n float64) {
	WebhookBacklog.WithLabelValues(direction, status).Set(n)
}

func ObserveValidationScore(v float64) {
	ValidationScore.Observe(v)
}

func RecordMatcherRun() {
	MatcherRunsTotal.Inc()
}

func RecordResultReused() {
	ResultsReusedTotal.Inc()
}

func RecordTaskDecision(accepted bool) {
	decision := "rejected"
	if accepted {
		decision = "accepted"
	}
	TaskDecisionsTotal.WithLabelValues(decision).Inc()
}
