package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the webhook paths, the LLM and
// store adapters, and the extraction scheduler. All metrics register with the
// default registry and are served from /metrics.
type Metrics struct {
	// WebhookRequests counts inbound webhooks.
	// Labels: endpoint (pre_call|in_call_search|post_call), status_code
	WebhookRequests *prometheus.CounterVec

	// WebhookDuration measures webhook handling latency in seconds.
	// Labels: endpoint
	WebhookDuration *prometheus.HistogramVec

	// SignatureFailures counts rejected signatures by failure kind.
	// Labels: kind (missing|malformed|stale|mismatch)
	SignatureFailures *prometheus.CounterVec

	// LLMRequests counts LLM calls.
	// Labels: provider (openai|anthropic), operation (extract|summarize), status (success|error|fallback)
	LLMRequests *prometheus.CounterVec

	// LLMDuration measures LLM call latency in seconds.
	// Labels: provider, operation
	LLMDuration *prometheus.HistogramVec

	// StoreDuration measures memory-store adapter call latency in seconds.
	// Labels: operation (store|search|batch_find_similar|reinforce|mark_shareable|delete_by_caller)
	StoreDuration *prometheus.HistogramVec

	// QueueDepth is the current number of queued extraction jobs.
	QueueDepth prometheus.Gauge

	// JobsProcessed counts finished extraction jobs by outcome.
	// Labels: outcome (success|partial|failed|deferred)
	JobsProcessed *prometheus.CounterVec

	// JobRetries counts retry attempts scheduled for extraction jobs.
	JobRetries prometheus.Counter

	// MemoriesStored counts newly stored memories by type.
	// Labels: type
	MemoriesStored *prometheus.CounterVec

	// MemoriesReinforced counts reinforcements applied to existing memories.
	MemoriesReinforced prometheus.Counter

	// ProfileCache counts profile cache lookups.
	// Labels: result (hit|miss|stale)
	ProfileCache *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; duplicate registration panics by promauto design.
func NewMetrics() *Metrics {
	return &Metrics{
		WebhookRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_webhook_requests_total",
				Help: "Total inbound webhook requests by endpoint and status code",
			},
			[]string{"endpoint", "status_code"},
		),
		WebhookDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recall_webhook_duration_seconds",
				Help:    "Webhook handling latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
			},
			[]string{"endpoint"},
		),
		SignatureFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_signature_failures_total",
				Help: "Webhook signature verification failures by kind",
			},
			[]string{"kind"},
		),
		LLMRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_llm_requests_total",
				Help: "LLM requests by provider, operation and status",
			},
			[]string{"provider", "operation", "status"},
		),
		LLMDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recall_llm_request_duration_seconds",
				Help:    "LLM call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		),
		StoreDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recall_store_call_duration_seconds",
				Help:    "Memory store adapter call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"operation"},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "recall_extraction_queue_depth",
				Help: "Current number of queued extraction jobs",
			},
		),
		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_extraction_jobs_total",
				Help: "Finished extraction jobs by outcome",
			},
			[]string{"outcome"},
		),
		JobRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_extraction_job_retries_total",
				Help: "Retry attempts scheduled for extraction jobs",
			},
		),
		MemoriesStored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_memories_stored_total",
				Help: "Newly stored memories by type",
			},
			[]string{"type"},
		),
		MemoriesReinforced: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_memories_reinforced_total",
				Help: "Reinforcements applied to existing memories",
			},
		),
		ProfileCache: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_profile_cache_lookups_total",
				Help: "Agent profile cache lookups by result",
			},
			[]string{"result"},
		),
	}
}
