package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertd_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	TelemetryReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_telemetry_received_total",
			Help: "Total number of telemetry readings received",
		},
		[]string{"source", "status"}, // status: accepted, rejected
	)

	// Evaluation metrics
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_rule_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"result"}, // result: fired, clear, error
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertd_check_alerts_duration_seconds",
			Help:    "Time taken to evaluate all matching rules for a reading",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// Alert lifecycle metrics
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_alerts_created_total",
			Help: "Total number of alerts created",
		},
		[]string{"severity"},
	)

	AlertsDeduplicatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_alerts_deduplicated_total",
			Help: "Total number of firings folded into an existing active alert",
		},
	)

	AlertsResolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertd_active_alerts",
			Help: "Current number of active alerts",
		},
	)

	// Action metrics
	ActionsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_actions_dispatched_total",
			Help: "Total number of actions dispatched",
		},
		[]string{"type", "status"}, // status: success, failed, skipped
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertd_action_duration_seconds",
			Help:    "Time taken to run an action",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"type"},
	)

	// Rule store metrics
	RulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertd_rules_loaded",
			Help: "Number of rules in the active snapshot",
		},
	)

	RuleLoadFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_rule_load_failures_total",
			Help: "Total number of rules skipped because they could not be parsed",
		},
	)

	// Worker metrics
	WorkerQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertd_worker_queue_size",
			Help: "Current size of the worker queue",
		},
	)

	WorkerQueueCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertd_worker_queue_capacity",
			Help: "Capacity of the worker queue",
		},
	)

	WorkerProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_worker_processed_total",
			Help: "Total number of readings processed by workers",
		},
	)

	WorkerFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_worker_failed_total",
			Help: "Total number of readings failed in workers",
		},
	)

	// Kafka producer metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_kafka_publish_total",
			Help: "Total number of alert events published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertd_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	KafkaPublishRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertd_kafka_publish_retries_total",
			Help: "Total number of Kafka publish retries",
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertd_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)
