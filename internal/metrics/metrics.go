package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BufferPushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_buffer_pushes_total",
		Help: "Total inbound fragments accepted into a debounce buffer.",
	})
	BufferRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_buffer_rejected_total",
		Help: "Total inbound fragments rejected because the buffer was full.",
	})
	BufferFires = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_buffer_fires_total",
		Help: "Total debounce fires that handed a batch downstream.",
	})
	BufferStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_buffer_stale_total",
		Help: "Total debounce fires discarded because newer fragments arrived.",
	})

	RetryEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_retry_enqueued_total",
		Help: "Total failed sends placed on the retry queue.",
	}, []string{"instance"})
	RetryDuplicates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_retry_duplicates_total",
		Help: "Total enqueue attempts ignored as duplicates of a queued message id.",
	}, []string{"instance"})
	RetryOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_retry_outcomes_total",
		Help: "Total recorded retry outcomes by result.",
	}, []string{"instance", "outcome"})
	RetryDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wabridge_retry_queue_depth",
		Help: "Entries currently queued per instance.",
	}, []string{"instance"})

	MonitorEdges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_monitor_edges_total",
		Help: "Total observed connection edges by direction.",
	}, []string{"instance", "direction"})
	MonitorGraceStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_monitor_grace_started_total",
		Help: "Total grace periods started.",
	}, []string{"instance"})
	MonitorFalseAlarms = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_monitor_false_alarms_total",
		Help: "Total grace periods canceled by a reconnection.",
	}, []string{"instance"})
	MonitorRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_monitor_restarts_total",
		Help: "Total restart attempts by result.",
	}, []string{"instance", "result"})

	DeliveryResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wabridge_delivery_results_total",
		Help: "Total outbound sends by final result.",
	}, []string{"outcome"})

	WebhookDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wabridge_webhook_dropped_total",
		Help: "Total webhook events dropped because the worker queue was full.",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call twice.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			BufferPushes, BufferRejected, BufferFires, BufferStale,
			RetryEnqueued, RetryDuplicates, RetryOutcomes, RetryDepth,
			MonitorEdges, MonitorGraceStarted, MonitorFalseAlarms, MonitorRestarts,
			DeliveryResults,
			WebhookDropped,
		)
	})
}
