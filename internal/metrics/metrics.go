package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "postroom_emails_accepted_total",
			Help: "Total number of emails accepted for delivery.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postroom_deliveries_total",
			Help: "Total number of delivery outcomes by status and provider.",
		},
		[]string{"status", "provider"}, // status: sent, retried, failed, skipped, dropped
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postroom_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. timeout, connection_refused, smtp_5xx, network
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postroom_dlq_total",
			Help: "Total number of work items routed to the dead letter queue.",
		},
		[]string{"reason"},
	)

	SendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postroom_send_latency_seconds",
			Help:    "Latency of outbound sender calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	QueueBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "postroom_queue_backlog",
			Help: "Number of work items waiting in the emails queue.",
		},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "postroom_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EmailsAcceptedTotal,
		DeliveriesTotal,
		RetriesTotal,
		DLQTotal,
		SendLatency,
		QueueBacklog,
		NSQChannelDepth,
	)
}

// RecordEmailAccepted counts an email accepted by the ingestion API.
func RecordEmailAccepted() {
	EmailsAcceptedTotal.Inc()
}

// RecordDelivery counts a delivery outcome and observes its latency.
func RecordDelivery(status, provider string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, provider).Inc()
	if latency > 0 {
		SendLatency.WithLabelValues(provider).Observe(latency.Seconds())
	}
}

// RecordRetry counts a scheduled retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ counts a dead-lettered work item.
func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

// UpdateQueueBacklog sets the emails queue backlog gauge.
func UpdateQueueBacklog(depth float64) {
	QueueBacklog.Set(depth)
}

// UpdateNSQChannelDepth sets the per-channel depth gauge.
func UpdateNSQChannelDepth(topic, channel string, depth float64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(depth)
}
