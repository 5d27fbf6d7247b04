package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ClientSendTotal counts outbound Send attempts by target and outcome.
	ClientSendTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "send_total",
			Help:      "Total number of client Send attempts, by target and outcome",
		},
		[]string{"target", "outcome"}, // outcome: ok, error
	)

	// ClientSendDuration tracks Send latency including retries.
	ClientSendDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "send_duration_seconds",
			Help:      "Client Send duration in seconds, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"target"},
	)

	// ClientBatchSize records the size of each SendBatch call.
	ClientBatchSize = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "batch_size",
			Help:      "Number of envelopes per SendBatch call",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"target"},
	)

	// ClientBatchResults counts per-envelope outcomes within SendBatch calls.
	ClientBatchResults = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "batch_results_total",
			Help:      "Total number of SendBatch envelope outcomes, by target and outcome",
		},
		[]string{"target", "outcome"}, // outcome: ok, error
	)

	// ClientBatchDuration tracks total wall-clock duration of SendBatch calls.
	ClientBatchDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "batch_duration_seconds",
			Help:      "Total SendBatch call duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"target"},
	)

	// ClientBatchThroughput records envelopes-per-second achieved by a
	// SendBatch call.
	ClientBatchThroughput = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "batch_throughput_envelopes_per_second",
			Help:      "Envelopes per second achieved by a SendBatch call",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"target"},
	)
)
