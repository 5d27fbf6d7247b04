package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// knownPayloadTypes bounds the payload_type label's cardinality: any
// envelope carrying a payload_type outside this set is recorded as
// "other" so a misbehaving or malicious sender cannot blow up the metric
// series count.
var knownPayloadTypes = map[string]bool{
	"task.request":  true,
	"TaskRequest":   true,
	"task.response": true,
	"TaskResponse":  true,
	"task.update":   true,
	"TaskUpdate":    true,
	"asap.ack":      true,
	"MessageAck":    true,
}

// NormalizePayloadType maps payloadType to itself if it is one of the
// built-in registered shapes, otherwise to "other".
func NormalizePayloadType(payloadType string) string {
	if knownPayloadTypes[payloadType] {
		return payloadType
	}
	return "other"
}

var (
	// RequestsTotal tracks envelopes processed by payload type and outcome.
	RequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total number of envelopes processed, by payload type and status",
		},
		[]string{"payload_type", "status"}, // status: ok, handler_not_found, handler_error, rate_limited
	)

	// RequestDuration tracks end-to-end handler dispatch latency.
	RequestDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Envelope dispatch duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"payload_type"},
	)

	// ValidationFailures tracks validation pipeline rejections by stage.
	ValidationFailures = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validation",
			Name:      "failures_total",
			Help:      "Total number of envelope validation failures, by pipeline stage",
		},
		[]string{"stage"}, // timestamp, nonce, sender
	)
)
