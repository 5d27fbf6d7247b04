package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CompressionRatio tracks encoded-size/original-size per algorithm, so
	// operators can see whether gzip or brotli is pulling its weight for a
	// given traffic mix.
	CompressionRatio = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "compression",
			Name:      "ratio",
			Help:      "Encoded size divided by original size, by algorithm",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"algorithm"}, // gzip, br
	)

	// CompressionBytesSaved tracks cumulative bytes avoided on the wire.
	CompressionBytesSaved = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compression",
			Name:      "bytes_saved_total",
			Help:      "Cumulative bytes saved by compression, by algorithm",
		},
		[]string{"algorithm"},
	)
)

// ObserveCompression records one encode operation's ratio and bytes
// saved for the given algorithm.
func ObserveCompression(algorithm string, originalBytes, encodedBytes int) {
	if originalBytes <= 0 {
		return
	}
	CompressionRatio.WithLabelValues(algorithm).Observe(float64(encodedBytes) / float64(originalBytes))
	if saved := originalBytes - encodedBytes; saved > 0 {
		CompressionBytesSaved.WithLabelValues(algorithm).Add(float64(saved))
	}
}
