package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandlerPoolInFlight is the number of tasks currently occupying a
	// worker slot in handler.Pool.
	HandlerPoolInFlight = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handler_pool",
			Name:      "in_flight",
			Help:      "Number of handler invocations currently in flight",
		},
	)

	// HandlerPoolSaturated counts dispatch attempts rejected because the
	// pool was at capacity (asaperr.ThreadPoolExhaustedError).
	HandlerPoolSaturated = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handler_pool",
			Name:      "saturated_total",
			Help:      "Total number of dispatch attempts rejected due to pool exhaustion",
		},
	)

	// HandlerPoolCapacity is the configured worker slot count.
	HandlerPoolCapacity = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "handler_pool",
			Name:      "capacity",
			Help:      "Configured number of worker slots in the handler pool",
		},
	)
)
