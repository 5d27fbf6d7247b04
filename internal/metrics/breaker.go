package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState exposes each circuit breaker's current state as a
	// gauge (0=closed, 1=open, 2=half-open) labeled by target base URL, so
	// the set of label values tracks the (bounded) set of peers this agent
	// talks to rather than per-request data.
	BreakerState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state per target (0=closed, 1=open, 2=half_open)",
		},
		[]string{"target"},
	)

	// BreakerTrips counts transitions into the open state.
	BreakerTrips = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "trips_total",
			Help:      "Total number of times a circuit breaker tripped open",
		},
		[]string{"target"},
	)
)

// BreakerStateValue converts a breaker state name to the numeric gauge
// value BreakerState expects.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half-open", "half_open":
		return 2
	default: // closed
		return 0
	}
}
