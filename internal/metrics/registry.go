// Package metrics exposes Prometheus instrumentation for the ASAP runtime:
// request counters by payload type and status, circuit breaker state
// gauges, compression ratios, and handler pool saturation. Modeled on the
// teacher's internal/metrics package: one promauto.With(Registry) block per
// concern, a dedicated Registry instead of the global default (so a host
// embedding this module can run its own metrics alongside it), and a
// promhttp.Handler for scraping.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "asap"

// Registry is the Prometheus registry all of this package's metrics are
// registered against. A host process can merge it into its own registry or
// serve it standalone via Handler.
var Registry = prometheus.NewRegistry()
