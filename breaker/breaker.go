// Package breaker implements the per-destination circuit breaker (§4.6):
// a three-state (closed/open/half-open) guard keyed by base URL, protecting
// the HTTP client from hammering a failing peer. Modeled on the teacher's
// session-lifecycle state machines (connect/handshake/established/closed)
// in style: an explicit State type, mutex-guarded transitions, and a
// registry keyed by identity rather than one breaker per call site.
package breaker

import (
	"sync"
	"time"

	"github.com/asap-project/asap-go/internal/metrics"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker's thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// CooldownPeriod is how long the breaker stays open before allowing a
	// single half-open probe.
	CooldownPeriod time.Duration
}

// DefaultConfig mirrors the spec's worked example: 5 failures, 30s cooldown.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownPeriod: 30 * time.Second}
}

// Breaker is a single destination's circuit breaker.
type Breaker struct {
	cfg    Config
	target string

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	halfOpenInFlight bool
}

// New creates a closed Breaker with cfg. Its target is empty, so it
// reports no Prometheus gauge/counter series (useful for ad hoc breakers in
// tests); breakers obtained from a Registry are labelled with their key.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

func newTargeted(cfg Config, target string) *Breaker {
	b := &Breaker{cfg: cfg, state: Closed, target: target}
	if target != "" {
		metrics.BreakerState.WithLabelValues(target).Set(metrics.BreakerStateValue(Closed.String()))
	}
	return b
}

func (b *Breaker) reportState() {
	if b.target == "" {
		return
	}
	metrics.BreakerState.WithLabelValues(b.target).Set(metrics.BreakerStateValue(b.state.String()))
}

// Allow reports whether a new call may proceed, per §4.6's state table.
// In the open state before cooldown elapses it returns false. Once
// cooldown has elapsed it transitions to half-open and allows exactly one
// probe call through; further calls are refused until that probe resolves
// via RecordSuccess/RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	case Open:
		if time.Since(b.openedAt) < b.cfg.CooldownPeriod {
			return false
		}
		b.state = HalfOpen
		b.halfOpenInFlight = true
		b.reportState()
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call. From closed it resets the
// failure counter; from half-open it closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFail = 0
	b.halfOpenInFlight = false
	b.state = Closed
	b.reportState()
}

// RecordFailure reports a failed call. From closed it increments the
// failure counter, tripping to open once the threshold is reached; from
// half-open, any failure reopens the breaker and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenInFlight = false

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
		b.consecutiveFail = b.cfg.FailureThreshold
		if b.target != "" {
			metrics.BreakerTrips.WithLabelValues(b.target).Inc()
		}
	default:
		b.consecutiveFail++
		if b.consecutiveFail >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
			if b.target != "" {
				metrics.BreakerTrips.WithLabelValues(b.target).Inc()
			}
		}
	}
	b.reportState()
}

// CurrentState returns the breaker's current state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ConsecutiveFailures returns the breaker's current consecutive-failure
// count, for error reporting.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFail
}

// Reset forces the breaker back to closed, clearing all counters. Used by
// administrative tooling and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFail = 0
	b.halfOpenInFlight = false
	b.reportState()
}

// Registry is a collection of Breakers keyed by destination (typically a
// base URL): every call made through the same Registry against the same
// peer shares one breaker's state. There is no process-wide Registry; each
// httpclient.Client builds its own, so breakers are not shared between
// clients.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose breakers are all built with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the Breaker for key, creating it on first use.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = newTargeted(r.cfg, key)
		r.breakers[key] = b
	}
	return b
}

// Snapshot returns the current state of every known breaker, for
// diagnostics endpoints.
func (r *Registry) Snapshot() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b.CurrentState()
	}
	return out
}
