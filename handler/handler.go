// Package handler implements the payload-type handler registry and the
// bounded worker pool that dispatches incoming envelopes to them (§4.5).
// Modeled on the teacher's pkg/health worker-pool-style bounded dispatch
// and on core/message/validator's early-return error shape: a buffered
// channel acts as a counting semaphore so a pool-exhaustion condition is
// detected with a non-blocking send rather than an explicit counter plus
// mutex.
package handler

import (
	"context"
	"time"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/internal/asaperr"
	"github.com/asap-project/asap-go/internal/metrics"
)

// Func handles one envelope and returns a reply envelope, or an error.
// Returning (nil, nil) means "no reply" (fire-and-forget handling).
type Func func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error)

// Registry maps payload_type to a Func.
type Registry struct {
	handlers map[string]Func
}

// NewRegistry returns an empty handler Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register binds fn as the handler for payloadType, replacing any prior
// binding.
func (r *Registry) Register(payloadType string, fn Func) {
	r.handlers[payloadType] = fn
}

// Lookup returns the Func registered for payloadType, if any.
func (r *Registry) Lookup(payloadType string) (Func, bool) {
	fn, ok := r.handlers[payloadType]
	return fn, ok
}

// Pool bounds the number of handler invocations running concurrently,
// surfacing ThreadPoolExhaustedError instead of queueing when full.
type Pool struct {
	registry *Registry
	sem      chan struct{}
	maxSize  int
}

// NewPool builds a Pool backed by registry, allowing at most maxConcurrent
// handler invocations in flight at once.
func NewPool(registry *Registry, maxConcurrent int) *Pool {
	metrics.HandlerPoolCapacity.Set(float64(maxConcurrent))
	return &Pool{
		registry: registry,
		sem:      make(chan struct{}, maxConcurrent),
		maxSize:  maxConcurrent,
	}
}

// Dispatch looks up the handler for env's payload type and runs it
// synchronously, subject to the pool's concurrency bound. It returns
// HandlerNotFoundError if no handler is registered, or
// ThreadPoolExhaustedError if every worker slot is currently occupied.
func (p *Pool) Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	payloadType := metrics.NormalizePayloadType(env.PayloadType())
	start := time.Now()

	fn, ok := p.registry.Lookup(env.PayloadType())
	if !ok {
		metrics.RequestsTotal.WithLabelValues(payloadType, "handler_not_found").Inc()
		return nil, &asaperr.HandlerNotFoundError{PayloadType: env.PayloadType()}
	}

	select {
	case p.sem <- struct{}{}:
	default:
		metrics.HandlerPoolSaturated.Inc()
		metrics.RequestsTotal.WithLabelValues(payloadType, "rate_limited").Inc()
		return nil, &asaperr.ThreadPoolExhaustedError{
			MaxThreads:    p.maxSize,
			ActiveThreads: p.maxSize,
		}
	}
	metrics.HandlerPoolInFlight.Set(float64(p.InFlight()))
	defer func() {
		<-p.sem
		metrics.HandlerPoolInFlight.Set(float64(p.InFlight()))
	}()

	reply, err := fn(ctx, env)
	metrics.RequestDuration.WithLabelValues(payloadType).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(payloadType, "handler_error").Inc()
		return reply, err
	}
	metrics.RequestsTotal.WithLabelValues(payloadType, "ok").Inc()
	return reply, nil
}

// InFlight returns the number of handler invocations currently occupying a
// worker slot.
func (p *Pool) InFlight() int {
	return len(p.sem)
}

// UsageRecorder is implemented by the metering store's hook (kept as a
// narrow interface here so this package does not import metering
// directly).
type UsageRecorder interface {
	RecordTaskUsage(agentID, consumerID, taskID string, tokensIn, tokensOut, durationMS int64)
}

// MeteringWrap adapts fn so that, whenever a task.request/TaskRequest is
// answered by a task.response/TaskResponse, the call duration and any
// token metrics on the reply are recorded via recorder. Non-task
// exchanges pass through unmetered. Negative durations (clock skew) are
// clamped to zero; metric fields that cannot be coerced to a number fall
// back to zero rather than failing the call.
func MeteringWrap(fn Func, recorder UsageRecorder, consumerID string) Func {
	return func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		start := time.Now()
		reply, err := fn(ctx, env)
		if err != nil {
			return reply, err
		}

		if !isTaskRequestType(env.PayloadType()) || reply == nil || !isTaskResponseType(reply.PayloadType()) {
			return reply, err
		}

		duration := time.Since(start).Milliseconds()
		if duration < 0 {
			duration = 0
		}

		var tokensIn, tokensOut int64
		if body, perr := reply.Payload(); perr == nil {
			if m, ok := body["metrics"].(map[string]any); ok {
				tokensIn = coerceInt64(m["tokens_in"])
				tokensOut = coerceInt64(m["tokens_out"])
				if tokensOut == 0 {
					// legacy single-field fallback
					tokensOut = coerceInt64(m["tokens_used"])
				}
			}
		}

		taskID := ""
		if body, perr := reply.Payload(); perr == nil {
			if id, ok := body["task_id"].(string); ok {
				taskID = id
			}
		}

		recorder.RecordTaskUsage(env.Recipient(), consumerID, taskID, tokensIn, tokensOut, duration)
		return reply, err
	}
}

func isTaskRequestType(t string) bool {
	return t == "task.request" || t == "TaskRequest"
}

func isTaskResponseType(t string) bool {
	return t == "task.response" || t == "TaskResponse"
}

func coerceInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
