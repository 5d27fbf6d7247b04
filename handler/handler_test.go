package handler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/internal/asaperr"
)

func newTestEnvelope(t *testing.T, payloadType string, payload any) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:consumer-1",
		Recipient:   "urn:asap:agent:worker-1",
		PayloadType: payloadType,
		Payload:     payload,
	})
	require.NoError(t, err)
	return env
}

func TestRegistryDispatchesKnownPayloadType(t *testing.T) {
	reg := NewRegistry()
	reg.Register("task.request", func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(env, "urn:asap:agent:worker-1", "task.response", map[string]any{"task_id": "t1", "status": "completed"})
	})
	pool := NewPool(reg, 4)

	env := newTestEnvelope(t, "task.request", map[string]any{"skill_id": "echo"})
	reply, err := pool.Dispatch(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "task.response", reply.PayloadType())
}

func TestPoolHandlerNotFound(t *testing.T) {
	pool := NewPool(NewRegistry(), 4)
	env := newTestEnvelope(t, "unknown.type", map[string]any{})

	_, err := pool.Dispatch(context.Background(), env)
	require.Error(t, err)
	var notFound *asaperr.HandlerNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestPoolExhaustion(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(1)
	reg.Register("task.request", func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		started.Done()
		<-release
		return nil, nil
	})
	pool := NewPool(reg, 1)

	env := newTestEnvelope(t, "task.request", map[string]any{})
	go pool.Dispatch(context.Background(), env)
	started.Wait()

	_, err := pool.Dispatch(context.Background(), env)
	require.Error(t, err)
	var exhausted *asaperr.ThreadPoolExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.MaxThreads)

	close(release)
}

type recordedCall struct {
	agentID, consumerID, taskID       string
	tokensIn, tokensOut, durationMS   int64
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (f *fakeRecorder) RecordTaskUsage(agentID, consumerID, taskID string, tokensIn, tokensOut, durationMS int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{agentID, consumerID, taskID, tokensIn, tokensOut, durationMS})
}

func TestMeteringWrapRecordsTaskExchange(t *testing.T) {
	fn := func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(env, "urn:asap:agent:worker-1", "task.response", map[string]any{
			"task_id": "t1",
			"status":  "completed",
			"metrics": map[string]any{"tokens_in": float64(10), "tokens_out": float64(20)},
		})
	}
	rec := &fakeRecorder{}
	wrapped := MeteringWrap(fn, rec, "urn:asap:agent:consumer-1")

	env := newTestEnvelope(t, "task.request", map[string]any{"skill_id": "echo"})
	_, err := wrapped(context.Background(), env)
	require.NoError(t, err)

	require.Len(t, rec.calls, 1)
	call := rec.calls[0]
	assert.Equal(t, "t1", call.taskID)
	assert.Equal(t, int64(10), call.tokensIn)
	assert.Equal(t, int64(20), call.tokensOut)
	assert.GreaterOrEqual(t, call.durationMS, int64(0))
}

func TestMeteringWrapSkipsNonTaskExchanges(t *testing.T) {
	fn := func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(env, "urn:asap:agent:worker-1", "asap.ack", map[string]any{"status": "received"})
	}
	rec := &fakeRecorder{}
	wrapped := MeteringWrap(fn, rec, "urn:asap:agent:consumer-1")

	env := newTestEnvelope(t, "asap.ack", map[string]any{})
	_, err := wrapped(context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, rec.calls)
}
