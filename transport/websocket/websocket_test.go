package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/asap-project/asap-go/envelope"
)

var upgrader = gorilla.Upgrader{}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	return envelope.Reply(env, env.Recipient(), "task.response", map[string]any{
		"task_id": "t1",
		"status":  "completed",
	})
}

func newTestServer(t *testing.T, d Dispatcher, set *ConnSet) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		Serve(ws, d, ServerConfig{MessagesPerSecond: 1000}, set)
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestTransport_SendReceivesReply(t *testing.T) {
	srv := newTestServer(t, echoDispatcher{}, nil)
	defer srv.Close()

	ctx := context.Background()
	transport, err := Dial(ctx, Config{URL: wsURL(srv.URL)})
	require.NoError(t, err)
	defer transport.Close()

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
	})
	require.NoError(t, err)

	reply, err := transport.Send(ctx, env, "idem-1")
	require.NoError(t, err)
	require.Equal(t, "task.response", reply.PayloadType())
	require.Equal(t, env.ID(), reply.CorrelationID())
}

func TestTransport_AckEmittedForRequiresAck(t *testing.T) {
	srv := newTestServer(t, echoDispatcher{}, nil)
	defer srv.Close()

	ctx := context.Background()
	transport, err := Dial(ctx, Config{URL: wsURL(srv.URL)})
	require.NoError(t, err)
	defer transport.Close()

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		RequiresAck: true,
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
	})
	require.NoError(t, err)

	// The ack notification and the task.response both arrive on the same
	// connection; Send only waits for the correlated result, but the ack
	// should have cleared the pending-ack entry before the reply shows up.
	_, err = transport.Send(ctx, env, "")
	require.NoError(t, err)

	transport.ackMu.Lock()
	_, stillPending := transport.pendingAcks[env.ID()]
	transport.ackMu.Unlock()
	require.False(t, stillPending, "ack notification should have cleared the pending-ack entry")
}

func TestConn_RateLimitClosesWithPolicyViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		Serve(ws, echoDispatcher{}, ServerConfig{MessagesPerSecond: 1}, nil)
	}))
	defer srv.Close()

	dialer := gorilla.Dialer{}
	conn, _, err := dialer.Dial(wsURL(srv.URL), nil)
	require.NoError(t, err)
	defer conn.Close()

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
	})
	require.NoError(t, err)
	raw, err := env.MarshalJSON()
	require.NoError(t, err)
	frame, err := newRequestFrame([]byte(`"1"`), MethodSend, sendParams{Envelope: raw})
	require.NoError(t, err)

	// Burst past the 1 msg/s bucket: the first frame is allowed (capacity
	// 1), the second is denied and must close the socket with 1008.
	require.NoError(t, conn.WriteJSON(frame))
	require.NoError(t, conn.WriteJSON(frame))

	for i := 0; i < 4; i++ {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			require.True(t, gorilla.IsCloseError(err, CloseRateLimited), "expected close code 1008, got %v", err)
			return
		}
	}
	t.Fatal("expected connection to close on rate-limit violation")
}

func TestPool_AcquireReleaseReusesTransport(t *testing.T) {
	srv := newTestServer(t, echoDispatcher{}, nil)
	defer srv.Close()

	pool := NewPool(PoolConfig{MaxPerURL: 2})
	defer pool.Close()

	ctx := context.Background()
	t1, err := pool.Acquire(ctx, wsURL(srv.URL))
	require.NoError(t, err)
	pool.Release(wsURL(srv.URL), t1)

	t2, err := pool.Acquire(ctx, wsURL(srv.URL))
	require.NoError(t, err)
	require.Same(t, t1, t2, "released transport should be reused before dialing a new one")
	pool.Release(wsURL(srv.URL), t2)
}

func TestReconnectDelay(t *testing.T) {
	require.Equal(t, 1*time.Second, reconnectDelay(time.Second, 30*time.Second, 0))
	require.Equal(t, 2*time.Second, reconnectDelay(time.Second, 30*time.Second, 1))
	require.Equal(t, 4*time.Second, reconnectDelay(time.Second, 30*time.Second, 2))
	require.Equal(t, 30*time.Second, reconnectDelay(time.Second, 30*time.Second, 10))
}
