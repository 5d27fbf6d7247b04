package httpserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/handler"
	"github.com/asap-project/asap-go/validation"
	wstransport "github.com/asap-project/asap-go/transport/websocket"
)

func TestHandleWS_EchoOverUpgradedConnection(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("task.request", func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		return envelope.Reply(env, env.Recipient(), "task.response", map[string]any{"task_id": "t1", "status": "completed"})
	})
	cfg := DefaultConfig()
	cfg.DebugMode = true
	s := New(cfg, validation.New(validation.DefaultConfig()), handler.NewPool(reg, 4), nil, nil)

	srv := httptest.NewServer(s)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/asap/ws"

	ctx := context.Background()
	client, err := wstransport.Dial(ctx, wstransport.Config{URL: wsURL})
	require.NoError(t, err)
	defer client.Close()

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
	})
	require.NoError(t, err)

	reply, err := client.Send(ctx, env, "idem-ws-1")
	require.NoError(t, err)
	require.Equal(t, "task.response", reply.PayloadType())
	require.Equal(t, env.ID(), reply.CorrelationID())
}
