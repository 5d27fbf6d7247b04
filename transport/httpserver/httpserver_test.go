package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asap-project/asap-go/envelope"
	"github.com/asap-project/asap-go/handler"
	"github.com/asap-project/asap-go/jsonrpc"
	"github.com/asap-project/asap-go/validation"
)

func echoHandler(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
	body, _ := env.Payload()
	input, _ := body["input"].(map[string]any)
	return envelope.Reply(env, env.Recipient(), "task.response", map[string]any{
		"task_id": "t-" + env.ID(),
		"status":  "completed",
		"result":  map[string]any{"echoed": input},
	})
}

func postASAP(t *testing.T, s *Server, env *envelope.Envelope) *httptest.ResponseRecorder {
	t.Helper()
	req := jsonrpc.NewRequest(json.RawMessage(`"req-1"`), env, "")
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/asap", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httpReq)
	return rec
}

func TestHandleASAPHappyPathEcho(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("task.request", echoHandler)
	pool := handler.NewPool(reg, 4)
	cfg := DefaultConfig()
	cfg.DebugMode = true
	s := New(cfg, validation.New(validation.DefaultConfig()), pool, nil, nil)

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{"message": "hi"}},
	})
	require.NoError(t, err)

	rec := postASAP(t, s, env)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "task.response", resp.Result.Envelope.PayloadType())
	assert.Equal(t, env.ID(), resp.Result.Envelope.CorrelationID())

	respBody, err := resp.Result.Envelope.Payload()
	require.NoError(t, err)
	result, _ := respBody["result"].(map[string]any)
	echoed, _ := result["echoed"].(map[string]any)
	assert.Equal(t, "hi", echoed["message"])
}

func TestHandleASAPDuplicateNonceRejected(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("task.request", echoHandler)
	pool := handler.NewPool(reg, 4)
	cfg := DefaultConfig()
	cfg.DebugMode = true

	vcfg := validation.DefaultConfig()
	vcfg.RequireNonce = true
	validator := validation.New(vcfg)
	defer validator.Close()
	s := New(cfg, validator, pool, nil, nil)

	newEnv := func() *envelope.Envelope {
		env, err := envelope.New(envelope.Params{
			Sender:      "urn:asap:agent:a",
			Recipient:   "urn:asap:agent:b",
			PayloadType: "task.request",
			Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
			Extensions:  map[string]any{"nonce": "n1"},
		})
		require.NoError(t, err)
		return env
	}

	rec1 := postASAP(t, s, newEnv())
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := postASAP(t, s, newEnv())
	require.Equal(t, http.StatusBadRequest, rec2.Code)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "nonce")
}

func TestHandleASAPStaleTimestampRejectedBeforeNonce(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("task.request", echoHandler)
	pool := handler.NewPool(reg, 4)
	cfg := DefaultConfig()
	cfg.DebugMode = true

	vcfg := validation.DefaultConfig()
	vcfg.RequireNonce = true
	validator := validation.New(vcfg)
	defer validator.Close()
	s := New(cfg, validator, pool, nil, nil)

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
		Timestamp:   time.Now().UTC().Add(-10 * time.Minute),
		Extensions:  map[string]any{"nonce": "n2"},
	})
	require.NoError(t, err)

	rec := postASAP(t, s, env)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "timestamp")

	// Nonce store must not have been populated by the rejected request: a
	// fresh envelope reusing the same nonce still succeeds.
	env2, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
		Extensions:  map[string]any{"nonce": "n2"},
	})
	require.NoError(t, err)
	rec2 := postASAP(t, s, env2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func rawPostASAP(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	httpReq := httptest.NewRequest(http.MethodPost, "/asap", bytes.NewReader([]byte(body)))
	httpReq.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httpReq)
	return rec
}

func newEchoServer(t *testing.T) *Server {
	t.Helper()
	reg := handler.NewRegistry()
	reg.Register("task.request", echoHandler)
	pool := handler.NewPool(reg, 4)
	cfg := DefaultConfig()
	cfg.DebugMode = true
	return New(cfg, validation.New(validation.DefaultConfig()), pool, nil, nil)
}

func TestHandleASAPTopLevelArrayIsInvalidRequest(t *testing.T) {
	s := newEchoServer(t)
	rec := rawPostASAP(t, s, `[1, 2, 3]`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleASAPMalformedJSONIsParseError(t *testing.T) {
	s := newEchoServer(t)
	rec := rawPostASAP(t, s, `{"jsonrpc": "2.0", "method": `)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)
}

func TestHandleASAPNonObjectParamsIsInvalidParams(t *testing.T) {
	s := newEchoServer(t)
	rec := rawPostASAP(t, s, `{"jsonrpc": "2.0", "method": "asap.send", "params": "not-an-object", "id": "req-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestHandleASAPNonObjectEnvelopeIsInvalidParams(t *testing.T) {
	s := newEchoServer(t)
	rec := rawPostASAP(t, s, `{"jsonrpc": "2.0", "method": "asap.send", "params": {"envelope": "not-an-object"}, "id": "req-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)
}

func TestHandleASAPSchemaInvalidEnvelopeReportsValidationErrors(t *testing.T) {
	s := newEchoServer(t)
	body := `{"jsonrpc": "2.0", "method": "asap.send", "params": {"envelope": {"sender": "not-a-urn", "payload_type": "task.request"}}, "id": "req-1"}`
	rec := rawPostASAP(t, s, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidParams, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]any)
	require.True(t, ok)
	validationErrs, ok := data["validation_errors"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, validationErrs)
}

type fakeAuthenticator struct{ urn string }

func (f fakeAuthenticator) Validate(tokenString string) (string, error) {
	if tokenString != "good" {
		return "", errBadToken
	}
	return f.urn, nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errBadToken = testErr("bad token")

func TestHandleASAPSenderMismatchIsForbidden(t *testing.T) {
	reg := handler.NewRegistry()
	reg.Register("task.request", echoHandler)
	pool := handler.NewPool(reg, 4)
	cfg := DefaultConfig()
	cfg.DebugMode = true
	s := New(cfg, validation.New(validation.DefaultConfig()), pool, fakeAuthenticator{urn: "urn:asap:agent:other"}, nil)

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{"conversation_id": "c1", "skill_id": "echo", "input": map[string]any{}},
	})
	require.NoError(t, err)

	req := jsonrpc.NewRequest(json.RawMessage(`"req-1"`), env, "")
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/asap", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httpReq)

	require.Equal(t, http.StatusForbidden, rec.Code)
	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
}

func TestHandleASAPUnknownPayloadTypeIncludesPayloadTypeData(t *testing.T) {
	reg := handler.NewRegistry()
	pool := handler.NewPool(reg, 4)
	cfg := DefaultConfig()
	cfg.DebugMode = true
	s := New(cfg, validation.New(validation.DefaultConfig()), pool, nil, nil)

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "unknown.type",
		Payload:     map[string]any{},
	})
	require.NoError(t, err)

	rec := postASAP(t, s, env)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
	data, ok := resp.Error.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unknown.type", data["payload_type"])
}

func TestHandleASAPPoolExhaustionReturns503StructuredBody(t *testing.T) {
	reg := handler.NewRegistry()
	block := make(chan struct{})
	reg.Register("task.request", func(ctx context.Context, env *envelope.Envelope) (*envelope.Envelope, error) {
		<-block
		return nil, nil
	})
	pool := handler.NewPool(reg, 1)
	cfg := DefaultConfig()
	cfg.DebugMode = true
	s := New(cfg, validation.New(validation.DefaultConfig()), pool, nil, nil)

	env, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{},
	})
	require.NoError(t, err)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postASAP(t, s, env) }()

	// Give the first request time to occupy the only worker slot.
	time.Sleep(50 * time.Millisecond)

	env2, err := envelope.New(envelope.Params{
		Sender:      "urn:asap:agent:a",
		Recipient:   "urn:asap:agent:b",
		PayloadType: "task.request",
		Payload:     map[string]any{},
	})
	require.NoError(t, err)
	rec2 := postASAP(t, s, env2)
	require.Equal(t, http.StatusServiceUnavailable, rec2.Code)

	var respBody map[string]any
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &respBody))
	assert.Equal(t, "asap:transport/thread_pool_exhausted", respBody["code"])
	details, ok := respBody["details"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, details["max_threads"])

	close(block)
	<-done
}
