package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asap-project/asap-go/handler"
	"github.com/asap-project/asap-go/metering"
	"github.com/asap-project/asap-go/validation"
)

func newTestServer(t *testing.T) (*Server, metering.Store) {
	t.Helper()
	store := metering.NewMemoryStore(0)
	cfg := DefaultConfig()
	cfg.DebugMode = true
	s := New(cfg, validation.New(validation.DefaultConfig()), handler.NewPool(handler.NewRegistry(), 4), nil, store)
	return s, store
}

func TestUsagePostAndGet(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(metering.UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t1", TokensIn: 5, TokensOut: 10})
	req := httptest.NewRequest(http.MethodPost, "/usage", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/usage?agent_id=a1", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []metering.UsageEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "t1", events[0].TaskID)
}

func TestUsagePostMissingFieldRejected(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(metering.UsageEvent{ConsumerID: "c1"})
	req := httptest.NewRequest(http.MethodPost, "/usage", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageBatch(t *testing.T) {
	s, _ := newTestServer(t)

	payload := map[string]any{
		"events": []metering.UsageEvent{
			{AgentID: "a1", ConsumerID: "c1", TaskID: "t1"},
			{AgentID: "a1", ConsumerID: "c2", TaskID: "t2"},
		},
	}
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/usage/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Count   int      `json:"count"`
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.ElementsMatch(t, []string{"t1", "t2"}, resp.TaskIDs)
}

func TestUsageBatchRejectsEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/usage/batch", bytes.NewReader([]byte(`{"events":[]}`)))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageValidate(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(metering.UsageEvent{AgentID: "a1", TaskID: "t1"})
	req := httptest.NewRequest(http.MethodPost, "/usage/validate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["valid"])
}

func TestUsageAggregateByGroupBy(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.Record(context.Background(), &metering.UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t1", TokensIn: 1, TokensOut: 1}))
	require.NoError(t, store.Record(context.Background(), &metering.UsageEvent{AgentID: "a1", ConsumerID: "c2", TaskID: "t2", TokensIn: 2, TokensOut: 2}))

	req := httptest.NewRequest(http.MethodGet, "/usage/aggregate?group_by=consumer", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var totals []metering.GroupTotal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	assert.Len(t, totals, 2)
}

func TestUsageAggregateUnknownGroupBy(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/usage/aggregate?group_by=bogus", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsagePurge(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/usage/purge", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "purged", resp["status"])
}

func TestUsageExportCSV(t *testing.T) {
	s, store := newTestServer(t)
	require.NoError(t, store.Record(context.Background(), &metering.UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t1"}))

	req := httptest.NewRequest(http.MethodGet, "/usage/export?export_format=csv", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, rec.Body.String(), "task_id,agent_id")
}

func TestUsageMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/asap/metrics", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
