package metering

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRecordAndQuery(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, &UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t1", TokensIn: 5, TokensOut: 10, APICalls: 1, DurationMS: 100}))
	require.NoError(t, store.Record(ctx, &UsageEvent{AgentID: "a1", ConsumerID: "c2", TaskID: "t2", TokensIn: 3, TokensOut: 7, APICalls: 1, DurationMS: 50}))
	require.NoError(t, store.Record(ctx, &UsageEvent{AgentID: "a2", ConsumerID: "c1", TaskID: "t3", TokensIn: 1, TokensOut: 1, APICalls: 1, DurationMS: 10}))

	events, err := store.Query(ctx, Filter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Len(t, events, 2)

	totals, err := store.Aggregate(ctx, GroupByAgent, Filter{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	assert.Equal(t, int64(2), totals[0].TotalTasks)
	assert.Equal(t, int64(25), totals[0].TotalTokens)

	_, err = store.Aggregate(ctx, GroupBy("bogus"), Filter{})
	assert.ErrorIs(t, err, ErrUnknownGroupBy)

	summary, err := store.Summary(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), summary.TotalTasks)
	assert.Equal(t, int64(2), summary.UniqueAgents)
	assert.Equal(t, int64(2), summary.UniqueConsumers)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Nil(t, stats.RetentionTTLSeconds)
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	old := &UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t1", RecordedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, store.Record(ctx, old))
	require.NoError(t, store.Record(ctx, &UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t2"}))

	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEvents)
	require.NotNil(t, stats.RetentionTTLSeconds)
	assert.Equal(t, int64(3600), *stats.RetentionTTLSeconds)
}

func TestMemoryStorePurgeExpiredNoTTL(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, store.Record(ctx, &UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t1", RecordedAt: time.Now().Add(-48 * time.Hour)}))

	removed, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestMemoryStoreQueryPagination(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, &UsageEvent{AgentID: "a1", ConsumerID: "c1", TaskID: "t"}))
	}

	page, err := store.Query(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}

func TestHookRecordTaskUsage(t *testing.T) {
	store := NewMemoryStore(0)
	hook := &Hook{Store: store}

	hook.RecordTaskUsage("a1", "c1", "t1", 5, 10, 100)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEvents)
}

func TestWeekKeyAndDayKey(t *testing.T) {
	ts := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-02", dayKey(ts))
	assert.NotEmpty(t, weekKey(ts))
}
