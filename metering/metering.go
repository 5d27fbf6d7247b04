// Package metering implements the usage-event store (§4.13): recording one
// UsageEvent per completed task exchange, and the query/aggregate/summary/
// retention operations the usage REST surface (see transport/httpserver)
// exposes over it. Modeled on the teacher's pkg/storage interfaces: a
// narrow Go interface backed by interchangeable implementations (in-memory
// for tests, sqlite/postgres for persistence).
package metering

import (
	"context"
	"fmt"
	"time"
)

// GroupBy names the dimension an Aggregate call buckets by.
type GroupBy string

const (
	GroupByAgent    GroupBy = "agent"
	GroupByConsumer GroupBy = "consumer"
	GroupByDay      GroupBy = "day"
	GroupByWeek     GroupBy = "week"
)

// ErrUnknownGroupBy is returned by Aggregate when GroupBy is not one of
// the four recognized values; callers map this to HTTP 400.
var ErrUnknownGroupBy = fmt.Errorf("metering: unknown group_by value")

// UsageEvent records one metered task exchange.
type UsageEvent struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	ConsumerID string    `json:"consumer_id"`
	TaskID     string    `json:"task_id"`
	TokensIn   int64     `json:"tokens_in"`
	TokensOut  int64     `json:"tokens_out"`
	APICalls   int64     `json:"api_calls"`
	DurationMS int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"timestamp"`
}

// Filter narrows a Query/Aggregate/Summary call. Since/Until form the
// half-open interval [Since, Until) on RecordedAt described in §4.13.
type Filter struct {
	AgentID    string
	ConsumerID string
	TaskID     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// GroupTotal is one group's rollup from Aggregate: total_tokens is
// tokens_in+tokens_out per §4.13.
type GroupTotal struct {
	Group           string `json:"group"`
	TotalTasks      int64  `json:"total_tasks"`
	TotalTokens     int64  `json:"total_tokens"`
	TotalAPICalls   int64  `json:"total_api_calls"`
	TotalDurationMS int64  `json:"total_duration_ms"`
}

// Summary is the overall rollup returned by Summary, plus distinct-count
// cardinalities.
type Summary struct {
	TotalTasks      int64 `json:"total_tasks"`
	TotalTokens     int64 `json:"total_tokens"`
	TotalAPICalls   int64 `json:"total_api_calls"`
	TotalDurationMS int64 `json:"total_duration_ms"`
	UniqueAgents    int64 `json:"unique_agents"`
	UniqueConsumers int64 `json:"unique_consumers"`
}

// Stats is the store-wide health snapshot returned by Stats.
type Stats struct {
	TotalEvents        int64      `json:"total_events"`
	OldestTimestamp    *time.Time `json:"oldest_timestamp,omitempty"`
	RetentionTTLSeconds *int64    `json:"retention_ttl_seconds,omitempty"`
}

// Store is the persistence contract for usage events, implemented by
// MemoryStore, SQLiteStore and (optionally) a pgx-backed variant.
type Store interface {
	// Record persists one usage event, assigning its ID and RecordedAt if
	// unset.
	Record(ctx context.Context, ev *UsageEvent) error

	// Query returns events matching f, most recent first.
	Query(ctx context.Context, f Filter) ([]*UsageEvent, error)

	// Aggregate buckets events matching f by groupBy, returning one
	// GroupTotal per distinct group value. groupBy must be one of
	// GroupByAgent/GroupByConsumer/GroupByDay/GroupByWeek; any other value
	// yields ErrUnknownGroupBy.
	Aggregate(ctx context.Context, groupBy GroupBy, f Filter) ([]*GroupTotal, error)

	// Summary returns the overall totals and distinct-agent/consumer
	// counts over events matching f.
	Summary(ctx context.Context, f Filter) (*Summary, error)

	// Stats returns the store-wide snapshot. RetentionTTLSeconds is nil
	// when the store has no configured retention TTL.
	Stats(ctx context.Context) (*Stats, error)

	// PurgeExpired deletes events older than the store's configured
	// retention TTL, returning the number removed. Returns 0 with no
	// error when no TTL is configured, per §4.13.
	PurgeExpired(ctx context.Context) (int64, error)

	// Close releases any resources the store holds.
	Close() error
}

// Hook adapts a Store into the handler.UsageRecorder interface so it can
// be wired directly into handler.MeteringWrap without handler importing
// this package.
type Hook struct {
	Store Store
}

// RecordTaskUsage implements handler.UsageRecorder.
func (h *Hook) RecordTaskUsage(agentID, consumerID, taskID string, tokensIn, tokensOut, durationMS int64) {
	_ = h.Store.Record(context.Background(), &UsageEvent{
		AgentID:    agentID,
		ConsumerID: consumerID,
		TaskID:     taskID,
		TokensIn:   tokensIn,
		TokensOut:  tokensOut,
		APICalls:   1,
		DurationMS: durationMS,
	})
}

// dayKey formats t as the UTC "YYYY-MM-DD" bucket key used by
// GroupByDay, per §4.13.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// weekKey formats t as an ISO-week bucket key ("YYYY-Www") used by
// GroupByWeek.
func weekKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

func groupKey(groupBy GroupBy, ev *UsageEvent) (string, error) {
	switch groupBy {
	case GroupByAgent:
		return ev.AgentID, nil
	case GroupByConsumer:
		return ev.ConsumerID, nil
	case GroupByDay:
		return dayKey(ev.RecordedAt), nil
	case GroupByWeek:
		return weekKey(ev.RecordedAt), nil
	default:
		return "", ErrUnknownGroupBy
	}
}
