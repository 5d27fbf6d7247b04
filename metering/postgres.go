package metering

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the optional Postgres-backed Store variant, for
// deployments that already run a Postgres instance for other agent state
// and prefer not to add a second storage technology. Modeled on the
// teacher's pkg/storage/postgres.NonceStore: pgxpool handle, parameterized
// queries, explicit transactions only where atomicity actually matters.
type PostgresStore struct {
	db           *pgxpool.Pool
	retentionTTL time.Duration
}

// NewPostgresStore wraps an existing pgxpool.Pool. The caller is
// responsible for running the schema migration (see Migrate).
// retentionTTL of zero disables PurgeExpired.
func NewPostgresStore(db *pgxpool.Pool, retentionTTL time.Duration) *PostgresStore {
	return &PostgresStore{db: db, retentionTTL: retentionTTL}
}

// Migrate creates the usage_events table and its indexes if absent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id          BIGSERIAL PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	consumer_id TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	tokens_in   BIGINT NOT NULL DEFAULT 0,
	tokens_out  BIGINT NOT NULL DEFAULT 0,
	api_calls   BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	recorded_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_agent_id    ON usage_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_consumer_id ON usage_events(consumer_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_task_id     ON usage_events(task_id);
`
	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("metering: migrate postgres schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Record(ctx context.Context, ev *UsageEvent) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO usage_events (agent_id, consumer_id, task_id, tokens_in, tokens_out, api_calls, duration_ms, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	return p.db.QueryRow(ctx, query,
		ev.AgentID, ev.ConsumerID, ev.TaskID, ev.TokensIn, ev.TokensOut, ev.APICalls, ev.DurationMS, ev.RecordedAt,
	).Scan(&ev.ID)
}

func buildPgFilter(f Filter) (string, []any) {
	var clauses []string
	var args []any
	idx := 1
	next := func() string { idx++; return fmt.Sprintf("$%d", idx-1) }

	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = "+next())
		args = append(args, f.AgentID)
	}
	if f.ConsumerID != "" {
		clauses = append(clauses, "consumer_id = "+next())
		args = append(args, f.ConsumerID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = "+next())
		args = append(args, f.TaskID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "recorded_at >= "+next())
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "recorded_at < "+next())
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *PostgresStore) Query(ctx context.Context, f Filter) ([]*UsageEvent, error) {
	where, args := buildPgFilter(f)
	query := `SELECT id, agent_id, consumer_id, task_id, tokens_in, tokens_out, api_calls, duration_ms, recorded_at
		FROM usage_events` + where + ` ORDER BY recorded_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metering: query usage events: %w", err)
	}
	defer rows.Close()

	var out []*UsageEvent
	for rows.Next() {
		var ev UsageEvent
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.ConsumerID, &ev.TaskID, &ev.TokensIn, &ev.TokensOut, &ev.APICalls, &ev.DurationMS, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("metering: scan usage event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func pgGroupByColumn(groupBy GroupBy) (string, error) {
	switch groupBy {
	case GroupByAgent:
		return "agent_id", nil
	case GroupByConsumer:
		return "consumer_id", nil
	case GroupByDay:
		return "to_char(recorded_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')", nil
	case GroupByWeek:
		return "to_char(recorded_at AT TIME ZONE 'UTC', 'IYYY-\"W\"IW')", nil
	default:
		return "", ErrUnknownGroupBy
	}
}

func (p *PostgresStore) Aggregate(ctx context.Context, groupBy GroupBy, f Filter) ([]*GroupTotal, error) {
	col, err := pgGroupByColumn(groupBy)
	if err != nil {
		return nil, err
	}
	where, args := buildPgFilter(f)
	query := fmt.Sprintf(`SELECT %s AS grp, COUNT(*), COALESCE(SUM(tokens_in+tokens_out),0), COALESCE(SUM(api_calls),0), COALESCE(SUM(duration_ms),0)
		FROM usage_events%s GROUP BY grp ORDER BY grp`, col, where)

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metering: aggregate usage events: %w", err)
	}
	defer rows.Close()

	var out []*GroupTotal
	for rows.Next() {
		var g GroupTotal
		if err := rows.Scan(&g.Group, &g.TotalTasks, &g.TotalTokens, &g.TotalAPICalls, &g.TotalDurationMS); err != nil {
			return nil, fmt.Errorf("metering: scan aggregate row: %w", err)
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Summary(ctx context.Context, f Filter) (*Summary, error) {
	where, args := buildPgFilter(f)
	query := `SELECT COUNT(*), COALESCE(SUM(tokens_in+tokens_out),0), COALESCE(SUM(api_calls),0), COALESCE(SUM(duration_ms),0),
		COUNT(DISTINCT agent_id), COUNT(DISTINCT consumer_id)
		FROM usage_events` + where

	sum := &Summary{}
	row := p.db.QueryRow(ctx, query, args...)
	if err := row.Scan(&sum.TotalTasks, &sum.TotalTokens, &sum.TotalAPICalls, &sum.TotalDurationMS, &sum.UniqueAgents, &sum.UniqueConsumers); err != nil {
		return nil, fmt.Errorf("metering: summarize usage events: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	row := p.db.QueryRow(ctx, `SELECT COUNT(*), MIN(recorded_at) FROM usage_events`)
	var oldest *time.Time
	if err := row.Scan(&stats.TotalEvents, &oldest); err != nil {
		return nil, fmt.Errorf("metering: stats: %w", err)
	}
	stats.OldestTimestamp = oldest
	if p.retentionTTL > 0 {
		secs := int64(p.retentionTTL.Seconds())
		stats.RetentionTTLSeconds = &secs
	}
	return stats, nil
}

func (p *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	if p.retentionTTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-p.retentionTTL)
	tag, err := p.db.Exec(ctx, `DELETE FROM usage_events WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("metering: purge expired usage events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Close() error {
	p.db.Close()
	return nil
}
