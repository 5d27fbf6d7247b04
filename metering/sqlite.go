package metering

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists usage events to a single relational file with one
// table and indexes on agent_id/consumer_id/task_id, per the "single file,
// durable across restarts" requirement. Modeled on the teacher pack's
// modernc.org/sqlite usage (bdobrica-Ruriko's memory.SQLiteLTM): a plain
// database/sql handle with the pure-Go driver, parameterized queries, no
// ORM.
type SQLiteStore struct {
	db           *sql.DB
	retentionTTL time.Duration
}

// OpenSQLiteStore opens (creating if absent) the sqlite file at path and
// ensures its schema exists. retentionTTL of zero disables PurgeExpired.
func OpenSQLiteStore(ctx context.Context, path string, retentionTTL time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("metering: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	s := &SQLiteStore{db: db, retentionTTL: retentionTTL}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id    TEXT NOT NULL,
	consumer_id TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	tokens_in   INTEGER NOT NULL DEFAULT 0,
	tokens_out  INTEGER NOT NULL DEFAULT 0,
	api_calls   INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_agent_id    ON usage_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_consumer_id ON usage_events(consumer_id);
CREATE INDEX IF NOT EXISTS idx_usage_events_task_id     ON usage_events(task_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("metering: migrate sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Record(ctx context.Context, ev *UsageEvent) error {
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (agent_id, consumer_id, task_id, tokens_in, tokens_out, api_calls, duration_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.AgentID, ev.ConsumerID, ev.TaskID, ev.TokensIn, ev.TokensOut, ev.APICalls, ev.DurationMS,
		ev.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("metering: insert usage event: %w", err)
	}
	id, err := res.LastInsertId()
	if err == nil {
		ev.ID = id
	}
	return nil
}

func buildFilter(f Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.ConsumerID != "" {
		clauses = append(clauses, "consumer_id = ?")
		args = append(args, f.ConsumerID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "recorded_at >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		clauses = append(clauses, "recorded_at < ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*UsageEvent, error) {
	where, args := buildFilter(f)
	query := `SELECT id, agent_id, consumer_id, task_id, tokens_in, tokens_out, api_calls, duration_ms, recorded_at
		FROM usage_events` + where + ` ORDER BY recorded_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metering: query usage events: %w", err)
	}
	defer rows.Close()

	var out []*UsageEvent
	for rows.Next() {
		var ev UsageEvent
		var recordedAt string
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.ConsumerID, &ev.TaskID, &ev.TokensIn, &ev.TokensOut, &ev.APICalls, &ev.DurationMS, &recordedAt); err != nil {
			return nil, fmt.Errorf("metering: scan usage event: %w", err)
		}
		ev.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// groupByColumn renders groupBy's SQLite grouping expression, or an error
// for an unrecognized value.
func groupByColumn(groupBy GroupBy) (string, error) {
	switch groupBy {
	case GroupByAgent:
		return "agent_id", nil
	case GroupByConsumer:
		return "consumer_id", nil
	case GroupByDay:
		return "strftime('%Y-%m-%d', recorded_at)", nil
	case GroupByWeek:
		return "strftime('%Y-W%W', recorded_at)", nil
	default:
		return "", ErrUnknownGroupBy
	}
}

func (s *SQLiteStore) Aggregate(ctx context.Context, groupBy GroupBy, f Filter) ([]*GroupTotal, error) {
	col, err := groupByColumn(groupBy)
	if err != nil {
		return nil, err
	}
	where, args := buildFilter(f)
	query := fmt.Sprintf(`SELECT %s AS grp, COUNT(*), COALESCE(SUM(tokens_in+tokens_out),0), COALESCE(SUM(api_calls),0), COALESCE(SUM(duration_ms),0)
		FROM usage_events%s GROUP BY grp ORDER BY grp`, col, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) Summary(ctx context.Context, f Filter) (*Summary, error) {
	where, args := buildFilter(f)
	query := `SELECT COUNT(*), COALESCE(SUM(tokens_in+tokens_out),0), COALESCE(SUM(api_calls),0), COALESCE(SUM(duration_ms),0),
		COUNT(DISTINCT agent_id), COUNT(DISTINCT consumer_id)
		FROM usage_events` + where

	sum := &Summary{}
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&sum.TotalTasks, &sum.TotalTokens, &sum.TotalAPICalls, &sum.TotalDurationMS, &sum.UniqueAgents, &sum.UniqueConsumers); err != nil {
		return nil, fmt.Errorf("metering: summarize usage events: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	var oldest sql.NullString
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(recorded_at) FROM usage_events`)
	if err := row.Scan(&stats.TotalEvents, &oldest); err != nil {
		return nil, fmt.Errorf("metering: stats: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			stats.OldestTimestamp = &t
		}
	}
	if s.retentionTTL > 0 {
		secs := int64(s.retentionTTL.Seconds())
		stats.RetentionTTLSeconds = &secs
	}
	return stats, nil
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	if s.retentionTTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.retentionTTL).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_events WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("metering: purge expired usage events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
