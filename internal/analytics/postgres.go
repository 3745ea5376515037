package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlToolEvents = `
CREATE TABLE IF NOT EXISTS tool_events (
    id           BIGSERIAL         PRIMARY KEY,
    tool_name    TEXT              NOT NULL,
    event_type   TEXT              NOT NULL,
    ts           TIMESTAMPTZ       NOT NULL,
    duration_ms  DOUBLE PRECISION,
    success      BOOLEAN           NOT NULL DEFAULT false,
    error_code   TEXT              NOT NULL DEFAULT '',
    metadata     JSONB             NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_tool_events_tool_ts
    ON tool_events (tool_name, ts);

CREATE INDEX IF NOT EXISTS idx_tool_events_ts
    ON tool_events (ts);
`

// Migrate creates the tool_events table and its indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlToolEvents); err != nil {
		return fmt.Errorf("analytics: migrate tool_events: %w", err)
	}
	return nil
}

var _ Backend = (*PostgresBackend)(nil)

// PostgresBackend stores events in the tool_events table. Aggregation happens
// in Go with [Aggregate] so every backend reports identical metrics.
type PostgresBackend struct {
	pool *pgxpool.Pool
	opts backendOptions
}

// NewPostgresBackend connects to dsn, verifies the connection and runs
// [Migrate].
func NewPostgresBackend(ctx context.Context, dsn string, opts ...Option) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("analytics: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("analytics: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("analytics: postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresBackend{pool: pool, opts: applyOptions(opts)}, nil
}

// Ping checks database connectivity. It backs the readiness check.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Record implements [Backend].
func (b *PostgresBackend) Record(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("analytics: postgres: encode metadata: %w", err)
	}

	const q = `
		INSERT INTO tool_events
		    (tool_name, event_type, ts, duration_ms, success, error_code, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if _, err := b.pool.Exec(ctx, q,
		e.ToolName,
		string(e.EventType),
		e.Timestamp,
		e.DurationMs,
		e.Success,
		e.ErrorCode,
		metaJSON,
	); err != nil {
		return fmt.Errorf("analytics: postgres: insert event: %w", err)
	}
	return nil
}

// query loads events for tool (all tools when empty) at or after cutoff.
func (b *PostgresBackend) query(ctx context.Context, tool string, cutoff time.Time) ([]Event, error) {
	var from *time.Time
	if !cutoff.IsZero() {
		from = &cutoff
	}

	const q = `
		SELECT tool_name, event_type, ts, duration_ms, success, error_code, metadata
		FROM   tool_events
		WHERE  ($1 = '' OR tool_name = $1)
		  AND  ($2::timestamptz IS NULL OR ts >= $2)
		ORDER  BY ts`

	rows, err := b.pool.Query(ctx, q, tool, from)
	if err != nil {
		return nil, fmt.Errorf("analytics: postgres: query events: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("analytics: postgres: scan events: %w", err)
	}
	return events, nil
}

func scanEvent(row pgx.CollectableRow) (Event, error) {
	var (
		e         Event
		eventType string
		metaJSON  []byte
	)
	if err := row.Scan(&e.ToolName, &eventType, &e.Timestamp, &e.DurationMs, &e.Success, &e.ErrorCode, &metaJSON); err != nil {
		return Event{}, err
	}
	e.EventType = EventType(eventType)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return Event{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}

// QueryMetrics implements [Backend].
func (b *PostgresBackend) QueryMetrics(ctx context.Context, tool string, sinceDays int) (ToolMetrics, error) {
	events, err := b.query(ctx, tool, since(b.opts.now(), sinceDays))
	if err != nil {
		return ToolMetrics{}, err
	}
	return Aggregate(tool, events), nil
}

// QueryAllMetrics implements [Backend].
func (b *PostgresBackend) QueryAllMetrics(ctx context.Context, sinceDays int) (map[string]ToolMetrics, error) {
	events, err := b.query(ctx, "", since(b.opts.now(), sinceDays))
	if err != nil {
		return nil, err
	}
	return AggregateAll(events), nil
}

// Close implements [Backend].
func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
