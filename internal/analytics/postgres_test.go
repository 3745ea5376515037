package analytics_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/toolrun/internal/analytics"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if TOOLRUN_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TOOLRUN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TOOLRUN_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestBackend drops tool_events and returns a freshly migrated backend.
func newTestBackend(t *testing.T, now func() time.Time) *analytics.PostgresBackend {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS tool_events CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	b, err := analytics.NewPostgresBackend(ctx, dsn, analytics.WithClock(now))
	if err != nil {
		t.Fatalf("NewPostgresBackend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPostgresBackend_RecordAndQuery(t *testing.T) {
	base := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	b := newTestBackend(t, func() time.Time { return base.Add(time.Hour) })
	ctx := context.Background()

	events := []analytics.Event{
		{ToolName: "web_search", EventType: analytics.EventStart, Timestamp: base},
		{ToolName: "web_search", EventType: analytics.EventSuccess, Timestamp: base.Add(time.Second),
			DurationMs: analytics.Duration(120 * time.Millisecond), Success: true,
			Metadata: map[string]any{"request_id": "r1", "attempts": 1}},
		{ToolName: "web_search", EventType: analytics.EventError, Timestamp: base.Add(2 * time.Second),
			DurationMs: analytics.Duration(80 * time.Millisecond), ErrorCode: "API_ERROR"},
		{ToolName: "web_search", EventType: analytics.EventSuccess, Timestamp: base.Add(-72 * time.Hour),
			DurationMs: analytics.Duration(time.Millisecond), Success: true},
		{ToolName: "crm_update", EventType: analytics.EventRateLimited, Timestamp: base},
	}
	for _, e := range events {
		if err := b.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	m, err := b.QueryMetrics(ctx, "web_search", 1)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	if m.TotalRequests != 2 || m.SuccessCount != 1 || m.ErrorsByCode["API_ERROR"] != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.AvgDurationMs != 100 {
		t.Errorf("avg = %v, want 100", m.AvgDurationMs)
	}

	all, err := b.QueryAllMetrics(ctx, 0)
	if err != nil {
		t.Fatalf("QueryAllMetrics: %v", err)
	}
	if all["web_search"].TotalRequests != 3 || all["crm_update"].RateLimitedCount != 1 {
		t.Errorf("all = %+v", all)
	}

	if err := b.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
