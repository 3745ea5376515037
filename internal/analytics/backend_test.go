package analytics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// backendFactories lets the shared behaviour tests run against every
// in-process backend.
var backendFactories = map[string]func(t *testing.T, now func() time.Time) Backend{
	"memory": func(_ *testing.T, now func() time.Time) Backend {
		return NewMemoryBackend(WithClock(now))
	},
	"file": func(t *testing.T, now func() time.Time) Backend {
		b, err := NewFileBackend(t.TempDir(), WithClock(now))
		if err != nil {
			t.Fatalf("NewFileBackend: %v", err)
		}
		return b
	},
}

func TestBackends_RecordAndQuery(t *testing.T) {
	t.Parallel()
	for name, newBackend := range backendFactories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			now := func() time.Time { return t0.Add(time.Hour) }
			b := newBackend(t, now)
			defer b.Close()
			ctx := context.Background()

			for _, e := range []Event{
				ev("web_search", EventStart, 0, 0, ""),
				ev("web_search", EventSuccess, time.Second, 120, ""),
				ev("web_search", EventError, 2*time.Second, 80, "API_ERROR"),
				ev("image_generate", EventSuccess, 3*time.Second, 900, ""),
				// Outside a 1-day window.
				ev("web_search", EventSuccess, -72*time.Hour, 5, ""),
			} {
				if err := b.Record(ctx, e); err != nil {
					t.Fatalf("Record: %v", err)
				}
			}

			m, err := b.QueryMetrics(ctx, "web_search", 1)
			if err != nil {
				t.Fatalf("QueryMetrics: %v", err)
			}
			if m.TotalRequests != 2 || m.SuccessCount != 1 || m.ErrorsByCode["API_ERROR"] != 1 {
				t.Errorf("1-day metrics = %+v", m)
			}

			m, err = b.QueryMetrics(ctx, "web_search", 0)
			if err != nil {
				t.Fatalf("QueryMetrics unbounded: %v", err)
			}
			if m.TotalRequests != 3 {
				t.Errorf("unbounded TotalRequests = %d, want 3", m.TotalRequests)
			}

			all, err := b.QueryAllMetrics(ctx, 1)
			if err != nil {
				t.Fatalf("QueryAllMetrics: %v", err)
			}
			if len(all) != 2 || all["image_generate"].SuccessCount != 1 {
				t.Errorf("all metrics = %+v", all)
			}

			empty, err := b.QueryMetrics(ctx, "never_called", 7)
			if err != nil {
				t.Fatalf("QueryMetrics unknown tool: %v", err)
			}
			if empty.TotalRequests != 0 || empty.SuccessRate != 0 {
				t.Errorf("unknown tool metrics = %+v", empty)
			}
		})
	}
}

func TestBackends_RejectInvalidEvents(t *testing.T) {
	t.Parallel()
	for name, newBackend := range backendFactories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b := newBackend(t, time.Now)
			if err := b.Record(context.Background(), Event{ToolName: "x"}); err == nil {
				t.Error("expected error for event without type and timestamp")
			}
		})
	}
}

func TestBackends_ConcurrentRecord(t *testing.T) {
	t.Parallel()
	for name, newBackend := range backendFactories {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			b := newBackend(t, func() time.Time { return t0 })
			ctx := context.Background()

			var wg sync.WaitGroup
			for w := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := range 25 {
						e := ev("shared", EventSuccess, time.Duration(w*25+i)*time.Millisecond, 1, "")
						if err := b.Record(ctx, e); err != nil {
							t.Errorf("Record: %v", err)
						}
					}
				}()
			}
			wg.Wait()

			m, err := b.QueryMetrics(ctx, "shared", 0)
			if err != nil {
				t.Fatalf("QueryMetrics: %v", err)
			}
			if m.TotalRequests != 200 {
				t.Errorf("TotalRequests = %d, want 200", m.TotalRequests)
			}
		})
	}
}

func TestFileBackend_Layout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	e := ev("web_search", EventSuccess, 0, 12, "")
	e.Timestamp = time.Date(2026, 5, 10, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	if err := b.Record(context.Background(), e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// 23:30 at UTC-2 is 01:30 UTC on the next day.
	path := filepath.Join(dir, "web_search", "2026-05-11.jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected log at %s: %v", path, err)
	}
	line := strings.TrimSpace(string(data))
	for _, key := range []string{`"tool_name":"web_search"`, `"event_type":"success"`, `"duration_ms":12`, `"success":true`} {
		if !strings.Contains(line, key) {
			t.Errorf("line %s missing %s", line, key)
		}
	}
}

func TestFileBackend_SkipsMalformedLines(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, WithClock(func() time.Time { return t0 }))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	ctx := context.Background()
	if err := b.Record(ctx, ev("x", EventSuccess, 0, 1, "")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	path := filepath.Join(dir, "x", t0.Format(dayLayout)+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = f.WriteString("not json at all\n{\"tool_name\":\"x\",\"event_type\":\"succ")
	_ = f.Close()

	if err := b.Record(ctx, ev("x", EventError, time.Second, 2, "TIMEOUT")); err != nil {
		t.Fatalf("Record after corruption: %v", err)
	}

	m, err := b.QueryMetrics(ctx, "x", 0)
	if err != nil {
		t.Fatalf("QueryMetrics: %v", err)
	}
	// The partial line is skipped; both intact events are counted.
	if m.TotalRequests != 2 || m.SuccessCount != 1 || m.ErrorCount != 1 {
		t.Errorf("metrics after corruption = %+v, want 1 success and 1 error", m)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("log has %d lines, want 4:\n%s", len(lines), data)
	}
	if !strings.HasPrefix(lines[3], "{") || !strings.Contains(lines[3], `"TIMEOUT"`) {
		t.Errorf("post-crash event not on its own line: %q", lines[3])
	}
}

func TestFileBackend_IgnoresForeignFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	_ = os.MkdirAll(filepath.Join(dir, "x"), 0o755)
	_ = os.WriteFile(filepath.Join(dir, "x", "notes.txt"), []byte("hi"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "x", "yesterday.jsonl"), []byte("{}"), 0o644)
	_ = os.WriteFile(filepath.Join(dir, "README"), []byte("hi"), 0o644)

	all, err := b.QueryAllMetrics(context.Background(), 0)
	if err != nil {
		t.Fatalf("QueryAllMetrics: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("metrics from foreign files = %+v", all)
	}
}

func TestSanitizeToolName(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"web_search", "web_search"},
		{"crm.update-v2", "crm.update-v2"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"..", "_.."},
		{".", "_."},
		{"", "_"},
		{"a/b\\c d", "a_b_c_d"},
		{"día", "d__a"},
	}
	for _, tt := range tests {
		got := SanitizeToolName(tt.in)
		if got != tt.want {
			t.Errorf("SanitizeToolName(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if filepath.Base(got) != got || got == "." || got == ".." {
			t.Errorf("SanitizeToolName(%q) = %q is not a single safe segment", tt.in, got)
		}
	}
}

func TestFileBackend_TraversalStaysInsideBase(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	b, err := NewFileBackend(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	evil := ev("../escape", EventSuccess, 0, 1, "")
	if err := b.Record(context.Background(), evil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape")); err == nil {
		t.Fatal("event escaped the base directory")
	}
	m, err := b.QueryMetrics(context.Background(), "../escape", 0)
	if err != nil || m.TotalRequests != 1 {
		t.Errorf("QueryMetrics = %+v, %v", m, err)
	}
}

func TestFileBackend_RequiresBase(t *testing.T) {
	t.Parallel()
	if _, err := NewFileBackend(""); err == nil {
		t.Error("expected error for empty base")
	}
}

func ExampleSanitizeToolName() {
	fmt.Println(SanitizeToolName("search/v2"))
	// Output: search_v2
}
