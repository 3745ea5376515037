package analytics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// dayLayout names the per-day log files.
const dayLayout = "2006-01-02"

// maxLineBytes bounds a single JSON line on read.
const maxLineBytes = 1 << 20

// queryConcurrency caps the per-tool goroutines of [FileBackend.QueryAllMetrics].
const queryConcurrency = 8

var _ Backend = (*FileBackend)(nil)

// FileBackend appends events as JSON Lines to
// {base}/{tool}/{YYYY-MM-DD}.jsonl, partitioned by the UTC date of each
// event's timestamp.
//
// Appends to the same file are serialised by a per-file mutex. Malformed lines
// (including a partial trailing line left by a crash) are skipped on read.
type FileBackend struct {
	base string
	opts backendOptions

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileBackend creates base if needed and returns a backend rooted there.
func NewFileBackend(base string, opts ...Option) (*FileBackend, error) {
	if base == "" {
		return nil, errors.New("analytics: file backend: base directory is required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("analytics: file backend: resolve %q: %w", base, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("analytics: file backend: create %q: %w", abs, err)
	}
	return &FileBackend{
		base:  abs,
		opts:  applyOptions(opts),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the absolute base directory.
func (b *FileBackend) Dir() string { return b.base }

// SanitizeToolName maps a tool name onto a single safe path segment. Every
// byte outside [A-Za-z0-9._-] becomes '_', and names that would resolve to
// the current or parent directory are prefixed with '_'.
func SanitizeToolName(name string) string {
	var sb strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			sb.WriteByte(c)
		default:
			sb.WriteByte('_')
		}
	}
	s := sb.String()
	if s == "" || strings.Trim(s, ".") == "" {
		s = "_" + s
	}
	return s
}

// pathFor returns the log file for e.
func (b *FileBackend) pathFor(e Event) string {
	day := e.Timestamp.UTC().Format(dayLayout)
	return filepath.Join(b.base, SanitizeToolName(e.ToolName), day+".jsonl")
}

func (b *FileBackend) lockFor(path string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.locks[path]
	if !ok {
		l = &sync.Mutex{}
		b.locks[path] = l
	}
	return l
}

// Record implements [Backend].
func (b *FileBackend) Record(_ context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("analytics: encode event: %w", err)
	}
	line = append(line, '\n')

	path := b.pathFor(e)
	l := b.lockFor(path)
	l.Lock()
	defer l.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("analytics: create tool dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("analytics: open %s: %w", path, err)
	}
	terminated, err := endsWithNewline(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("analytics: inspect %s: %w", path, err)
	}
	if !terminated {
		// A crashed writer left a partial line; close it off so this event
		// lands on a line of its own.
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("analytics: append %s: %w", path, err)
	}
	return f.Close()
}

// endsWithNewline reports whether f is empty or its last byte is '\n'.
func endsWithNewline(f *os.File) (bool, error) {
	st, err := f.Stat()
	if err != nil {
		return false, err
	}
	if st.Size() == 0 {
		return true, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], st.Size()-1); err != nil {
		return false, err
	}
	return last[0] == '\n', nil
}

// readDir returns the events stored under one tool directory at or after
// cutoff. Files whose date lies entirely before cutoff are not opened.
func (b *FileBackend) readDir(ctx context.Context, dir string, cutoff time.Time) ([]Event, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("analytics: list %s: %w", dir, err)
	}

	var cutoffDay time.Time
	if !cutoff.IsZero() {
		c := cutoff.UTC()
		cutoffDay = time.Date(c.Year(), c.Month(), c.Day(), 0, 0, 0, 0, time.UTC)
	}

	var out []Event
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(name, ".jsonl"))
		if err != nil {
			continue
		}
		if !cutoffDay.IsZero() && day.Before(cutoffDay) {
			continue
		}
		evs, err := b.readFile(filepath.Join(dir, name), cutoff)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
	}
	return out, nil
}

func (b *FileBackend) readFile(path string, cutoff time.Time) ([]Event, error) {
	l := b.lockFor(path)
	l.Lock()
	data, err := os.ReadFile(path)
	l.Unlock()
	if err != nil {
		return nil, fmt.Errorf("analytics: read %s: %w", path, err)
	}

	var out []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil || e.Validate() != nil {
			slog.Debug("analytics: skipping malformed line", "path", path, "line", lineNo)
			continue
		}
		if inWindow(e, cutoff) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("analytics: stopped reading log early", "path", path, "err", err)
	}
	return out, nil
}

// QueryMetrics implements [Backend].
func (b *FileBackend) QueryMetrics(ctx context.Context, tool string, sinceDays int) (ToolMetrics, error) {
	cutoff := since(b.opts.now(), sinceDays)
	events, err := b.readDir(ctx, filepath.Join(b.base, SanitizeToolName(tool)), cutoff)
	if err != nil {
		return ToolMetrics{}, err
	}
	return Aggregate(tool, events), nil
}

// QueryAllMetrics implements [Backend]. Tool directories are read
// concurrently.
func (b *FileBackend) QueryAllMetrics(ctx context.Context, sinceDays int) (map[string]ToolMetrics, error) {
	cutoff := since(b.opts.now(), sinceDays)
	entries, err := os.ReadDir(b.base)
	if err != nil {
		return nil, fmt.Errorf("analytics: list %s: %w", b.base, err)
	}

	var (
		mu     sync.Mutex
		merged []Event
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(queryConcurrency)
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		dir := filepath.Join(b.base, ent.Name())
		g.Go(func() error {
			evs, err := b.readDir(gctx, dir, cutoff)
			if err != nil {
				return err
			}
			mu.Lock()
			merged = append(merged, evs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return AggregateAll(merged), nil
}

// Close implements [Backend]. Files are opened per append, so there is
// nothing to release.
func (b *FileBackend) Close() error { return nil }
