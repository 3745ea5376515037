package fileio

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

func newRegistry(t *testing.T) (*tool.Registry, *Store) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "root"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := tool.NewRegistry()
	for _, sp := range store.Specs() {
		if err := reg.Register(sp); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	return reg, store
}

func run(t *testing.T, reg *tool.Registry, name string, params any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	tl, err := reg.Build(name, raw)
	if err != nil {
		t.Fatalf("Build(%s): %v", name, err)
	}
	if err := tl.ValidateParameters(); err != nil {
		return nil, err
	}
	return tl.Process(context.Background())
}

func TestCleanPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		path     string
		want     string
		wantKind toolerr.Kind
		wantErr  bool
	}{
		{path: "notes.txt", want: "notes.txt"},
		{path: "a/b/c.md", want: filepath.Join("a", "b", "c.md")},
		{path: "a/../b.txt", want: "b.txt"},
		{path: "./x", want: "x"},
		{path: "", wantErr: true, wantKind: toolerr.KindValidation},
		{path: ".", wantErr: true, wantKind: toolerr.KindValidation},
		{path: "../escape", wantErr: true, wantKind: toolerr.KindSecurity},
		{path: "foo/../../escape", wantErr: true, wantKind: toolerr.KindSecurity},
		{path: "../", wantErr: true, wantKind: toolerr.KindSecurity},
		{path: "/etc/passwd", wantErr: true, wantKind: toolerr.KindSecurity},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()
			got, err := cleanPath("read_file", tt.path)
			if tt.wantErr {
				if !toolerr.IsKind(err, tt.wantKind) {
					t.Errorf("cleanPath(%q) error = %v, want %s", tt.path, err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("cleanPath(%q): %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("cleanPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	reg, store := newRegistry(t)

	out, err := run(t, reg, "write_file", map[string]string{"path": "notes/day1.md", "content": "hello"})
	if err != nil {
		t.Fatalf("write_file: %v", err)
	}
	if w := out.(WriteResult); w.BytesWritten != 5 || w.Path != "notes/day1.md" {
		t.Errorf("write result = %+v", w)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "notes", "day1.md")); err != nil {
		t.Errorf("file not created under the store root: %v", err)
	}

	out, err = run(t, reg, "read_file", map[string]string{"path": "notes/day1.md"})
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if got := out.(ReadResult).Content; got != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
}

func TestTraversalIsSecurityError(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)

	_, err := run(t, reg, "write_file", map[string]string{"path": "../../etc/passwd", "content": "x"})
	if !toolerr.IsKind(err, toolerr.KindSecurity) {
		t.Errorf("write_file traversal = %v, want SECURITY_ERROR", err)
	}
	_, err = run(t, reg, "read_file", map[string]string{"path": "../secret"})
	if !toolerr.IsKind(err, toolerr.KindSecurity) {
		t.Errorf("read_file traversal = %v, want SECURITY_ERROR", err)
	}
}

func TestSymlinkEscapeIsRejected(t *testing.T) {
	t.Parallel()
	reg, store := newRegistry(t)
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s3cr3t"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(store.Dir(), "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	out, err := run(t, reg, "read_file", map[string]string{"path": "link/secret.txt"})
	if err == nil {
		t.Fatalf("read through escaping symlink succeeded: %+v", out)
	}
	if toolerr.IsKind(err, toolerr.KindNotFound) {
		t.Errorf("error = %v, want anything but NOT_FOUND", err)
	}
}

func TestReadFile_NotFound(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	_, err := run(t, reg, "read_file", map[string]string{"path": "missing.txt"})
	if !toolerr.IsKind(err, toolerr.KindNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestReadFile_TooLarge(t *testing.T) {
	t.Parallel()
	reg, store := newRegistry(t)
	big := strings.Repeat("x", MaxFileBytes+1)
	if err := os.WriteFile(filepath.Join(store.Dir(), "big.txt"), []byte(big), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := run(t, reg, "read_file", map[string]string{"path": "big.txt"})
	if !toolerr.IsKind(err, toolerr.KindQuotaExceeded) {
		t.Fatalf("error = %v, want QUOTA_EXCEEDED", err)
	}
	if used := err.(*toolerr.Error).Details["used"]; used != int64(MaxFileBytes+1) {
		t.Errorf("details.used = %v, want %d", used, MaxFileBytes+1)
	}
}

func TestWriteFile_ContentTooLarge(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	_, err := run(t, reg, "write_file", map[string]string{"path": "a.txt", "content": strings.Repeat("x", MaxFileBytes+1)})
	if !toolerr.IsKind(err, toolerr.KindValidation) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestReadFile_Directory(t *testing.T) {
	t.Parallel()
	reg, store := newRegistry(t)
	if err := os.Mkdir(filepath.Join(store.Dir(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, reg, "read_file", map[string]string{"path": "sub"})
	if !toolerr.IsKind(err, toolerr.KindValidation) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestMockWriteDoesNotTouchDisk(t *testing.T) {
	t.Parallel()
	reg, store := newRegistry(t)
	tl, err := reg.Build("write_file", json.RawMessage(`{"path":"m.txt","content":"abc"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !tl.ShouldUseMock(true) || tl.ShouldUseMock(false) {
		t.Error("ShouldUseMock should follow the process-wide mock mode")
	}
	out, err := tl.GenerateMockResults()
	if err != nil {
		t.Fatalf("GenerateMockResults: %v", err)
	}
	if w := out.(WriteResult); w.BytesWritten != 3 {
		t.Errorf("mock BytesWritten = %d, want 3", w.BytesWritten)
	}
	if _, err := os.Stat(filepath.Join(store.Dir(), "m.txt")); !os.IsNotExist(err) {
		t.Errorf("mock write touched disk: stat err = %v", err)
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	t.Parallel()
	reg, _ := newRegistry(t)
	tl, err := reg.Build("read_file", json.RawMessage(`{"path":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tl.Process(ctx); err == nil {
		t.Error("Process on cancelled context = nil, want error")
	}
}
