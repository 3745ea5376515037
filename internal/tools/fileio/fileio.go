// Package fileio provides sandboxed file tools rooted at one directory:
//
//   - "write_file" writes text content, creating parent directories.
//   - "read_file" returns the text content of a file.
//
// Paths are resolved relative to the store root. A path that would leave the
// root, lexically or through a symlink, is rejected with a SECURITY_ERROR.
package fileio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

const (
	// Category is the tool category of both file tools.
	Category = "storage"

	// MaxFileBytes caps both the size of a file read_file returns and the
	// content write_file accepts.
	MaxFileBytes = 1 << 20
)

// Store is a directory that the file tools are confined to.
type Store struct {
	dir string
}

// NewStore returns a [Store] rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fileio: resolve %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("fileio: create root %q: %w", abs, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute root directory.
func (s *Store) Dir() string { return s.dir }

// cleanPath validates rel and returns it in the slash-free, cleaned form used
// with [os.Root].
func cleanPath(toolName, rel string) (string, error) {
	if rel == "" {
		return "", toolerr.NewValidation(toolName, "path", "path must not be empty")
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") {
		return "", toolerr.NewSecurity(toolName, "absolute_path", fmt.Sprintf("path %q must be relative", rel))
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." {
		return "", toolerr.NewValidation(toolName, "path", "path must name a file")
	}
	if !filepath.IsLocal(clean) {
		return "", toolerr.NewSecurity(toolName, "path_traversal", fmt.Sprintf("path %q escapes the sandbox", rel))
	}
	return clean, nil
}

// fsError maps an I/O failure to the taxonomy.
func fsError(toolName, rel string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return toolerr.NewNotFound(toolName, "file", fmt.Sprintf("file %q does not exist", rel))
	case errors.Is(err, fs.ErrPermission):
		return toolerr.Wrap(toolerr.KindSecurity, toolName, fmt.Sprintf("access to %q denied", rel), err)
	case strings.Contains(err.Error(), "escapes from parent"):
		return toolerr.Wrap(toolerr.KindSecurity, toolName, fmt.Sprintf("path %q escapes the sandbox", rel), err)
	default:
		return fmt.Errorf("fileio: %s %q: %w", toolName, rel, err)
	}
}

// WriteResult is the result of "write_file".
type WriteResult struct {
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
}

// ReadResult is the result of "read_file".
type ReadResult struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// WriteFile writes Content to Path inside the store.
type WriteFile struct {
	tool.Base `json:"-"`

	Path    string `json:"path"`
	Content string `json:"content"`

	store *Store
}

// ValidateParameters implements [tool.Tool].
func (w *WriteFile) ValidateParameters() error {
	if _, err := cleanPath("write_file", w.Path); err != nil {
		return err
	}
	if len(w.Content) > MaxFileBytes {
		return toolerr.NewValidation("write_file", "content",
			fmt.Sprintf("content is %d bytes, max %d", len(w.Content), MaxFileBytes))
	}
	return nil
}

// GenerateMockResults implements [tool.Tool]. Nothing is written.
func (w *WriteFile) GenerateMockResults() (any, error) {
	return WriteResult{Path: w.Path, BytesWritten: len(w.Content)}, nil
}

// Process implements [tool.Tool].
func (w *WriteFile) Process(ctx context.Context) (any, error) {
	rel, err := cleanPath("write_file", w.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(w.store.dir)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindConfiguration, "write_file", "file store is unavailable", err)
	}
	defer root.Close()

	if dir := filepath.Dir(rel); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return nil, fsError("write_file", w.Path, err)
		}
	}
	if err := root.WriteFile(rel, []byte(w.Content), 0o644); err != nil {
		return nil, fsError("write_file", w.Path, err)
	}
	return WriteResult{Path: w.Path, BytesWritten: len(w.Content)}, nil
}

// ReadFile returns the content of Path inside the store.
type ReadFile struct {
	tool.Base `json:"-"`

	Path string `json:"path"`

	store *Store
}

// ValidateParameters implements [tool.Tool].
func (r *ReadFile) ValidateParameters() error {
	_, err := cleanPath("read_file", r.Path)
	return err
}

// GenerateMockResults implements [tool.Tool].
func (r *ReadFile) GenerateMockResults() (any, error) {
	return ReadResult{Path: r.Path, Content: fmt.Sprintf("mock content of %s", r.Path)}, nil
}

// Process implements [tool.Tool].
func (r *ReadFile) Process(ctx context.Context) (any, error) {
	rel, err := cleanPath("read_file", r.Path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root, err := os.OpenRoot(r.store.dir)
	if err != nil {
		return nil, toolerr.Wrap(toolerr.KindConfiguration, "read_file", "file store is unavailable", err)
	}
	defer root.Close()

	info, err := root.Stat(rel)
	if err != nil {
		return nil, fsError("read_file", r.Path, err)
	}
	if info.IsDir() {
		return nil, toolerr.NewValidation("read_file", "path", fmt.Sprintf("%q is a directory", r.Path))
	}
	if info.Size() > MaxFileBytes {
		return nil, toolerr.NewQuotaExceeded("read_file", "file_size", MaxFileBytes, info.Size(),
			fmt.Sprintf("file %q is %d bytes, max %d", r.Path, info.Size(), MaxFileBytes))
	}

	data, err := root.ReadFile(rel)
	if err != nil {
		return nil, fsError("read_file", r.Path, err)
	}
	return ReadResult{Path: r.Path, Content: string(data)}, nil
}

// Specs returns the registration records for the file tools bound to s.
func (s *Store) Specs() []tool.Spec {
	pathSchema := map[string]any{
		"type":        "string",
		"description": "Relative file path inside the store, e.g. notes/today.md. Must not contain '..' components.",
	}
	return []tool.Spec{
		{
			Name:        "write_file",
			Category:    Category,
			Description: "Write text content to a file in the sandboxed file store. Missing parent directories are created.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path":    pathSchema,
					"content": map[string]any{"type": "string", "description": "Text content to write."},
				},
				"required": []string{"path", "content"},
			},
			New: func(params json.RawMessage) (tool.Tool, error) {
				w := &WriteFile{Base: tool.Base{ToolInfo: tool.Info{Name: "write_file", Category: Category}}, store: s}
				if err := tool.DecodeParams("write_file", params, w); err != nil {
					return nil, err
				}
				return w, nil
			},
		},
		{
			Name:        "read_file",
			Category:    Category,
			Description: "Read the text content of a file from the sandboxed file store. Files larger than 1 MiB are rejected.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"path": pathSchema},
				"required":   []string{"path"},
			},
			New: func(params json.RawMessage) (tool.Tool, error) {
				r := &ReadFile{Base: tool.Base{ToolInfo: tool.Info{Name: "read_file", Category: Category}}, store: s}
				if err := tool.DecodeParams("read_file", params, r); err != nil {
					return nil, err
				}
				return r, nil
			},
		},
	}
}
