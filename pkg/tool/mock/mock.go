// Package mock provides a configurable test double for the [tool.Tool]
// interface.
//
// [Tool] counts every capability call and exposes exported fields that control
// what each capability returns. It is safe for concurrent use via an internal
// [sync.Mutex].
//
// Typical usage:
//
//	tl := &mock.Tool{Name: "search"}
//	tl.ProcessErrs = []error{toolerr.NewTimeout("search", 0, "slow")}
//	tl.ProcessResult = map[string]any{"hits": 3}
//
//	resp := rt.Invoke(ctx, tl)
//
//	if got := tl.CallCount("Process"); got != 2 {
//	    t.Errorf("expected 2 Process calls, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolrun/pkg/tool"
)

// Tool is a configurable test double for [tool.Tool].
type Tool struct {
	mu    sync.Mutex
	calls map[string]int

	// Name, Category and LimitType populate [Tool.Info].
	Name      string
	Category  string
	LimitType string

	// ValidateErr is returned by ValidateParameters when non-nil.
	ValidateErr error

	// ForceMock, when non-nil, overrides the mockMode argument of
	// ShouldUseMock.
	ForceMock *bool

	// MockResult and MockErr are returned by GenerateMockResults.
	MockResult any
	MockErr    error

	// ProcessErrs are returned by successive Process calls; once exhausted,
	// ProcessErr (or ProcessResult when ProcessErr is nil) is used.
	ProcessErrs   []error
	ProcessErr    error
	ProcessResult any

	// ProcessFunc, when non-nil, replaces the canned Process behaviour.
	ProcessFunc func(ctx context.Context) (any, error)

	// ProcessPanic, when non-empty, makes Process panic with this value.
	ProcessPanic string
}

var _ tool.Tool = (*Tool)(nil)

func (t *Tool) record(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[string]int)
	}
	t.calls[method]++
	return t.calls[method]
}

// CallCount returns how many times the named capability was invoked.
func (t *Tool) CallCount(method string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[method]
}

// Info implements [tool.Tool].
func (t *Tool) Info() tool.Info {
	return tool.Info{Name: t.Name, Category: t.Category, LimitType: t.LimitType}
}

// ValidateParameters implements [tool.Tool].
func (t *Tool) ValidateParameters() error {
	t.record("ValidateParameters")
	return t.ValidateErr
}

// ShouldUseMock implements [tool.Tool].
func (t *Tool) ShouldUseMock(mockMode bool) bool {
	t.record("ShouldUseMock")
	if t.ForceMock != nil {
		return *t.ForceMock
	}
	return mockMode
}

// GenerateMockResults implements [tool.Tool].
func (t *Tool) GenerateMockResults() (any, error) {
	t.record("GenerateMockResults")
	if t.MockErr != nil {
		return nil, t.MockErr
	}
	if t.MockResult == nil {
		return map[string]any{"mock": true}, nil
	}
	return t.MockResult, nil
}

// Process implements [tool.Tool].
func (t *Tool) Process(ctx context.Context) (any, error) {
	n := t.record("Process")
	if t.ProcessPanic != "" {
		panic(t.ProcessPanic)
	}
	if t.ProcessFunc != nil {
		return t.ProcessFunc(ctx)
	}
	if n <= len(t.ProcessErrs) {
		if err := t.ProcessErrs[n-1]; err != nil {
			return nil, err
		}
	}
	if t.ProcessErr != nil {
		return nil, t.ProcessErr
	}
	return t.ProcessResult, nil
}

// Bool returns a pointer to b, for use with [Tool.ForceMock].
func Bool(b bool) *bool { return &b }
