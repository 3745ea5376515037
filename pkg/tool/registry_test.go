package tool_test

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/tool/mock"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

func mockSpec(name string) tool.Spec {
	return tool.Spec{
		Name:     name,
		Category: "search",
		New: func(json.RawMessage) (tool.Tool, error) {
			return &mock.Tool{Name: name, Category: "search"}, nil
		},
	}
}

func TestInfo_RateLimitType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		info tool.Info
		want string
	}{
		{tool.Info{Name: "a", Category: "search", LimitType: "serp"}, "serp"},
		{tool.Info{Name: "a", Category: "search"}, "search"},
		{tool.Info{Name: "a"}, tool.DefaultLimitType},
	}
	for _, tt := range tests {
		if got := tt.info.RateLimitType(); got != tt.want {
			t.Errorf("%+v.RateLimitType() = %q, want %q", tt.info, got, tt.want)
		}
	}
}

func TestBase_DefersMockMode(t *testing.T) {
	t.Parallel()
	b := tool.Base{ToolInfo: tool.Info{Name: "x"}}
	if !b.ShouldUseMock(true) || b.ShouldUseMock(false) {
		t.Error("Base.ShouldUseMock should return the configured default")
	}
	if b.Info().Name != "x" {
		t.Errorf("Info().Name = %q", b.Info().Name)
	}
}

func TestRegistry_RegisterRejectsIncompleteSpecs(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	if err := r.Register(tool.Spec{New: mockSpec("x").New}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register(tool.Spec{Name: "x"}); err == nil {
		t.Error("expected error for nil factory")
	}
}

func TestRegistry_ListSortedAndDefaultsSchema(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	for _, n := range []string{"web_search", "image_generate", "crm_update"} {
		if err := r.Register(mockSpec(n)); err != nil {
			t.Fatalf("Register(%q): %v", n, err)
		}
	}

	specs := r.List()
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
		if s.InputSchema["type"] != "object" {
			t.Errorf("%s: default schema = %v", s.Name, s.InputSchema)
		}
	}
	if want := []string{"crm_update", "image_generate", "web_search"}; !slices.Equal(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}

func TestRegistry_BuildUnknownSuggests(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	_ = r.Register(mockSpec("web_search"))
	_ = r.Register(mockSpec("image_generate"))

	_, err := r.Build("web_serch", nil)
	var te *toolerr.Error
	if !errors.As(err, &te) {
		t.Fatalf("Build error = %v, want *toolerr.Error", err)
	}
	if te.Kind != toolerr.KindNotFound {
		t.Errorf("kind = %v, want NOT_FOUND", te.Kind)
	}
	sugg, _ := te.Details["suggestions"].([]string)
	if len(sugg) == 0 || sugg[0] != "web_search" {
		t.Errorf("suggestions = %v, want web_search first", sugg)
	}
}

func TestRegistry_BuildFactoryErrors(t *testing.T) {
	t.Parallel()
	r := tool.NewRegistry()
	_ = r.Register(tool.Spec{
		Name: "plain",
		New: func(json.RawMessage) (tool.Tool, error) {
			return nil, errors.New("bad params")
		},
	})
	_ = r.Register(tool.Spec{
		Name: "classified",
		New: func(json.RawMessage) (tool.Tool, error) {
			return nil, toolerr.NewSecurity("", "blocked_host", "nope")
		},
	})

	_, err := r.Build("plain", json.RawMessage(`{}`))
	if !toolerr.IsKind(err, toolerr.KindValidation) {
		t.Errorf("plain factory error = %v, want VALIDATION_ERROR", err)
	}

	_, err = r.Build("classified", nil)
	var te *toolerr.Error
	if !errors.As(err, &te) || te.Kind != toolerr.KindSecurity || te.Tool != "classified" {
		t.Errorf("classified factory error = %v, want SECURITY_ERROR attributed to tool", err)
	}
}

func TestDecodeParams(t *testing.T) {
	t.Parallel()
	var v struct {
		Query string `json:"query"`
	}
	for _, in := range []json.RawMessage{nil, json.RawMessage("null"), json.RawMessage("{}")} {
		if err := tool.DecodeParams("x", in, &v); err != nil {
			t.Errorf("DecodeParams(%q): %v", in, err)
		}
	}
	if err := tool.DecodeParams("x", json.RawMessage(`{"query":"go"}`), &v); err != nil || v.Query != "go" {
		t.Errorf("DecodeParams = %v, query %q", err, v.Query)
	}
	if err := tool.DecodeParams("x", json.RawMessage(`[1]`), &v); !toolerr.IsKind(err, toolerr.KindValidation) {
		t.Errorf("DecodeParams(array) = %v, want VALIDATION_ERROR", err)
	}
}
