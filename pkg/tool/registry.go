package tool

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/toolrun/pkg/toolerr"
)

// suggestionThreshold is the minimum Jaro-Winkler similarity for a registered
// name to be offered as a "did you mean" suggestion.
const suggestionThreshold = 0.8

// maxSuggestions caps the number of suggested names.
const maxSuggestions = 3

// Factory builds a [Tool] from raw JSON parameters. params may be nil or an
// empty object for parameter-less tools.
type Factory func(params json.RawMessage) (Tool, error)

// Spec is the registration record for one tool.
type Spec struct {
	// Name is the unique tool name.
	Name string

	// Category groups related tools.
	Category string

	// Description is the human and LLM facing summary of the tool.
	Description string

	// InputSchema is the JSON Schema of the parameters object.
	InputSchema map[string]any

	// New builds a configured tool instance.
	New Factory
}

// Registry maps tool names to their [Spec]. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds spec. A later registration with the same name replaces the
// earlier one.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool registry: spec must have a non-empty name")
	}
	if spec.New == nil {
		return fmt.Errorf("tool registry: spec %q must have a non-nil factory", spec.Name)
	}
	if spec.InputSchema == nil {
		spec.InputSchema = map[string]any{"type": "object"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// List returns all registered specs sorted by name.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Spec) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// Build looks up name and constructs a tool from params.
//
// Unknown names yield a [toolerr.KindNotFound] error whose details carry up
// to three similarly named tools under "suggestions". Factory failures that
// are not already classified become [toolerr.KindValidation] errors.
func (r *Registry) Build(name string, params json.RawMessage) (Tool, error) {
	spec, ok := r.Lookup(name)
	if !ok {
		e := toolerr.NewNotFound(name, "tool", fmt.Sprintf("tool %q is not registered", name))
		if s := r.Suggest(name); len(s) > 0 {
			e.Details["suggestions"] = s
		}
		return nil, e
	}

	t, err := spec.New(params)
	if err != nil {
		var te *toolerr.Error
		if errors.As(err, &te) {
			return nil, te.WithTool(name)
		}
		return nil, toolerr.NewValidation(name, "", fmt.Sprintf("invalid parameters: %v", err))
	}
	return t, nil
}

// Suggest returns registered names similar to name, best match first.
func (r *Registry) Suggest(name string) []string {
	type scored struct {
		name  string
		score float64
	}

	needle := strings.ToLower(name)
	var candidates []scored

	r.mu.RLock()
	for n := range r.specs {
		if s := matchr.JaroWinkler(needle, strings.ToLower(n), false); s >= suggestionThreshold {
			candidates = append(candidates, scored{n, s})
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b scored) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})

	out := make([]string, 0, min(len(candidates), maxSuggestions))
	for i := 0; i < len(candidates) && i < maxSuggestions; i++ {
		out = append(out, candidates[i].name)
	}
	return out
}

// DecodeParams unmarshals params into v, treating nil or empty input as an
// empty object. Decoding errors are returned as validation errors.
func DecodeParams(tool string, params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return toolerr.NewValidation(tool, "", fmt.Sprintf("parameters must be a JSON object: %v", err))
	}
	return nil
}
