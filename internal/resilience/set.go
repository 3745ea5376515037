package resilience

import (
	"cmp"
	"slices"
	"sync"
)

// Set lazily creates one [CircuitBreaker] per name from a shared template.
type Set struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewSet returns a [Set] whose breakers are built from cfg. cfg.Name is
// replaced with the name passed to [Set.Get].
func NewSet(cfg CircuitBreakerConfig) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (s *Set) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cfg := s.cfg
	cfg.Name = name
	cb := NewCircuitBreaker(cfg)
	s.breakers[name] = cb
	return cb
}

// Status is a point-in-time view of one breaker.
type Status struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Snapshot returns the state of every breaker created so far, sorted by name.
func (s *Set) Snapshot() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.breakers))
	for name, cb := range s.breakers {
		out = append(out, Status{Name: name, State: cb.State().String()})
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Status) int { return cmp.Compare(a.Name, b.Name) })
	return out
}
