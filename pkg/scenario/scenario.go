package scenario

import (
	"fmt"
)

// Param is one named scenario value, rendered for failure reports.
type Param struct {
	Name  string
	Value string
}

// Scenario is the set of random parameters for one flow invocation.
//
// Values are drawn lazily on first request and cached by name, so the data
// setter, the account setter and the invariant of a flow all see the same
// amount, the same attacker role and so on. Drawing the same name with a
// different type is a programming error and panics.
type Scenario struct {
	rng    *Rng
	values map[string]any
	order  []string
}

// New returns an empty scenario drawing from rng.
func New(rng *Rng) *Scenario {
	return &Scenario{rng: rng, values: make(map[string]any)}
}

func lookup[T any](s *Scenario, name string, draw func() T) T {
	if v, ok := s.values[name]; ok {
		t, ok := v.(T)
		if !ok {
			panic(fmt.Sprintf("scenario: %q holds %T, requested %T", name, v, t))
		}
		return t
	}
	t := draw()
	s.values[name] = t
	s.order = append(s.order, name)
	return t
}

// Uint64 draws name uniformly from [lo, hi].
func (s *Scenario) Uint64(name string, lo, hi uint64) uint64 {
	return lookup(s, name, func() uint64 { return s.rng.Range(lo, hi) })
}

// IntN draws name uniformly from [0, n).
func (s *Scenario) IntN(name string, n int) int {
	return lookup(s, name, func() int { return s.rng.IntN(n) })
}

// Bool draws name as a fair coin.
func (s *Scenario) Bool(name string) bool {
	return lookup(s, name, func() bool { return s.rng.Bool() })
}

// Bytes draws name as n random bytes. The returned slice is a copy.
func (s *Scenario) Bytes(name string, n int) []byte {
	b := lookup(s, name, func() []byte { return s.rng.Bytes(n) })
	return append([]byte(nil), b...)
}

// Set fixes name to v, replacing any drawn value.
func (s *Scenario) Set(name string, v any) {
	if _, ok := s.values[name]; !ok {
		s.order = append(s.order, name)
	}
	s.values[name] = v
}

// Get returns the value stored under name.
func (s *Scenario) Get(name string) (any, bool) {
	v, ok := s.values[name]
	return v, ok
}

// Rng exposes the scenario's generator for uncached draws.
func (s *Scenario) Rng() *Rng { return s.rng }

// Params returns every value in the order it was first drawn or set.
func (s *Scenario) Params() []Param {
	out := make([]Param, len(s.order))
	for i, name := range s.order {
		v := s.values[name]
		if b, ok := v.([]byte); ok {
			out[i] = Param{Name: name, Value: fmt.Sprintf("%x", b)}
			continue
		}
		out[i] = Param{Name: name, Value: fmt.Sprint(v)}
	}
	return out
}
