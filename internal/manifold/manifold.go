package manifold

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

var (
	// ErrDuplicateConstraint is returned when a manifold would hold two constraints with one name.
	ErrDuplicateConstraint = errors.New("duplicate constraint")
	// ErrConflictingConstraint is returned when manifolds disagree on a constraint's definition.
	ErrConflictingConstraint = errors.New("conflicting constraint definition")
	// ErrNotSuperset is returned when a derivation adds nothing to its parent.
	ErrNotSuperset = errors.New("derived manifold must add constraints")
)

// #region manifold
// Manifold is a named, ordered, deduplicated set of constraints. It is never
// mutated after construction; derivation and intersection build new values.
type Manifold struct {
	name        string
	constraints []Constraint
	index       map[string]int
}

// New builds a manifold, rejecting duplicate or malformed constraints.
func New(name string, constraints ...Constraint) (*Manifold, error) {
	m := &Manifold{name: name, index: make(map[string]int, len(constraints))}
	for _, c := range constraints {
		if err := m.add(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manifold) add(c Constraint) error {
	if err := c.validate(); err != nil {
		return err
	}
	if _, ok := m.index[c.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConstraint, c.Name)
	}
	if c.Match == "" {
		c.Match = MatchAll
	}
	c.When = append([]Bound(nil), c.When...)
	c.Require = append([]Bound(nil), c.Require...)
	m.index[c.Name] = len(m.constraints)
	m.constraints = append(m.constraints, c)
	return nil
}

func (m *Manifold) Name() string { return m.name }
func (m *Manifold) Len() int     { return len(m.constraints) }

// Constraints returns a copy of the ordered constraint set.
func (m *Manifold) Constraints() []Constraint {
	return append([]Constraint(nil), m.constraints...)
}

// Names returns constraint names in manifold order.
func (m *Manifold) Names() []string {
	names := make([]string, len(m.constraints))
	for i, c := range m.constraints {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the named constraint.
func (m *Manifold) Lookup(name string) (Constraint, bool) {
	i, ok := m.index[name]
	if !ok {
		return Constraint{}, false
	}
	return m.constraints[i], true
}

// Contains reports whether every constraint of o is present in m with the same definition.
func (m *Manifold) Contains(o *Manifold) bool {
	for _, c := range o.constraints {
		mine, ok := m.Lookup(c.Name)
		if !ok || !mine.Equal(c) {
			return false
		}
	}
	return true
}

// #endregion manifold

// #region validate
// Validate evaluates every constraint against s and returns all violations
// in manifold order.
func (m *Manifold) Validate(s state.PhaseSpaceState) (bool, []string) {
	var violated []string
	for _, c := range m.constraints {
		if !c.Satisfied(s) {
			violated = append(violated, c.Name)
		}
	}
	return len(violated) == 0, violated
}

// Violations returns the violated constraints themselves.
func (m *Manifold) Violations(s state.PhaseSpaceState) []Constraint {
	var out []Constraint
	for _, c := range m.constraints {
		if !c.Satisfied(s) {
			out = append(out, c)
		}
	}
	return out
}

// #endregion validate

// #region compose
// Extend derives a manifold holding every constraint of m plus the given
// ones. Constraints can only be added: a derivation that adds nothing or
// redefines an inherited name fails.
func (m *Manifold) Extend(name string, added ...Constraint) (*Manifold, error) {
	if len(added) == 0 {
		return nil, fmt.Errorf("extend %s: %w", m.name, ErrNotSuperset)
	}
	derived, err := New(name, m.constraints...)
	if err != nil {
		return nil, err
	}
	for _, c := range added {
		if existing, ok := derived.Lookup(c.Name); ok {
			if !existing.Equal(c) {
				return nil, fmt.Errorf("extend %s: %w: %s", m.name, ErrConflictingConstraint, c.Name)
			}
			return nil, fmt.Errorf("extend %s: %w: %s", m.name, ErrDuplicateConstraint, c.Name)
		}
		if err := derived.add(c); err != nil {
			return nil, fmt.Errorf("extend %s: %w", m.name, err)
		}
	}
	return derived, nil
}

// Intersection merges manifolds into the union of their constraints, for
// agents under several overlapping policies. A state valid under the result
// is valid under every input. Identical constraints shared through a common
// parent are kept once; the same name with different definitions is an error.
func Intersection(name string, manifolds ...*Manifold) (*Manifold, error) {
	out := &Manifold{name: name, index: make(map[string]int)}
	for _, m := range manifolds {
		if m == nil {
			continue
		}
		for _, c := range m.constraints {
			if existing, ok := out.Lookup(c.Name); ok {
				if !existing.Equal(c) {
					return nil, fmt.Errorf("intersect %s: %w: %s", name, ErrConflictingConstraint, c.Name)
				}
				continue
			}
			if err := out.add(c); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// #endregion compose
