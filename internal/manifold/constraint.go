package manifold

import (
	"fmt"
	"strings"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region op
// Op is a comparison operator used by a Bound.
type Op string

const (
	OpGT  Op = ">"
	OpGTE Op = ">="
	OpLT  Op = "<"
	OpLTE Op = "<="
)

func (o Op) valid() bool {
	switch o {
	case OpGT, OpGTE, OpLT, OpLTE:
		return true
	}
	return false
}

// UnmarshalText accepts both symbols and the gt/gte/lt/lte spellings, which
// are easier to write unquoted in YAML.
func (o *Op) UnmarshalText(b []byte) error {
	switch string(b) {
	case ">", "gt":
		*o = OpGT
	case ">=", "gte":
		*o = OpGTE
	case "<", "lt":
		*o = OpLT
	case "<=", "lte":
		*o = OpLTE
	default:
		return fmt.Errorf("unknown operator %q", string(b))
	}
	return nil
}

// #endregion op

// #region bound
// Bound is a single comparison of one coordinate against a constant.
type Bound struct {
	Dim   state.Dimension `yaml:"dim" json:"dim"`
	Op    Op              `yaml:"op" json:"op"`
	Value float64         `yaml:"value" json:"value"`
}

// Holds reports whether the bound is satisfied by s.
func (b Bound) Holds(s state.PhaseSpaceState) bool {
	v := s.Get(b.Dim)
	switch b.Op {
	case OpGT:
		return v > b.Value
	case OpGTE:
		return v >= b.Value
	case OpLT:
		return v < b.Value
	case OpLTE:
		return v <= b.Value
	}
	return false
}

// Raises reports whether satisfying the bound means increasing its coordinate.
func (b Bound) Raises() bool {
	return b.Op == OpGT || b.Op == OpGTE
}

func (b Bound) String() string {
	return fmt.Sprintf("%s %s %.2f", b.Dim, b.Op, b.Value)
}

// #endregion bound

// #region constraint
// Match selects how a constraint's conditions combine.
type Match string

const (
	MatchAll Match = "all"
	MatchAny Match = "any"
)

// Constraint is a named pure predicate: whenever its conditions trigger,
// every requirement must hold. An empty When always triggers.
//
// Requirement coordinates are the constraint's supporting coordinates and
// condition coordinates its dependents; the projector uses that split to
// decide what to nudge.
type Constraint struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	When        []Bound `yaml:"when,omitempty" json:"when,omitempty"`
	Match       Match   `yaml:"match,omitempty" json:"match,omitempty"`
	Require     []Bound `yaml:"require" json:"require"`
}

// Triggered reports whether the constraint's conditions apply to s.
func (c Constraint) Triggered(s state.PhaseSpaceState) bool {
	if len(c.When) == 0 {
		return true
	}
	if c.Match == MatchAny {
		for _, b := range c.When {
			if b.Holds(s) {
				return true
			}
		}
		return false
	}
	for _, b := range c.When {
		if !b.Holds(s) {
			return false
		}
	}
	return true
}

// Satisfied reports whether s satisfies the constraint.
func (c Constraint) Satisfied(s state.PhaseSpaceState) bool {
	if !c.Triggered(s) {
		return true
	}
	for _, b := range c.Require {
		if !b.Holds(s) {
			return false
		}
	}
	return true
}

// FailedRequirements returns the requirements s does not meet while triggered.
func (c Constraint) FailedRequirements(s state.PhaseSpaceState) []Bound {
	if !c.Triggered(s) {
		return nil
	}
	var failed []Bound
	for _, b := range c.Require {
		if !b.Holds(s) {
			failed = append(failed, b)
		}
	}
	return failed
}

// ActiveConditions returns the conditions currently holding for s.
func (c Constraint) ActiveConditions(s state.PhaseSpaceState) []Bound {
	var active []Bound
	for _, b := range c.When {
		if b.Holds(s) {
			active = append(active, b)
		}
	}
	return active
}

// Equal compares two constraints by definition.
func (c Constraint) Equal(o Constraint) bool {
	if c.Name != o.Name || c.normalizedMatch() != o.normalizedMatch() {
		return false
	}
	if len(c.When) != len(o.When) || len(c.Require) != len(o.Require) {
		return false
	}
	for i := range c.When {
		if c.When[i] != o.When[i] {
			return false
		}
	}
	for i := range c.Require {
		if c.Require[i] != o.Require[i] {
			return false
		}
	}
	return true
}

func (c Constraint) normalizedMatch() Match {
	if c.Match == "" {
		return MatchAll
	}
	return c.Match
}

func (c Constraint) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("constraint has no name")
	}
	if len(c.Require) == 0 {
		return fmt.Errorf("constraint %s: no requirements", c.Name)
	}
	if m := c.normalizedMatch(); m != MatchAll && m != MatchAny {
		return fmt.Errorf("constraint %s: unknown match %q", c.Name, c.Match)
	}
	for _, b := range append(append([]Bound{}, c.When...), c.Require...) {
		if !b.Op.valid() {
			return fmt.Errorf("constraint %s: unknown operator %q", c.Name, b.Op)
		}
		if b.Dim < 0 || int(b.Dim) >= state.NumDimensions {
			return fmt.Errorf("constraint %s: dimension out of range", c.Name)
		}
	}
	return nil
}

func (c Constraint) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	if len(c.When) > 0 {
		parts := make([]string, len(c.When))
		for i, w := range c.When {
			parts[i] = w.String()
		}
		sep := " and "
		if c.Match == MatchAny {
			sep = " or "
		}
		fmt.Fprintf(&b, ": when %s", strings.Join(parts, sep))
	}
	parts := make([]string, len(c.Require))
	for i, r := range c.Require {
		parts[i] = r.String()
	}
	fmt.Fprintf(&b, " require %s", strings.Join(parts, " and "))
	return b.String()
}

// #endregion constraint
