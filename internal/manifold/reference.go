package manifold

import (
	"github.com/danielpatrickdp/phasegate/internal/state"
)

// ReferenceName is the name of the default manifold every policy derives from.
const ReferenceName = "reference"

// #region reference
// ReferenceConstraints returns the default constraint set: truthfulness is
// load-bearing for every other virtue, the social virtues need their
// supports, and cross-space rules tie operational coordinates to virtue.
func ReferenceConstraints() []Constraint {
	return []Constraint{
		{
			Name:        "truthfulness_supports_virtue",
			Description: "any virtue above 0.6 needs truthfulness of at least 0.6",
			When:        othersAbove(state.Truthfulness, 0.6),
			Match:       MatchAny,
			Require:     []Bound{{state.Truthfulness, OpGTE, 0.6}},
		},
		{
			Name:        "truthfulness_supports_exemplary_virtue",
			Description: "any virtue above 0.8 needs truthfulness of at least 0.7",
			When:        othersAbove(state.Truthfulness, 0.8),
			Match:       MatchAny,
			Require:     []Bound{{state.Truthfulness, OpGTE, 0.7}},
		},
		{
			Name:    "justice_requires_truth_and_understanding",
			When:    []Bound{{state.Justice, OpGT, 0.7}},
			Require: []Bound{{state.Truthfulness, OpGTE, 0.7}, {state.Understanding, OpGTE, 0.6}},
		},
		{
			Name:    "trustworthiness_requires_truthfulness",
			When:    []Bound{{state.Trustworthiness, OpGT, 0.7}},
			Require: []Bound{{state.Truthfulness, OpGTE, 0.7}},
		},
		{
			Name:    "unity_requires_justice",
			When:    []Bound{{state.Unity, OpGT, 0.7}},
			Require: []Bound{{state.Justice, OpGTE, 0.6}},
		},
		{
			Name:    "service_requires_detachment_and_understanding",
			When:    []Bound{{state.Service, OpGT, 0.7}},
			Require: []Bound{{state.Detachment, OpGTE, 0.6}, {state.Understanding, OpGTE, 0.5}},
		},
		{
			Name:        "exploitation_guard",
			Description: "high activity with low justice is an exploitation pattern",
			When:        []Bound{{state.Activity, OpGT, 0.7}},
			Require:     []Bound{{state.Justice, OpGTE, 0.5}},
		},
		{
			Name:    "coordination_requires_unity",
			When:    []Bound{{state.Coordination, OpGT, 0.7}},
			Require: []Bound{{state.Unity, OpGTE, 0.5}},
		},
		{
			Name:    "consumption_requires_detachment",
			When:    []Bound{{state.ResourceConsumption, OpGT, 0.8}},
			Require: []Bound{{state.Detachment, OpGTE, 0.4}},
		},
		{
			Name:    "effectiveness_requires_truthfulness",
			When:    []Bound{{state.Effectiveness, OpGT, 0.8}},
			Require: []Bound{{state.Truthfulness, OpGTE, 0.5}},
		},
	}
}

// Reference returns the default manifold.
func Reference() *Manifold {
	m, err := New(ReferenceName, ReferenceConstraints()...)
	if err != nil {
		// the reference set is static; a failure here is a programming error
		panic(err)
	}
	return m
}

func othersAbove(except state.Dimension, threshold float64) []Bound {
	var out []Bound
	for _, d := range state.VirtueDimensions() {
		if d == except {
			continue
		}
		out = append(out, Bound{Dim: d, Op: OpGT, Value: threshold})
	}
	return out
}

// #endregion reference
