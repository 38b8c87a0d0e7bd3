package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/phasegate/internal/config"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region fixture-tests

// TestFixture_Baseline is the regression baseline: if signal aggregation,
// constraints or projection parameters drift, a step stops matching.
func TestFixture_Baseline(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "baseline.json"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	report, err := Replay(context.Background(), config.Default(), f, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(report.Results) != len(f.Steps) {
		t.Fatalf("expected %d results, got %d", len(f.Steps), len(report.Results))
	}
	for i, r := range report.Results {
		if r.ID != f.Steps[i].ID {
			t.Errorf("step %d: expected id=%s, got %s", i, f.Steps[i].ID, r.ID)
		}
		if !r.Match {
			t.Errorf("step %s: expected %q, got %q (reason: %s, error: %s)", r.ID, r.Expected, r.Decision, r.Reason, r.Err)
		}
	}

	s := report.Summary
	if s.Mismatches != 0 {
		t.Errorf("expected no mismatches, got %d", s.Mismatches)
	}
	if s.Gates != 7 {
		t.Errorf("expected 7 gate steps, got %d", s.Gates)
	}
	if s.Allow != 2 || s.AllowWithProjection != 1 || s.Block != 4 {
		t.Errorf("unexpected decision counts: %+v", s)
	}
	// The rejected request is not recorded.
	if len(report.Transitions) != 6 {
		t.Errorf("expected 6 recorded transitions, got %d", len(report.Transitions))
	}
	if len(report.Events) == 0 {
		t.Error("expected security events for the projection and interventions")
	}
}

func TestReplay_ReportsMismatch(t *testing.T) {
	f := &Fixture{Steps: []Step{
		{ID: "g1", Gate: &FixtureGate{AgentID: "a1", ActionID: "x"}, Expect: trajectory.Block},
		{ID: "s1", Signal: &FixtureSignal{AgentID: "a1", Kind: "health", Value: 0.9}, ExpectError: true},
	}}
	report, err := Replay(context.Background(), config.Default(), f, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if report.Results[0].Match || report.Results[0].Decision != trajectory.Allow {
		t.Errorf("g1: expected unmatched allow, got %+v", report.Results[0])
	}
	if report.Results[1].Match {
		t.Errorf("s1: a valid signal must not match expect_error")
	}
	if report.Summary.Mismatches != 2 {
		t.Errorf("expected 2 mismatches, got %d", report.Summary.Mismatches)
	}
}

func TestReplay_ManifoldOverride(t *testing.T) {
	f := &Fixture{
		Manifolds: []string{"missing"},
		Steps:     []Step{{ID: "g1", Gate: &FixtureGate{AgentID: "a1", ActionID: "x"}}},
	}
	report, err := Replay(context.Background(), config.Default(), f, nil)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	r := report.Results[0]
	if r.Match || r.Decision != trajectory.Block || r.Err == "" {
		t.Errorf("expected unmatched block with an error for an unknown manifold, got %+v", r)
	}
}

func TestReplay_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &Fixture{Steps: []Step{{ID: "g1", Gate: &FixtureGate{AgentID: "a1", ActionID: "x"}}}}
	_, err := Replay(ctx, config.Default(), f, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// #endregion fixture-tests

// #region loader-tests

func TestLoadFixture_Invalid(t *testing.T) {
	cases := map[string]string{
		"no steps":      `{"steps": []}`,
		"two inputs":    `{"steps": [{"id": "x", "gate": {"agent_id": "a", "action_id": "b"}, "signal": {"agent_id": "a", "kind": "health", "value": 1}}]}`,
		"no input":      `{"steps": [{"id": "x"}]}`,
		"expect signal": `{"steps": [{"id": "x", "signal": {"agent_id": "a", "kind": "health", "value": 1}, "expect": "allow"}]}`,
		"bad tick":      `{"tick": "soon", "steps": [{"id": "x", "gate": {"agent_id": "a", "action_id": "b"}}]}`,
		"bad level":     `{"steps": [{"id": "x", "intervention": {"agent_id": "a", "level": "exile"}}]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fixture.json")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFixture(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

// #endregion loader-tests
