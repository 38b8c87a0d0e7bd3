package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string `json:"description"`
	// Start is the clock reading at the first step. Each step advances the
	// clock by Tick.
	Start time.Time `json:"start"`
	Tick  Duration  `json:"tick"`
	// Manifolds, when set, replaces the default policy for every agent.
	Manifolds []string `json:"manifolds,omitempty"`
	Steps     []Step   `json:"steps"`
}

// Step is one scripted input. Exactly one of Signal, Gate or Intervention
// is set.
type Step struct {
	ID           string              `json:"id"`
	Signal       *FixtureSignal      `json:"signal,omitempty"`
	Gate         *FixtureGate        `json:"gate,omitempty"`
	Intervention *FixtureLevel       `json:"intervention,omitempty"`
	Expect       trajectory.Decision `json:"expect,omitempty"`
	// ExpectError marks a step whose input must be rejected.
	ExpectError bool `json:"expect_error,omitempty"`
}

// FixtureSignal is one observation to feed the aggregators.
type FixtureSignal struct {
	AgentID string       `json:"agent_id"`
	Kind    signals.Kind `json:"kind"`
	Value   float64      `json:"value"`
}

// FixtureGate is one action to decide.
type FixtureGate struct {
	AgentID  string            `json:"agent_id"`
	ActionID string            `json:"action_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// FixtureLevel pins an agent's intervention level for the following steps.
type FixtureLevel struct {
	AgentID string             `json:"agent_id"`
	Level   intervention.Level `json:"level"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("fixture %s: %w", path, err)
	}
	return &f, nil
}

// Validate checks that every step carries exactly one input.
func (f *Fixture) Validate() error {
	if len(f.Steps) == 0 {
		return errors.New("no steps")
	}
	for i, s := range f.Steps {
		n := 0
		if s.Signal != nil {
			n++
		}
		if s.Gate != nil {
			n++
		}
		if s.Intervention != nil {
			n++
		}
		if n != 1 {
			return fmt.Errorf("step %d (%s): want exactly one of signal, gate, intervention; got %d", i, s.ID, n)
		}
		if s.Expect != "" && s.Gate == nil {
			return fmt.Errorf("step %d (%s): expect is only valid on gate steps", i, s.ID)
		}
	}
	return nil
}

// #endregion fixture-loader
