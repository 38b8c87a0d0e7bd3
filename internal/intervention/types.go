package intervention

import (
	"fmt"
	"slices"
	"time"
)

// #region level

// Level is an escalation level. Levels are ordered; a higher level is
// always at least as restrictive as a lower one.
type Level int

const (
	None Level = iota
	Warning
	Throttle
	Supervise
	Restrict
	Block
)

var levelNames = [...]string{"none", "warning", "throttle", "supervise", "restrict", "block"}

func (l Level) String() string {
	if l < 0 || int(l) >= len(levelNames) {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel resolves a level by name.
func ParseLevel(name string) (Level, error) {
	for i, n := range levelNames {
		if n == name {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("unknown intervention level %q", name)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// NeedsReview reports whether de-escalating from l requires a manual review.
func (l Level) NeedsReview() bool { return l >= Restrict }

// #endregion level

// #region trigger

// Trigger is an input to the escalation state machine.
type Trigger string

const (
	FirstVisit        Trigger = "first_visit"
	RepeatVisit       Trigger = "repeat_visit"
	PersistentVisit   Trigger = "persistent_visit"
	ChronicVisit      Trigger = "chronic_visit"
	HighSecurityRate  Trigger = "security_rate"
	ProjectionFailure Trigger = "projection_failure_in_basin"
	Cooldown          Trigger = "cooldown"
	CooldownReviewed  Trigger = "cooldown_reviewed"
	Review            Trigger = "manual_review"
)

// VisitTrigger maps an occurrence count to its visit trigger.
func VisitTrigger(occurrences int) (Trigger, bool) {
	switch {
	case occurrences >= 10:
		return ChronicVisit, true
	case occurrences >= 5:
		return PersistentVisit, true
	case occurrences >= 2:
		return RepeatVisit, true
	case occurrences == 1:
		return FirstVisit, true
	}
	return "", false
}

// #endregion trigger

// #region params

// Params are the restrictions a level imposes.
type Params struct {
	// RateFactor scales the base action rate while throttled; 1 is unthrottled.
	RateFactor       float64  `yaml:"rate_factor" json:"rate_factor" validate:"gt=0,lte=1"`
	RequiresApproval bool     `yaml:"requires_approval" json:"requires_approval"`
	Disabled         []string `yaml:"disabled_capabilities,omitempty" json:"disabled_capabilities,omitempty"`
}

// Disables reports whether capability is disabled.
func (p Params) Disables(capability string) bool {
	return capability != "" && slices.Contains(p.Disabled, capability)
}

// LevelParams configures the parameters of each level.
type LevelParams struct {
	Warning   Params `yaml:"warning"`
	Throttle  Params `yaml:"throttle"`
	Supervise Params `yaml:"supervise"`
	Restrict  Params `yaml:"restrict"`
}

// DefaultLevelParams returns the default restrictions per level.
func DefaultLevelParams() LevelParams {
	return LevelParams{
		Warning:   Params{RateFactor: 1},
		Throttle:  Params{RateFactor: 0.5},
		Supervise: Params{RateFactor: 0.5, RequiresApproval: true},
		Restrict: Params{
			RateFactor:       0.25,
			RequiresApproval: true,
			Disabled:         []string{"external_communication", "financial_transaction"},
		},
	}
}

// For returns the parameters for level l. Block and None carry none.
func (lp LevelParams) For(l Level) Params {
	switch l {
	case Warning:
		return lp.Warning
	case Throttle:
		return lp.Throttle
	case Supervise:
		return lp.Supervise
	case Restrict:
		return lp.Restrict
	}
	return Params{RateFactor: 1}
}

// #endregion params

// #region intervention

// Intervention is the current escalation record for one agent.
type Intervention struct {
	AgentID     string     `json:"agent_id"`
	Level       Level      `json:"level"`
	Params      Params     `json:"params"`
	Occurrences int        `json:"occurrences"`
	Reviewed    bool       `json:"reviewed"`
	ReviewedBy  string     `json:"reviewed_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Trigger     Trigger    `json:"trigger,omitempty"`
	AttractorID string     `json:"attractor_id,omitempty"`
	LastVisit   time.Time  `json:"last_visit"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Active reports whether the intervention imposes anything.
func (i Intervention) Active() bool { return i.Level > None }

// #endregion intervention
