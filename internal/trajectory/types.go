package trajectory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region decision
// Decision is the gate outcome recorded with a transition.
type Decision string

const (
	Allow               Decision = "allow"
	AllowWithProjection Decision = "allow_with_projection"
	Block               Decision = "block"
)

// #endregion decision

// #region event-kind
// EventKind classifies a security event.
type EventKind string

const (
	KindViolation           EventKind = "violation"
	KindProjectionApplied   EventKind = "projection_applied"
	KindProjectionFailed    EventKind = "projection_failed"
	KindTimeoutFallback     EventKind = "timeout_fallback"
	KindInterventionApplied EventKind = "intervention_applied"
)

// #endregion event-kind

// #region severity
// Severity orders security events by how much attention they need.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity resolves a severity by name.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// #endregion severity

// #region records
// Outcome is the metadata attractor classification reads from a transition.
type Outcome struct {
	Complexity float64 `json:"complexity"`
	Urgency    float64 `json:"urgency"`
	Feedback   float64 `json:"feedback"`
}

// Transition is one gated action. Before is the measured state, After the
// state the decision was made on (projected, cached or equal to Before).
type Transition struct {
	ID         string                `json:"id"`
	AgentID    string                `json:"agent_id"`
	ActionID   string                `json:"action_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Before     state.PhaseSpaceState `json:"before"`
	After      state.PhaseSpaceState `json:"after"`
	Decision   Decision              `json:"decision"`
	Reason     string                `json:"reason,omitempty"`
	Fallback   bool                  `json:"fallback,omitempty"`
	Violated   []string              `json:"violated,omitempty"`
	Outcome    Outcome               `json:"outcome"`
	EventCount int                   `json:"event_count"`
	GateRecord json.RawMessage       `json:"gate_record,omitempty"`
}

// SecurityEvent is an append-only audit entry. TransitionID is empty for
// events not caused by a gate call, such as intervention changes.
type SecurityEvent struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         EventKind `json:"kind"`
	Severity     Severity  `json:"severity"`
	Violated     []string  `json:"violated,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	TransitionID string    `json:"transition_id,omitempty"`
}

// #endregion records

// #region query
// Query selects records for one agent in a half-open time range [Since, Until).
// Zero bounds are open. Limit 0 means unlimited.
type Query struct {
	AgentID string
	Since   time.Time
	Until   time.Time
	Kinds   []EventKind
	Limit   int
}

// #endregion query
