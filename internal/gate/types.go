package gate

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

var (
	// ErrMeasurementTimeout marks a decision taken by the timeout policy
	// because measurement did not finish within the budget.
	ErrMeasurementTimeout = errors.New("measurement timeout")
	// ErrMeasurementFailed marks a decision taken by the timeout policy
	// because the measurer returned an error.
	ErrMeasurementFailed = errors.New("measurement failed")
	// ErrStorageFailure is returned when the decision could not be recorded.
	// The action is always blocked.
	ErrStorageFailure = errors.New("storage failure")
	// ErrInvalidRequest is returned for requests without an agent or action.
	ErrInvalidRequest = errors.New("invalid gate request")
)

// #region timeout-policy
// TimeoutPolicy selects how an exhausted budget resolves.
type TimeoutPolicy string

const (
	// BlockOnTimeout refuses the action. This is the default.
	BlockOnTimeout TimeoutPolicy = "block_on_timeout"
	// CacheOnTimeout allows the action on the agent's last known-good state,
	// blocking only when none exists. It weakens the trust boundary and must
	// be opted into.
	CacheOnTimeout TimeoutPolicy = "cache_on_timeout"
)

// #endregion timeout-policy

// #region gate-config
// Config holds budgets and throttling parameters.
type Config struct {
	Budget         time.Duration `yaml:"budget" validate:"gt=0"`
	MeasureTarget  time.Duration `yaml:"measure_target" validate:"gte=0"`
	ValidateTarget time.Duration `yaml:"validate_target" validate:"gte=0"`
	ProjectTarget  time.Duration `yaml:"project_target" validate:"gte=0"`
	TimeoutPolicy  TimeoutPolicy `yaml:"timeout_policy" validate:"oneof=block_on_timeout cache_on_timeout"`

	// BaseRate is the unthrottled per-agent action rate (actions/second);
	// a throttle intervention scales it by its rate factor.
	BaseRate         float64       `yaml:"base_rate" validate:"gt=0"`
	Burst            int           `yaml:"burst" validate:"gte=1"`
	MaxThrottleDelay time.Duration `yaml:"max_throttle_delay" validate:"gte=0"`
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		Budget:           100 * time.Millisecond,
		MeasureTarget:    10 * time.Millisecond,
		ValidateTarget:   5 * time.Millisecond,
		ProjectTarget:    50 * time.Millisecond,
		TimeoutPolicy:    BlockOnTimeout,
		BaseRate:         10,
		Burst:            5,
		MaxThrottleDelay: 2 * time.Second,
	}
}

// #endregion gate-config

// #region request
// Metadata keys the gate understands.
const (
	MetaCapability = "capability"
	MetaApproved   = "approved"
	MetaComplexity = "complexity"
	MetaUrgency    = "urgency"
)

// Request is one action awaiting a decision.
type Request struct {
	AgentID  string
	ActionID string
	Metadata map[string]string
}

func (r Request) capability() string { return r.Metadata[MetaCapability] }

func (r Request) approved() bool {
	ok, _ := strconv.ParseBool(r.Metadata[MetaApproved])
	return ok
}

func (r Request) outcome(feedback float64) trajectory.Outcome {
	return trajectory.Outcome{
		Complexity: metaFloat(r.Metadata, MetaComplexity),
		Urgency:    metaFloat(r.Metadata, MetaUrgency),
		Feedback:   feedback,
	}
}

func metaFloat(md map[string]string, key string) float64 {
	v, err := strconv.ParseFloat(md[key], 64)
	if err != nil {
		return 0
	}
	return state.Clamp(v)
}

// #endregion request

// #region result
// Result is the resolution of one gate call. Decision is always exactly
// one of Allow, AllowWithProjection or Block; a Block carries a reason and
// the violated constraint names.
type Result struct {
	Decision     trajectory.Decision
	Reason       string
	Violated     []string
	State        state.PhaseSpaceState
	Fallback     bool
	Cause        error
	Intervention intervention.Level
	TransitionID string
	Events       []trajectory.SecurityEvent
	Latency      time.Duration
}

// Allowed reports whether the action may proceed.
func (r Result) Allowed() bool { return r.Decision != trajectory.Block }

// #endregion result

// #region collaborators
// Measurer reads an agent's current state.
type Measurer interface {
	Measure(ctx context.Context, agentID string) (signals.Measurement, error)
}

// Recorder durably appends a transition with its events.
type Recorder interface {
	Append(ctx context.Context, tr trajectory.Transition, events []trajectory.SecurityEvent) (trajectory.Transition, []trajectory.SecurityEvent, error)
}

// ManifoldSource resolves the manifold governing an agent.
type ManifoldSource interface {
	ManifoldFor(agentID string) (*manifold.Manifold, error)
}

// InterventionLookup is the eventually-consistent read of current interventions.
type InterventionLookup interface {
	Current(agentID string) (intervention.Intervention, bool)
}

// Approver grants external approval for supervised actions.
type Approver interface {
	Approve(ctx context.Context, req Request, iv intervention.Intervention) bool
}

// KnownGoodCache holds each agent's last state that was allowed.
type KnownGoodCache interface {
	Get(agentID string) (state.PhaseSpaceState, bool)
	Put(agentID string, s state.PhaseSpaceState)
}

// StaticManifold governs every agent with one manifold.
type StaticManifold struct{ M *manifold.Manifold }

func (s StaticManifold) ManifoldFor(string) (*manifold.Manifold, error) { return s.M, nil }

// #endregion collaborators
