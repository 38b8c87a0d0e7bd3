package signals

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// ErrMalformedSignal is returned for signals rejected at the producer boundary.
var ErrMalformedSignal = errors.New("malformed signal")

// #region kind

// Kind identifies one observation type.
type Kind string

// Operational kinds.
const (
	ActionTaken   Kind = "action_taken"
	Collaboration Kind = "collaboration"
	TaskSucceeded Kind = "task_succeeded"
	TaskFailed    Kind = "task_failed"
	ResourceUsage Kind = "resource_usage"
	Health        Kind = "health"
	Feedback      Kind = "feedback"
)

// Virtue kinds. ClaimMade and CommitmentMade carry no value and only count
// toward confidence; Truthfulness and Trustworthiness come from the
// ClaimVerified and CommitmentKept outcomes.
const (
	ClaimMade       Kind = "claim_made"
	ClaimVerified   Kind = "claim_verified"
	CommitmentMade  Kind = "commitment_made"
	CommitmentKept  Kind = "commitment_kept"
	BenefitSelf     Kind = "benefit_self"
	BenefitOther    Kind = "benefit_other"
	Cooperation     Kind = "cooperation"
	QueryAnswered   Kind = "query_answered"
	OutcomeAccepted Kind = "outcome_accepted"
)

// Space is the half of the phase space a signal feeds.
type Space string

const (
	SpaceOperational Space = "operational"
	SpaceVirtue      Space = "virtue"
)

var kindSpaces = map[Kind]Space{
	ActionTaken:     SpaceOperational,
	Collaboration:   SpaceOperational,
	TaskSucceeded:   SpaceOperational,
	TaskFailed:      SpaceOperational,
	ResourceUsage:   SpaceOperational,
	Health:          SpaceOperational,
	Feedback:        SpaceOperational,
	ClaimMade:       SpaceVirtue,
	ClaimVerified:   SpaceVirtue,
	CommitmentMade:  SpaceVirtue,
	CommitmentKept:  SpaceVirtue,
	BenefitSelf:     SpaceVirtue,
	BenefitOther:    SpaceVirtue,
	Cooperation:     SpaceVirtue,
	QueryAnswered:   SpaceVirtue,
	OutcomeAccepted: SpaceVirtue,
}

// SpaceOf returns the space a kind belongs to.
func SpaceOf(k Kind) (Space, bool) {
	s, ok := kindSpaces[k]
	return s, ok
}

// #endregion kind

// #region signal

// Payload carries the optional value and time of an observation. Counter
// kinds ignore Value; a zero At means "now".
type Payload struct {
	Value float64   `json:"value" validate:"gte=0,lte=1"`
	At    time.Time `json:"at"`
}

// Signal is one validated observation about one agent.
type Signal struct {
	AgentID string  `json:"agent_id" validate:"required,max=128,printascii"`
	Kind    Kind    `json:"kind" validate:"required,signal_kind"`
	Payload Payload `json:"payload"`
}

var signalValidate *validator.Validate

func init() {
	signalValidate = validator.New()
	_ = signalValidate.RegisterValidation("signal_kind", func(fl validator.FieldLevel) bool {
		_, ok := kindSpaces[Kind(fl.Field().String())]
		return ok
	})
}

// Validate checks the signal and that it belongs to space.
func (s Signal) Validate(space Space) error {
	if err := signalValidate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	if got := kindSpaces[s.Kind]; got != space {
		return fmt.Errorf("%w: kind %s is %s, not %s", ErrMalformedSignal, s.Kind, got, space)
	}
	return nil
}

// #endregion signal

// #region config

// Config holds aggregation parameters shared by both engines.
type Config struct {
	Window             int           `yaml:"window" validate:"gte=1,lte=10000"`
	ActivityHorizon    time.Duration `yaml:"activity_horizon" validate:"gt=0"`
	ActivitySaturation int           `yaml:"activity_saturation" validate:"gte=1,ltefield=Window"`
	ConfidenceSamples  int           `yaml:"confidence_samples" validate:"gte=1"`
}

// DefaultConfig returns the default aggregation parameters.
func DefaultConfig() Config {
	return Config{
		Window:             50,
		ActivityHorizon:    10 * time.Minute,
		ActivitySaturation: 20,
		ConfidenceSamples:  20,
	}
}

// #endregion config

// #region measurement

// Measurement is the combined 12-coordinate reading for one agent plus the
// operational feedback average used as outcome metadata.
type Measurement struct {
	State       state.PhaseSpaceState
	Feedback    float64
	HasFeedback bool
}

// #endregion measurement
