package attractor

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region classification

// Classification is the outcome quality of an attractor.
type Classification string

const (
	Beneficial  Classification = "beneficial"
	Neutral     Classification = "neutral"
	Detrimental Classification = "detrimental"
)

// ParseClassification resolves a classification by name.
func ParseClassification(name string) (Classification, error) {
	switch c := Classification(name); c {
	case Beneficial, Neutral, Detrimental:
		return c, nil
	}
	return "", fmt.Errorf("unknown classification %q", name)
}

// #endregion classification

// #region params

// Params configures one discovery run.
type Params struct {
	WindowSize int     `yaml:"window_size" validate:"gte=1"`
	Stride     int     `yaml:"stride" validate:"gte=1"`
	Eps        float64 `yaml:"eps" validate:"gt=0"`
	MinSamples int     `yaml:"min_samples" validate:"gte=1"`
	// Lookback bounds how far back transitions are read. Zero reads all.
	Lookback time.Duration `yaml:"lookback" validate:"gte=0"`
	// Concurrency bounds how many agents are processed at once.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`
}

// DefaultParams returns the default discovery parameters.
func DefaultParams() Params {
	return Params{
		WindowSize:  10,
		Stride:      1,
		Eps:         0.3,
		MinSamples:  5,
		Concurrency: 4,
	}
}

// #endregion params

// #region attractor

// Stats are the outcome statistics of a window or a cluster of windows.
type Stats struct {
	Effectiveness       float64 `json:"effectiveness"`
	ResourceConsumption float64 `json:"resource_consumption"`
	Feedback            float64 `json:"feedback"`
	SecurityRate        float64 `json:"security_rate"`
	Complexity          float64 `json:"complexity"`
	Urgency             float64 `json:"urgency"`
}

func (s Stats) add(o Stats) Stats {
	return Stats{
		Effectiveness:       s.Effectiveness + o.Effectiveness,
		ResourceConsumption: s.ResourceConsumption + o.ResourceConsumption,
		Feedback:            s.Feedback + o.Feedback,
		SecurityRate:        s.SecurityRate + o.SecurityRate,
		Complexity:          s.Complexity + o.Complexity,
		Urgency:             s.Urgency + o.Urgency,
	}
}

func (s Stats) scale(f float64) Stats {
	return Stats{
		Effectiveness:       s.Effectiveness * f,
		ResourceConsumption: s.ResourceConsumption * f,
		Feedback:            s.Feedback * f,
		SecurityRate:        s.SecurityRate * f,
		Complexity:          s.Complexity * f,
		Urgency:             s.Urgency * f,
	}
}

// Point is one window of an agent's trajectory: its mean before-state and
// the outcome statistics of its transitions.
type Point struct {
	Vector state.Vector
	Stats  Stats
	Start  time.Time
	End    time.Time
}

// Attractor is a recurring region of one agent's phase space.
type Attractor struct {
	ID             string                `json:"id"`
	AgentID        string                `json:"agent_id"`
	Label          int                   `json:"label"`
	Centroid       state.PhaseSpaceState `json:"centroid"`
	Members        int                   `json:"members"`
	Radius         float64               `json:"radius"`
	Classification Classification        `json:"classification"`
	Score          float64               `json:"score"`
	Stats          Stats                 `json:"stats"`
	RunID          string                `json:"run_id"`
	DiscoveredAt   time.Time             `json:"discovered_at"`
}

// Contains reports whether s lies within dist of the centroid.
func (a Attractor) Contains(s state.PhaseSpaceState, dist float64) bool {
	return a.Centroid.Distance(s) <= dist
}

// #endregion attractor
