package state

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// #region dimension
// Dimension names one coordinate of the 12-dimensional phase space.
type Dimension int

const (
	Activity Dimension = iota
	Coordination
	Effectiveness
	ResourceConsumption
	SystemHealth
	Truthfulness
	Justice
	Trustworthiness
	Unity
	Service
	Detachment
	Understanding

	NumDimensions = 12
)

var dimensionNames = [NumDimensions]string{
	"activity",
	"coordination",
	"effectiveness",
	"resource_consumption",
	"system_health",
	"truthfulness",
	"justice",
	"trustworthiness",
	"unity",
	"service",
	"detachment",
	"understanding",
}

// Dimensions lists every coordinate in storage order.
func Dimensions() []Dimension {
	dims := make([]Dimension, NumDimensions)
	for i := range dims {
		dims[i] = Dimension(i)
	}
	return dims
}

// VirtueDimensions lists the seven inferred virtue coordinates.
func VirtueDimensions() []Dimension {
	return []Dimension{Truthfulness, Justice, Trustworthiness, Unity, Service, Detachment, Understanding}
}

func (d Dimension) String() string {
	if d < 0 || int(d) >= NumDimensions {
		return fmt.Sprintf("dimension(%d)", int(d))
	}
	return dimensionNames[d]
}

// IsVirtue reports whether d is one of the seven virtue coordinates.
func (d Dimension) IsVirtue() bool {
	return d >= Truthfulness && d <= Understanding
}

// ParseDimension resolves a coordinate by its snake_case name.
func ParseDimension(name string) (Dimension, error) {
	for i, n := range dimensionNames {
		if n == name {
			return Dimension(i), nil
		}
	}
	return 0, fmt.Errorf("unknown dimension %q", name)
}

func (d Dimension) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Dimension) UnmarshalText(b []byte) error {
	parsed, err := ParseDimension(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// #endregion dimension

// #region vector
// Vector holds raw coordinate values indexed by Dimension.
type Vector [NumDimensions]float64

// Distance is the Euclidean distance between two vectors.
func (v Vector) Distance(o Vector) float64 {
	var sum float64
	for i := range v {
		d := v[i] - o[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// #endregion vector

// #region phase-space-state
// PhaseSpaceState is an immutable 12-coordinate behavioral snapshot of one
// agent at one instant. Coordinates are clamped to [0,1] on construction.
type PhaseSpaceState struct {
	coords     Vector
	confidence float64
	timestamp  time.Time
}

// New builds a state, clamping every coordinate and the confidence.
func New(coords Vector, confidence float64, ts time.Time) PhaseSpaceState {
	s := PhaseSpaceState{confidence: Clamp(confidence), timestamp: ts.UTC()}
	for i, v := range coords {
		s.coords[i] = Clamp(v)
	}
	return s
}

// Neutral returns the default state used when nothing is known about an agent.
func Neutral(ts time.Time) PhaseSpaceState {
	var v Vector
	for i := range v {
		v[i] = 0.5
	}
	return New(v, 0, ts)
}

// FromMap builds a state from named coordinates; missing names default to 0.5.
func FromMap(values map[Dimension]float64, confidence float64, ts time.Time) PhaseSpaceState {
	var v Vector
	for i := range v {
		v[i] = 0.5
	}
	for d, x := range values {
		v[d] = x
	}
	return New(v, confidence, ts)
}

func (s PhaseSpaceState) Get(d Dimension) float64 { return s.coords[d] }
func (s PhaseSpaceState) Vector() Vector          { return s.coords }
func (s PhaseSpaceState) Confidence() float64     { return s.confidence }
func (s PhaseSpaceState) Timestamp() time.Time    { return s.timestamp }

// With returns a copy of s with coordinate d set (and clamped) to v.
func (s PhaseSpaceState) With(d Dimension, v float64) PhaseSpaceState {
	s.coords[d] = Clamp(v)
	return s
}

// WithVector returns a copy of s carrying new coordinates.
func (s PhaseSpaceState) WithVector(v Vector) PhaseSpaceState {
	return New(v, s.confidence, s.timestamp)
}

// Distance is the Euclidean distance between the coordinates of two states.
func (s PhaseSpaceState) Distance(o PhaseSpaceState) float64 {
	return s.coords.Distance(o.coords)
}

// Equal compares coordinates, confidence and timestamp.
func (s PhaseSpaceState) Equal(o PhaseSpaceState) bool {
	return s.coords == o.coords && s.confidence == o.confidence && s.timestamp.Equal(o.timestamp)
}

func (s PhaseSpaceState) String() string {
	return fmt.Sprintf("T=%.2f J=%.2f Tr=%.2f U=%.2f S=%.2f D=%.2f Un=%.2f | A=%.2f C=%.2f E=%.2f R=%.2f H=%.2f",
		s.coords[Truthfulness], s.coords[Justice], s.coords[Trustworthiness], s.coords[Unity],
		s.coords[Service], s.coords[Detachment], s.coords[Understanding],
		s.coords[Activity], s.coords[Coordination], s.coords[Effectiveness],
		s.coords[ResourceConsumption], s.coords[SystemHealth])
}

// #endregion phase-space-state

// #region json
type stateJSON struct {
	Coordinates map[string]float64 `json:"coordinates"`
	Confidence  float64            `json:"confidence"`
	Timestamp   time.Time          `json:"timestamp"`
}

func (s PhaseSpaceState) MarshalJSON() ([]byte, error) {
	out := stateJSON{
		Coordinates: make(map[string]float64, NumDimensions),
		Confidence:  s.confidence,
		Timestamp:   s.timestamp,
	}
	for i, v := range s.coords {
		out.Coordinates[dimensionNames[i]] = v
	}
	return json.Marshal(out)
}

func (s *PhaseSpaceState) UnmarshalJSON(b []byte) error {
	var in stateJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	values := make(map[Dimension]float64, len(in.Coordinates))
	for name, v := range in.Coordinates {
		d, err := ParseDimension(name)
		if err != nil {
			return err
		}
		values[d] = v
	}
	*s = FromMap(values, in.Confidence, in.Timestamp)
	return nil
}

// #endregion json

// #region helpers
// Clamp restricts v to [0, 1]. NaN clamps to 0.
func Clamp(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
