package projection

import (
	"math"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region config

// Config holds the projector's tunable parameters.
type Config struct {
	SuppressionThreshold float64 `yaml:"suppression_threshold" validate:"gte=0,lte=1"`
	SuppressionFactor    float64 `yaml:"suppression_factor" validate:"gt=0,lte=1"`
	SuppressionMargin    float64 `yaml:"suppression_margin" validate:"gte=0,lte=1"`
	MaxIterations        int     `yaml:"max_iterations" validate:"gte=1,lte=10000"`
	Step                 float64 `yaml:"step" validate:"gt=0,lte=1"`
}

// DefaultConfig returns the default projection parameters.
func DefaultConfig() Config {
	return Config{
		SuppressionThreshold: 0.5,
		SuppressionFactor:    0.7,
		SuppressionMargin:    0.1,
		MaxIterations:        50,
		Step:                 0.1,
	}
}

// #endregion config

// #region result

// Result is the outcome of one projection attempt. When Converged is false
// State is the best-effort state after the last round and Residual lists the
// constraints it still violates.
type Result struct {
	State             state.PhaseSpaceState
	Converged         bool
	Iterations        int
	Suppressed        bool
	InitialViolations []string
	Residual          []string
}

// #endregion result

// #region projector

// Projector moves an invalid state toward a valid one in two phases:
// truthfulness suppression, then bounded per-constraint correction.
type Projector struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Projector. A nil logger disables logging.
func New(cfg Config, logger *zap.Logger) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Projector{cfg: cfg, logger: logger}
}

// Config returns the projector's parameters.
func (p *Projector) Config() Config { return p.cfg }

// Project runs suppression then up to MaxIterations correction rounds against m.
func (p *Projector) Project(m *manifold.Manifold, s state.PhaseSpaceState) Result {
	_, initial := m.Validate(s)
	res := Result{InitialViolations: initial}

	cur, suppressed := p.Suppress(s)
	res.Suppressed = suppressed

	for round := 0; round < p.cfg.MaxIterations; round++ {
		violated := m.Violations(cur)
		if len(violated) == 0 {
			res.State = cur
			res.Converged = true
			res.Iterations = round
			return res
		}
		cur = p.correct(cur, violated)
	}

	ok, residual := m.Validate(cur)
	res.State = cur
	res.Converged = ok
	res.Iterations = p.cfg.MaxIterations
	res.Residual = residual
	if !ok {
		p.logger.Debug("projection did not converge",
			zap.Int("iterations", res.Iterations),
			zap.Strings("residual", residual),
		)
	}
	return res
}

// Suppress dampens every other virtue above the threshold while truthfulness
// is below it: v' = max(v*factor, truthfulness+margin). It reports whether
// the truthfulness condition applied.
func (p *Projector) Suppress(s state.PhaseSpaceState) (state.PhaseSpaceState, bool) {
	truth := s.Get(state.Truthfulness)
	if truth >= p.cfg.SuppressionThreshold {
		return s, false
	}
	v := s.Vector()
	for _, d := range state.VirtueDimensions() {
		if d == state.Truthfulness || v[d] <= p.cfg.SuppressionThreshold {
			continue
		}
		v[d] = round9(math.Max(v[d]*p.cfg.SuppressionFactor, truth+p.cfg.SuppressionMargin))
	}
	return s.WithVector(v), true
}

// correct applies one round. Each failed requirement pushes its supporting
// coordinate one step toward satisfaction; a support pinned at its bound
// pushes the constraint's active conditions out of the trigger range
// instead. Pushes on one coordinate are summed, so opposing pushes cancel.
func (p *Projector) correct(s state.PhaseSpaceState, violated []manifold.Constraint) state.PhaseSpaceState {
	var push [state.NumDimensions]int
	for _, c := range violated {
		for _, req := range c.FailedRequirements(s) {
			dir := direction(req.Raises())
			if canMove(s.Get(req.Dim), dir) {
				push[req.Dim] += dir
				continue
			}
			for _, cond := range c.ActiveConditions(s) {
				push[cond.Dim] -= direction(cond.Raises())
			}
		}
	}

	v := s.Vector()
	for d, n := range push {
		switch {
		case n > 0:
			v[d] += p.cfg.Step
		case n < 0:
			v[d] -= p.cfg.Step
		}
		v[d] = round9(state.Clamp(v[d]))
	}
	return s.WithVector(v)
}

// #endregion projector

// #region helpers

func direction(raise bool) int {
	if raise {
		return 1
	}
	return -1
}

func canMove(v float64, dir int) bool {
	if dir > 0 {
		return v < 1
	}
	return v > 0
}

// round9 strips accumulated float error so repeated steps land exactly on bounds.
func round9(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

// #endregion helpers
