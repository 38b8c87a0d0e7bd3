package signals

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region operational

type operationalAgg struct {
	actions   *series
	collabs   *series
	outcomes  *series // 1 success, 0 failure
	resources *series
	health    *series
	feedback  *series
}

// OperationalSnapshot is the five operational coordinates for one agent.
type OperationalSnapshot struct {
	Activity            float64
	Coordination        float64
	Effectiveness       float64
	ResourceConsumption float64
	SystemHealth        float64
	Feedback            float64
	HasFeedback         bool
	Confidence          float64
}

// OperationalMetrics aggregates event counters into operational coordinates.
type OperationalMetrics struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	agents *registry[operationalAgg]
}

// NewOperationalMetrics creates the aggregator. A nil logger disables logging.
func NewOperationalMetrics(cfg Config, logger *zap.Logger, opts ...Option) *OperationalMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := applyOptions(opts)
	m := &OperationalMetrics{cfg: cfg, now: o.now, logger: logger}
	m.agents = newRegistry(func() *operationalAgg {
		return &operationalAgg{
			actions:   newSeries(cfg.Window),
			collabs:   newSeries(cfg.Window),
			outcomes:  newSeries(cfg.Window),
			resources: newSeries(cfg.Window),
			health:    newSeries(cfg.Window),
			feedback:  newSeries(cfg.Window),
		}
	})
	return m
}

// Record validates and applies one operational signal.
func (m *OperationalMetrics) Record(sig Signal) error {
	if err := sig.Validate(SpaceOperational); err != nil {
		m.logger.Debug("rejected operational signal", zap.String("agent_id", sig.AgentID), zap.Error(err))
		return err
	}
	at := sig.Payload.At
	if at.IsZero() {
		at = m.now()
	}
	obs := observation{value: sig.Payload.Value, at: at}

	rec := m.agents.getOrCreate(sig.AgentID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	agg := rec.agg
	switch sig.Kind {
	case ActionTaken:
		agg.actions.add(observation{value: 1, at: at})
	case Collaboration:
		agg.collabs.add(observation{value: 1, at: at})
	case TaskSucceeded:
		agg.outcomes.add(observation{value: 1, at: at})
	case TaskFailed:
		agg.outcomes.add(observation{value: 0, at: at})
	case ResourceUsage:
		agg.resources.add(obs)
	case Health:
		agg.health.add(obs)
	case Feedback:
		agg.feedback.add(obs)
	}
	return nil
}

// Snapshot computes the agent's current operational coordinates. Missing
// data yields 0.5, except Activity which yields 0.
func (m *OperationalMetrics) Snapshot(agentID string) OperationalSnapshot {
	rec, ok := m.agents.lookup(agentID)
	if !ok {
		return OperationalSnapshot{
			Coordination: 0.5, Effectiveness: 0.5, ResourceConsumption: 0.5, SystemHealth: 0.5,
		}
	}
	now := m.now()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	agg := rec.agg

	snap := OperationalSnapshot{
		Activity:            math.Min(1, float64(agg.actions.since(now.Add(-m.cfg.ActivityHorizon)))/float64(m.cfg.ActivitySaturation)),
		Coordination:        0.5,
		Effectiveness:       orNeutral(agg.outcomes.mean()),
		ResourceConsumption: orNeutral(agg.resources.mean()),
		SystemHealth:        orNeutral(agg.health.mean()),
	}
	if agg.actions.len() > 0 {
		snap.Coordination = state.Clamp(float64(agg.collabs.len()) / float64(agg.actions.len()))
	}
	snap.Feedback, snap.HasFeedback = agg.feedback.mean()
	if !snap.HasFeedback {
		snap.Feedback = 0.5
	}
	total := agg.actions.len() + agg.collabs.len() + agg.outcomes.len() +
		agg.resources.len() + agg.health.len() + agg.feedback.len()
	snap.Confidence = confidence(total, m.cfg.ConfidenceSamples)
	return snap
}

// Agents lists agents with recorded operational signals.
func (m *OperationalMetrics) Agents() []string { return m.agents.ids() }

// #endregion operational

// #region helpers

func orNeutral(v float64, ok bool) float64 {
	if !ok {
		return 0.5
	}
	return state.Clamp(v)
}

func confidence(observations, samples int) float64 {
	return math.Min(1, float64(observations)/float64(samples))
}

// Option customizes an aggregator.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the wall clock, for tests and replay.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// #endregion helpers
