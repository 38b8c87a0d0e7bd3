package signals

import (
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region virtue

type virtueAgg struct {
	claims      *series // counted for confidence only
	verified    *series // 1 verified, 0 refuted
	commitments *series // counted for confidence only
	kept        *series // 1 kept, 0 broken
	benefitSelf *series
	benefitOthr *series
	benefitDir  *series // 1 other-directed, 0 self-directed
	cooperation *series
	answers     *series
	accepted    *series // 1 accepted, 0 disputed
}

func (a *virtueAgg) observations() int {
	return a.claims.len() + a.verified.len() + a.commitments.len() + a.kept.len() +
		a.benefitDir.len() + a.cooperation.len() + a.answers.len() + a.accepted.len()
}

// VirtueSnapshot is the seven virtue coordinates for one agent.
type VirtueSnapshot struct {
	Values     map[state.Dimension]float64
	Confidence float64
}

// VirtueInference infers virtue coordinates from multi-signal observations.
type VirtueInference struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
	agents *registry[virtueAgg]
}

// NewVirtueInference creates the inference engine. A nil logger disables logging.
func NewVirtueInference(cfg Config, logger *zap.Logger, opts ...Option) *VirtueInference {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := applyOptions(opts)
	v := &VirtueInference{cfg: cfg, now: o.now, logger: logger}
	v.agents = newRegistry(func() *virtueAgg {
		return &virtueAgg{
			claims:      newSeries(cfg.Window),
			verified:    newSeries(cfg.Window),
			commitments: newSeries(cfg.Window),
			kept:        newSeries(cfg.Window),
			benefitSelf: newSeries(cfg.Window),
			benefitOthr: newSeries(cfg.Window),
			benefitDir:  newSeries(cfg.Window),
			cooperation: newSeries(cfg.Window),
			answers:     newSeries(cfg.Window),
			accepted:    newSeries(cfg.Window),
		}
	})
	return v
}

// Record validates and applies one virtue signal.
func (v *VirtueInference) Record(sig Signal) error {
	if err := sig.Validate(SpaceVirtue); err != nil {
		v.logger.Debug("rejected virtue signal", zap.String("agent_id", sig.AgentID), zap.Error(err))
		return err
	}
	at := sig.Payload.At
	if at.IsZero() {
		at = v.now()
	}
	obs := observation{value: sig.Payload.Value, at: at}

	rec := v.agents.getOrCreate(sig.AgentID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	agg := rec.agg
	switch sig.Kind {
	case ClaimMade:
		agg.claims.add(observation{value: 1, at: at})
	case ClaimVerified:
		agg.verified.add(obs)
	case CommitmentMade:
		agg.commitments.add(observation{value: 1, at: at})
	case CommitmentKept:
		agg.kept.add(obs)
	case BenefitSelf:
		agg.benefitSelf.add(obs)
		agg.benefitDir.add(observation{value: 0, at: at})
	case BenefitOther:
		agg.benefitOthr.add(obs)
		agg.benefitDir.add(observation{value: 1, at: at})
	case Cooperation:
		agg.cooperation.add(obs)
	case QueryAnswered:
		agg.answers.add(obs)
	case OutcomeAccepted:
		agg.accepted.add(obs)
	}
	return nil
}

// Snapshot infers the agent's current virtue coordinates. Missing data
// yields 0.5. Unresolved claims and commitments raise confidence but leave
// Truthfulness and Trustworthiness untouched until an outcome is recorded.
func (v *VirtueInference) Snapshot(agentID string) VirtueSnapshot {
	values := make(map[state.Dimension]float64, 7)
	for _, d := range state.VirtueDimensions() {
		values[d] = 0.5
	}
	rec, ok := v.agents.lookup(agentID)
	if !ok {
		return VirtueSnapshot{Values: values}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	agg := rec.agg

	values[state.Truthfulness] = orNeutral(agg.verified.mean())
	values[state.Trustworthiness] = orNeutral(agg.kept.mean())
	values[state.Unity] = orNeutral(agg.cooperation.mean())
	values[state.Understanding] = orNeutral(agg.answers.mean())
	values[state.Service] = orNeutral(agg.benefitDir.mean())

	self, other := agg.benefitSelf.sum(), agg.benefitOthr.sum()
	if self+other > 0 {
		values[state.Justice] = state.Clamp(other / (self + other))
	}

	detachment := orNeutral(agg.accepted.mean())
	if selfMean, ok := agg.benefitSelf.mean(); ok {
		detachment *= 1 - 0.5*selfMean
	}
	values[state.Detachment] = state.Clamp(detachment)

	return VirtueSnapshot{
		Values:     values,
		Confidence: confidence(agg.observations(), v.cfg.ConfidenceSamples),
	}
}

// Agents lists agents with recorded virtue signals.
func (v *VirtueInference) Agents() []string { return v.agents.ids() }

// #endregion virtue
