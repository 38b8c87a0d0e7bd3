package signals

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region tracker

// Tracker owns both aggregators and combines them into full measurements.
type Tracker struct {
	Operational *OperationalMetrics
	Virtue      *VirtueInference
	now         func() time.Time
}

// NewTracker creates both aggregators with a shared config and clock.
func NewTracker(cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := applyOptions(opts)
	return &Tracker{
		Operational: NewOperationalMetrics(cfg, logger.Named("operational"), opts...),
		Virtue:      NewVirtueInference(cfg, logger.Named("virtue"), opts...),
		now:         o.now,
	}
}

// RecordOperational feeds one operational observation.
func (t *Tracker) RecordOperational(agentID string, kind Kind, p Payload) error {
	return t.Operational.Record(Signal{AgentID: agentID, Kind: kind, Payload: p})
}

// RecordVirtue feeds one virtue observation.
func (t *Tracker) RecordVirtue(agentID string, kind Kind, p Payload) error {
	return t.Virtue.Record(Signal{AgentID: agentID, Kind: kind, Payload: p})
}

// Measure reads the agent's current 12-coordinate state. Confidence is the
// mean of both halves.
func (t *Tracker) Measure(ctx context.Context, agentID string) (Measurement, error) {
	if err := ctx.Err(); err != nil {
		return Measurement{}, err
	}
	ops := t.Operational.Snapshot(agentID)
	virtues := t.Virtue.Snapshot(agentID)

	values := virtues.Values
	values[state.Activity] = ops.Activity
	values[state.Coordination] = ops.Coordination
	values[state.Effectiveness] = ops.Effectiveness
	values[state.ResourceConsumption] = ops.ResourceConsumption
	values[state.SystemHealth] = ops.SystemHealth

	conf := (ops.Confidence + virtues.Confidence) / 2
	return Measurement{
		State:       state.FromMap(values, conf, t.now()),
		Feedback:    ops.Feedback,
		HasFeedback: ops.HasFeedback,
	}, nil
}

// #endregion tracker
