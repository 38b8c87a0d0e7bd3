package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region gate-record
// GateRecord captures the complete inputs and output of one gate call.
// Serialized as JSON into the transition row for replay and inspection.
type GateRecord struct {
	AgentID  string            `json:"agent_id"`
	ActionID string            `json:"action_id"`
	Manifold string            `json:"manifold"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// States as evaluated at runtime
	Measured state.PhaseSpaceState `json:"measured"`
	Decided  state.PhaseSpaceState `json:"decided"`

	Violations   []string                `json:"violations,omitempty"`
	Projection   *GateRecordProjection   `json:"projection,omitempty"`
	Intervention *GateRecordIntervention `json:"intervention,omitempty"`

	// Gate thresholds active at decision time
	Thresholds GateRecordThresholds `json:"thresholds"`
	Latency    GateRecordLatency    `json:"latency"`

	// Gate output
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
	Fallback bool   `json:"fallback,omitempty"`
}

// GateRecordProjection summarizes the projector run, when one happened.
type GateRecordProjection struct {
	Suppressed bool     `json:"suppressed"`
	Iterations int      `json:"iterations"`
	Converged  bool     `json:"converged"`
	Residual   []string `json:"residual,omitempty"`
}

// GateRecordIntervention captures the intervention honored by the call.
type GateRecordIntervention struct {
	Level            string   `json:"level"`
	Reason           string   `json:"reason,omitempty"`
	RequiresApproval bool     `json:"requires_approval,omitempty"`
	Approved         bool     `json:"approved,omitempty"`
	Disabled         []string `json:"disabled,omitempty"`
	ThrottleDelayMs  int64    `json:"throttle_delay_ms,omitempty"`
}

// GateRecordThresholds captures the gate config active at decision time.
type GateRecordThresholds struct {
	BudgetMs      int64   `json:"budget_ms"`
	TimeoutPolicy string  `json:"timeout_policy"`
	MaxIterations int     `json:"max_iterations"`
	Step          float64 `json:"step"`
}

// GateRecordLatency captures per-stage durations in microseconds.
type GateRecordLatency struct {
	MeasureUs  int64 `json:"measure_us"`
	ValidateUs int64 `json:"validate_us"`
	ProjectUs  int64 `json:"project_us,omitempty"`
	TotalUs    int64 `json:"total_us"`
}

// Marshal serializes the record for storage.
func (r GateRecord) Marshal() (json.RawMessage, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal gate record: %w", err)
	}
	return b, nil
}

// ParseGateRecord decodes a stored record.
func ParseGateRecord(raw []byte) (GateRecord, error) {
	var r GateRecord
	if err := json.Unmarshal(raw, &r); err != nil {
		return GateRecord{}, fmt.Errorf("parse gate record: %w", err)
	}
	return r, nil
}

// #endregion gate-record

// #region log-decision
// LogDecision writes one structured line per gate decision. Blocks log at
// warn, everything else at info.
func LogDecision(logger *zap.Logger, r GateRecord, total time.Duration) {
	fields := []zap.Field{
		zap.String("agent_id", r.AgentID),
		zap.String("action_id", r.ActionID),
		zap.String("decision", r.Decision),
		zap.Duration("latency", total),
		zap.Bool("fallback", r.Fallback),
	}
	if len(r.Violations) > 0 {
		fields = append(fields, zap.Strings("violations", r.Violations))
	}
	if r.Intervention != nil {
		fields = append(fields, zap.String("intervention", r.Intervention.Level))
	}
	if r.Reason != "" {
		fields = append(fields, zap.String("reason", r.Reason))
	}
	if r.Decision == "block" {
		logger.Warn("gate decision", fields...)
		return
	}
	logger.Info("gate decision", fields...)
}

// #endregion log-decision
