package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/config"
	"github.com/danielpatrickdp/phasegate/internal/gate"
	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/projection"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region types

// StepResult captures the outcome of replaying one step.
type StepResult struct {
	ID       string              `json:"id"`
	Kind     string              `json:"kind"` // "signal" | "gate" | "intervention"
	Expected trajectory.Decision `json:"expected,omitempty"`
	Decision trajectory.Decision `json:"decision,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Violated []string            `json:"violated,omitempty"`
	Err      string              `json:"error,omitempty"`
	Match    bool                `json:"match"`
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	Steps               int `json:"steps"`
	Gates               int `json:"gates"`
	Allow               int `json:"allow"`
	AllowWithProjection int `json:"allow_with_projection"`
	Block               int `json:"block"`
	Mismatches          int `json:"mismatches"`
}

// Report is the full outcome of a replay.
type Report struct {
	Description string                     `json:"description,omitempty"`
	Results     []StepResult               `json:"results"`
	Summary     Summary                    `json:"summary"`
	Transitions []trajectory.Transition    `json:"-"`
	Events      []trajectory.SecurityEvent `json:"-"`
}

// #endregion types

// #region replay

// Replay drives the fixture through the real measure, validate, project and
// decide stages. Transitions are recorded in memory only, so a replay never
// touches the stores named in cfg.
func Replay(ctx context.Context, cfg config.Config, f *Fixture, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry, err := cfg.Registry()
	if err != nil {
		return Report{}, fmt.Errorf("build manifolds: %w", err)
	}
	policies := cfg.Policies
	if len(f.Manifolds) > 0 {
		policies = manifold.Policies{Default: f.Manifolds}
	}

	clk := &stepClock{now: f.Start}
	if clk.now.IsZero() {
		clk.now = time.Unix(0, 0).UTC()
	}
	tick := time.Duration(f.Tick)
	if tick <= 0 {
		tick = time.Second
	}

	tracker := signals.NewTracker(cfg.Signals, logger.Named("signals"), signals.WithClock(clk.read))
	rec := &memRecorder{}
	levels := levelBoard{}
	g := gate.New(cfg.Gate, gate.Deps{
		Measurer:      tracker,
		Manifolds:     manifold.Assigned{Registry: registry, Policies: policies},
		Projector:     projection.New(cfg.Projection, logger.Named("projection")),
		Recorder:      rec,
		Interventions: levels,
		Logger:        logger.Named("gate"),
	})

	report := Report{Description: f.Description, Results: make([]StepResult, 0, len(f.Steps))}
	for _, step := range f.Steps {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var res StepResult
		switch {
		case step.Signal != nil:
			res = replaySignal(tracker, step)
		case step.Intervention != nil:
			res = replayLevel(levels, cfg.Intervention.Levels, step, clk.read())
		default:
			res = replayGate(ctx, g, step)
		}
		report.Results = append(report.Results, res)
		clk.advance(tick)
	}
	report.Transitions, report.Events = rec.snapshot()
	report.Summary = summarize(report.Results)
	return report, nil
}

func replaySignal(t *signals.Tracker, step Step) StepResult {
	s := step.Signal
	res := StepResult{ID: step.ID, Kind: "signal"}
	err := recordSignal(t, s.AgentID, s.Kind, signals.Payload{Value: s.Value})
	if err != nil {
		res.Err = err.Error()
	}
	res.Match = (err != nil) == step.ExpectError
	return res
}

func recordSignal(t *signals.Tracker, agentID string, kind signals.Kind, p signals.Payload) error {
	space, ok := signals.SpaceOf(kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", signals.ErrMalformedSignal, kind)
	}
	if space == signals.SpaceVirtue {
		return t.RecordVirtue(agentID, kind, p)
	}
	return t.RecordOperational(agentID, kind, p)
}

func replayLevel(board levelBoard, params intervention.LevelParams, step Step, at time.Time) StepResult {
	l := step.Intervention
	board[l.AgentID] = intervention.Intervention{
		AgentID:   l.AgentID,
		Level:     l.Level,
		Params:    params.For(l.Level),
		Reason:    "fixture",
		LastVisit: at,
		CreatedAt: at,
		UpdatedAt: at,
	}
	return StepResult{ID: step.ID, Kind: "intervention", Match: true}
}

func replayGate(ctx context.Context, g *gate.Gate, step Step) StepResult {
	req := gate.Request{AgentID: step.Gate.AgentID, ActionID: step.Gate.ActionID, Metadata: step.Gate.Metadata}
	res := StepResult{ID: step.ID, Kind: "gate", Expected: step.Expect}
	out, err := g.Evaluate(ctx, req)
	res.Decision, res.Reason, res.Violated = out.Decision, out.Reason, out.Violated
	if err != nil {
		res.Err = err.Error()
	}
	switch {
	case step.ExpectError:
		res.Match = err != nil
	case err != nil:
		res.Match = false
	default:
		res.Match = step.Expect == "" || step.Expect == out.Decision
	}
	return res
}

func summarize(results []StepResult) Summary {
	s := Summary{Steps: len(results)}
	for _, r := range results {
		if !r.Match {
			s.Mismatches++
		}
		if r.Kind != "gate" {
			continue
		}
		s.Gates++
		switch r.Decision {
		case trajectory.Allow:
			s.Allow++
		case trajectory.AllowWithProjection:
			s.AllowWithProjection++
		case trajectory.Block:
			s.Block++
		}
	}
	return s
}

// #endregion replay

// #region collaborators

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) read() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// levelBoard is only written between gate calls.
type levelBoard map[string]intervention.Intervention

func (b levelBoard) Current(agentID string) (intervention.Intervention, bool) {
	iv, ok := b[agentID]
	return iv, ok && iv.Active()
}

type memRecorder struct {
	mu          sync.Mutex
	transitions []trajectory.Transition
	events      []trajectory.SecurityEvent
}

func (r *memRecorder) Append(_ context.Context, tr trajectory.Transition, events []trajectory.SecurityEvent) (trajectory.Transition, []trajectory.SecurityEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tr.ID = uuid.NewString()
	tr.EventCount = len(events)
	stored := make([]trajectory.SecurityEvent, len(events))
	for i, ev := range events {
		ev.ID = uuid.NewString()
		ev.AgentID = tr.AgentID
		ev.TransitionID = tr.ID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = tr.Timestamp
		}
		stored[i] = ev
	}
	r.transitions = append(r.transitions, tr)
	r.events = append(r.events, stored...)
	return tr, stored, nil
}

func (r *memRecorder) snapshot() ([]trajectory.Transition, []trajectory.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trajectory.Transition(nil), r.transitions...), append([]trajectory.SecurityEvent(nil), r.events...)
}

// #endregion collaborators
