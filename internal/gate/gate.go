package gate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/logging"
	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/metrics"
	"github.com/danielpatrickdp/phasegate/internal/projection"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region gate

// Deps are the gate's collaborators. Measurer, Manifolds, Projector and
// Recorder are required.
type Deps struct {
	Measurer      Measurer
	Manifolds     ManifoldSource
	Projector     *projection.Projector
	Recorder      Recorder
	Interventions InterventionLookup
	Approver      Approver
	KnownGood     KnownGoodCache
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Gate decides every agent action: Measure → Validate → (Project) →
// Decide → Record, under a latency budget.
type Gate struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	now      func() time.Time
	limiters sync.Map // agent id → *throttle
}

// New creates a gate.
func New(cfg Config, deps Deps) *Gate {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.KnownGood == nil {
		deps.KnownGood = NewKnownGood(nil, deps.Logger)
	}
	return &Gate{cfg: cfg, deps: deps, logger: deps.Logger, now: deps.Clock}
}

// Config returns the gate configuration.
func (g *Gate) Config() Config { return g.cfg }

// #endregion gate

// #region compute

type stageTimes struct {
	measure, validate, project time.Duration
}

// computed is the output of the pure half of the pipeline.
type computed struct {
	measurement signals.Measurement
	err         error
	valid       bool
	violated    []string
	projection  *projection.Result
	times       stageTimes
}

// compute runs Measure → Validate → Project. It writes nothing, so a result
// discarded after the budget expires leaves no trace.
func (g *Gate) compute(ctx context.Context, agentID string, m *manifold.Manifold) computed {
	var c computed

	start := g.now()
	c.measurement, c.err = g.deps.Measurer.Measure(ctx, agentID)
	c.times.measure = g.now().Sub(start)
	if c.err != nil {
		return c
	}

	start = g.now()
	c.valid, c.violated = m.Validate(c.measurement.State)
	c.times.validate = g.now().Sub(start)
	if c.valid {
		return c
	}

	start = g.now()
	res := g.deps.Projector.Project(m, c.measurement.State)
	c.projection = &res
	c.times.project = g.now().Sub(start)
	return c
}

// #endregion compute

// #region evaluate

// draft is the decision under construction before it is recorded.
type draft struct {
	decision trajectory.Decision
	reason   string
	violated []string
	before   state.PhaseSpaceState
	after    state.PhaseSpaceState
	valid    bool
	fallback bool
	cause    error
	events   []trajectory.SecurityEvent
	feedback float64
	record   logging.GateRecord
}

func (d *draft) block(reason string) {
	d.decision = trajectory.Block
	d.reason = reason
}

func (d *draft) event(kind trajectory.EventKind, sev trajectory.Severity, detail string, violated []string) {
	d.events = append(d.events, trajectory.SecurityEvent{
		Kind:     kind,
		Severity: sev,
		Detail:   detail,
		Violated: violated,
	})
}

// Evaluate resolves one action. The returned Result is always populated;
// the error is non-nil only for invalid requests, unresolvable manifolds and
// storage failures, all of which block.
func (g *Gate) Evaluate(ctx context.Context, req Request) (Result, error) {
	start := g.now()
	if req.AgentID == "" || req.ActionID == "" {
		return Result{Decision: trajectory.Block, Reason: "agent and action ids are required"}, ErrInvalidRequest
	}

	m, err := g.deps.Manifolds.ManifoldFor(req.AgentID)
	if err != nil {
		return g.unresolved(ctx, req, err, start)
	}

	d := g.decide(ctx, req, m, start)
	g.applyIntervention(ctx, req, &d)

	d.record.AgentID = req.AgentID
	d.record.ActionID = req.ActionID
	d.record.Manifold = m.Name()
	d.record.Metadata = req.Metadata
	d.record.Measured = d.before
	d.record.Decided = d.after
	d.record.Violations = d.violated
	d.record.Decision = string(d.decision)
	d.record.Reason = d.reason
	d.record.Fallback = d.fallback
	d.record.Thresholds = logging.GateRecordThresholds{
		BudgetMs:      g.cfg.Budget.Milliseconds(),
		TimeoutPolicy: string(g.cfg.TimeoutPolicy),
		MaxIterations: g.deps.Projector.Config().MaxIterations,
		Step:          g.deps.Projector.Config().Step,
	}

	return g.record(ctx, req, d, start)
}

// unresolved records a fallback block for an agent with no manifold. The
// transition carries neutral states since nothing was measured.
func (g *Gate) unresolved(ctx context.Context, req Request, cause error, start time.Time) (Result, error) {
	neutral := state.Neutral(g.now())
	d := draft{
		before:   neutral,
		after:    neutral,
		valid:    true,
		fallback: true,
		cause:    cause,
		feedback: 0.5,
	}
	d.block("no manifold for agent")
	d.event(trajectory.KindViolation, trajectory.SeverityHigh, fmt.Sprintf("manifold unresolved: %v", cause), nil)
	d.record = logging.GateRecord{
		AgentID:  req.AgentID,
		ActionID: req.ActionID,
		Metadata: req.Metadata,
		Measured: d.before,
		Decided:  d.after,
		Decision: string(d.decision),
		Reason:   d.reason,
		Fallback: true,
	}
	g.logger.Warn("manifold unresolved; blocking",
		zap.String("agent_id", req.AgentID),
		zap.Error(cause),
	)

	res, err := g.record(ctx, req, d, start)
	if err != nil {
		return res, err
	}
	return res, fmt.Errorf("resolve manifold for %s: %w", req.AgentID, cause)
}

// decide runs the compute stages under the budget and turns their output,
// or the timeout policy, into a draft decision.
func (g *Gate) decide(ctx context.Context, req Request, m *manifold.Manifold, start time.Time) draft {
	ch := make(chan computed, 1)
	go func() {
		ch <- g.compute(ctx, req.AgentID, m)
	}()

	remaining := g.cfg.Budget - g.now().Sub(start)
	timer := time.NewTimer(max(remaining, 0))
	defer timer.Stop()

	var c computed
	select {
	case c = <-ch:
	case <-timer.C:
		metrics.RecordTimeout(string(g.cfg.TimeoutPolicy))
		return g.fallback(req, ErrMeasurementTimeout)
	}

	g.observeStages(req.AgentID, c.times)
	if c.err != nil {
		g.logger.Warn("measurement failed", zap.String("agent_id", req.AgentID), zap.Error(c.err))
		return g.fallback(req, fmt.Errorf("%w: %v", ErrMeasurementFailed, c.err))
	}

	measured := c.measurement.State
	d := draft{
		before:   measured,
		after:    measured,
		valid:    c.valid,
		violated: c.violated,
		feedback: c.measurement.Feedback,
		record: logging.GateRecord{Latency: logging.GateRecordLatency{
			MeasureUs:  c.times.measure.Microseconds(),
			ValidateUs: c.times.validate.Microseconds(),
			ProjectUs:  c.times.project.Microseconds(),
		}},
	}

	if c.valid {
		d.decision = trajectory.Allow
		return d
	}

	p := c.projection
	metrics.ObserveProjection(p.Iterations, p.Converged)
	d.record.Projection = &logging.GateRecordProjection{
		Suppressed: p.Suppressed,
		Iterations: p.Iterations,
		Converged:  p.Converged,
		Residual:   p.Residual,
	}
	if p.Converged {
		d.decision = trajectory.AllowWithProjection
		d.after = p.State
		d.event(trajectory.KindProjectionApplied, trajectory.SeverityMedium,
			fmt.Sprintf("projected in %d rounds (suppressed=%t)", p.Iterations, p.Suppressed), c.violated)
		return d
	}

	d.after = p.State
	d.block(fmt.Sprintf("projection did not converge after %d rounds; residual: %s",
		p.Iterations, strings.Join(p.Residual, ", ")))
	d.event(trajectory.KindProjectionFailed, trajectory.SeverityHigh, d.reason, p.Residual)
	return d
}

// fallback resolves a call whose measurement is unavailable. The recorded
// states are the last known-good state, or neutral when there is none.
func (g *Gate) fallback(req Request, cause error) draft {
	now := g.now()
	known, hasKnown := g.deps.KnownGood.Get(req.AgentID)
	fallbackState := state.Neutral(now)
	if hasKnown {
		fallbackState = known
	}
	d := draft{
		before:   fallbackState,
		after:    fallbackState,
		valid:    true,
		fallback: true,
		cause:    cause,
		feedback: 0.5,
	}

	switch {
	case g.cfg.TimeoutPolicy == CacheOnTimeout && hasKnown:
		d.decision = trajectory.Allow
		d.reason = fmt.Sprintf("allowed on last known-good state: %v", cause)
		d.event(trajectory.KindTimeoutFallback, trajectory.SeverityHigh, d.reason, nil)
	case g.cfg.TimeoutPolicy == CacheOnTimeout:
		d.block(fmt.Sprintf("no known-good state to fall back on: %v", cause))
		d.event(trajectory.KindTimeoutFallback, trajectory.SeverityHigh, d.reason, nil)
	default:
		d.block(fmt.Sprintf("blocked on timeout policy: %v", cause))
		d.event(trajectory.KindTimeoutFallback, trajectory.SeverityMedium, d.reason, nil)
	}

	g.logger.Warn("gate fallback",
		zap.String("agent_id", req.AgentID),
		zap.String("policy", string(g.cfg.TimeoutPolicy)),
		zap.Bool("known_good", hasKnown),
		zap.Error(cause),
	)
	return d
}

func (g *Gate) observeStages(agentID string, t stageTimes) {
	metrics.ObserveStage("measure", t.measure, g.cfg.MeasureTarget)
	metrics.ObserveStage("validate", t.validate, g.cfg.ValidateTarget)
	if t.project > 0 {
		metrics.ObserveStage("project", t.project, g.cfg.ProjectTarget)
	}
	if exceeded(t.measure, g.cfg.MeasureTarget) || exceeded(t.validate, g.cfg.ValidateTarget) || exceeded(t.project, g.cfg.ProjectTarget) {
		g.logger.Debug("stage target exceeded",
			zap.String("agent_id", agentID),
			zap.Duration("measure", t.measure),
			zap.Duration("validate", t.validate),
			zap.Duration("project", t.project),
		)
	}
}

func exceeded(d, target time.Duration) bool {
	return target > 0 && d > target
}

// #endregion evaluate

// #region interventions

// applyIntervention honors the agent's current intervention. Block
// short-circuits; the other levels only tighten an allow.
func (g *Gate) applyIntervention(ctx context.Context, req Request, d *draft) {
	if g.deps.Interventions == nil {
		return
	}
	iv, ok := g.deps.Interventions.Current(req.AgentID)
	if !ok {
		return
	}
	rec := &logging.GateRecordIntervention{
		Level:            iv.Level.String(),
		Reason:           iv.Reason,
		RequiresApproval: iv.Params.RequiresApproval,
		Disabled:         iv.Params.Disabled,
	}
	d.record.Intervention = rec

	if iv.Level == intervention.Block {
		if !d.valid {
			d.event(trajectory.KindViolation, trajectory.SeverityHigh,
				"invalid state under block intervention", d.violated)
		}
		d.block(fmt.Sprintf("blocked by intervention: %s", iv.Reason))
		d.event(trajectory.KindInterventionApplied, trajectory.SeverityHigh, d.reason, nil)
		return
	}
	if d.decision == trajectory.Block {
		return
	}

	if capability := req.capability(); iv.Params.Disables(capability) {
		d.block(fmt.Sprintf("capability %q disabled by %s intervention", capability, iv.Level))
		d.event(trajectory.KindInterventionApplied, trajectory.SeverityMedium, d.reason, nil)
		return
	}

	if iv.Params.RequiresApproval {
		approved := req.approved() || (g.deps.Approver != nil && g.deps.Approver.Approve(ctx, req, iv))
		rec.Approved = approved
		if !approved {
			d.block(fmt.Sprintf("%s intervention requires approval", iv.Level))
			d.event(trajectory.KindInterventionApplied, trajectory.SeverityMedium, d.reason, nil)
			return
		}
	}

	if iv.Params.RateFactor > 0 && iv.Params.RateFactor < 1 {
		delay, ok := g.throttle(req.AgentID, iv.Params.RateFactor)
		if !ok {
			d.block(fmt.Sprintf("throttled by %s intervention: next slot in %s", iv.Level, delay.Round(time.Millisecond)))
			d.event(trajectory.KindInterventionApplied, trajectory.SeverityLow, d.reason, nil)
			return
		}
		if delay > 0 {
			rec.ThrottleDelayMs = delay.Milliseconds()
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				d.block("throttle wait cancelled")
				d.event(trajectory.KindInterventionApplied, trajectory.SeverityLow, d.reason, nil)
			}
		}
	}
}

type throttle struct {
	mu     sync.Mutex
	lim    *rate.Limiter
	factor float64
}

// throttle reserves a slot on the agent's limiter. It returns the wait and
// false when the wait exceeds MaxThrottleDelay, in which case nothing is
// reserved.
func (g *Gate) throttle(agentID string, factor float64) (time.Duration, bool) {
	limit := rate.Limit(g.cfg.BaseRate * factor)
	burst := max(1, int(math.Round(float64(g.cfg.Burst)*factor)))

	v, _ := g.limiters.LoadOrStore(agentID, &throttle{lim: rate.NewLimiter(limit, burst), factor: factor})
	th := v.(*throttle)

	th.mu.Lock()
	defer th.mu.Unlock()
	now := g.now()
	if th.factor != factor {
		th.lim.SetLimitAt(now, limit)
		th.lim.SetBurstAt(now, burst)
		th.factor = factor
	}
	r := th.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0, false
	}
	delay := r.DelayFrom(now)
	if delay > g.cfg.MaxThrottleDelay {
		r.CancelAt(now)
		return delay, false
	}
	return delay, true
}

// #endregion interventions

// #region record

// record appends the transition and its events. A storage failure blocks
// the action regardless of the draft decision.
func (g *Gate) record(ctx context.Context, req Request, d draft, start time.Time) (Result, error) {
	total := g.now().Sub(start)
	d.record.Latency.TotalUs = total.Microseconds()

	raw, err := d.record.Marshal()
	if err != nil {
		return g.storageFailure(req, d, err, total)
	}

	tr := trajectory.Transition{
		AgentID:    req.AgentID,
		ActionID:   req.ActionID,
		Timestamp:  g.now().UTC(),
		Before:     d.before,
		After:      d.after,
		Decision:   d.decision,
		Reason:     d.reason,
		Fallback:   d.fallback,
		Violated:   d.violated,
		Outcome:    req.outcome(d.feedback),
		GateRecord: raw,
	}

	recStart := g.now()
	stored, events, err := g.deps.Recorder.Append(ctx, tr, d.events)
	metrics.ObserveStage("record", g.now().Sub(recStart), 0)
	if err != nil {
		return g.storageFailure(req, d, err, total)
	}

	if d.decision != trajectory.Block && !d.fallback {
		g.deps.KnownGood.Put(req.AgentID, d.after)
	}

	total = g.now().Sub(start)
	metrics.ObserveStage("total", total, g.cfg.Budget)
	metrics.RecordDecision(string(d.decision), d.fallback)
	for _, ev := range events {
		metrics.RecordSecurityEvent(string(ev.Kind), ev.Severity.String())
	}
	logging.LogDecision(g.logger, d.record, total)

	var level intervention.Level
	if d.record.Intervention != nil {
		level, _ = intervention.ParseLevel(d.record.Intervention.Level)
	}
	return Result{
		Decision:     d.decision,
		Reason:       d.reason,
		Violated:     d.violated,
		State:        d.after,
		Fallback:     d.fallback,
		Cause:        d.cause,
		Intervention: level,
		TransitionID: stored.ID,
		Events:       events,
		Latency:      total,
	}, nil
}

func (g *Gate) storageFailure(req Request, d draft, err error, total time.Duration) (Result, error) {
	g.logger.Error("gate decision not recorded; blocking",
		zap.String("agent_id", req.AgentID),
		zap.String("action_id", req.ActionID),
		zap.String("draft_decision", string(d.decision)),
		zap.Error(err),
	)
	metrics.RecordDecision(string(trajectory.Block), d.fallback)
	return Result{
			Decision: trajectory.Block,
			Reason:   "decision could not be recorded",
			Violated: d.violated,
			State:    d.after,
			Fallback: d.fallback,
			Cause:    ErrStorageFailure,
			Latency:  total,
		},
		fmt.Errorf("%w: %v", ErrStorageFailure, err)
}

// #endregion record
