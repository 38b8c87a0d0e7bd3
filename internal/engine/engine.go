package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/config"
	"github.com/danielpatrickdp/phasegate/internal/gate"
	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/manifold"
	"github.com/danielpatrickdp/phasegate/internal/projection"
	"github.com/danielpatrickdp/phasegate/internal/signals"
	"github.com/danielpatrickdp/phasegate/internal/snapshot"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region engine

// Engine wires the gating path (signals → manifold → projector → gate →
// trajectory) and the analysis path (trajectory → attractors →
// interventions) behind the external operations.
type Engine struct {
	cfg    config.Config
	logger *zap.Logger

	tracker       *signals.Tracker
	registry      *manifold.Registry
	trajectory    *trajectory.Store
	snapshots     *snapshot.Store
	board         *intervention.Board
	interventions *intervention.Manager
	discoverer    *attractor.Discoverer
	gate          *gate.Gate
}

// Option customizes an engine.
type Option func(*options)

type options struct {
	approver gate.Approver
	clock    func() time.Time
}

// WithApprover sets who grants approval for supervised actions.
func WithApprover(a gate.Approver) Option {
	return func(o *options) { o.approver = a }
}

// WithClock overrides the signal aggregation clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Open opens storage, restores published interventions and builds the gate.
func Open(cfg config.Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("build manifolds: %w", err)
	}
	traj, err := trajectory.Open(cfg.Storage.TrajectoryPath, logger.Named("trajectory"))
	if err != nil {
		return nil, err
	}
	snaps, err := snapshot.Open(cfg.Storage.Snapshot, logger.Named("snapshot"))
	if err != nil {
		traj.Close()
		return nil, err
	}

	board := intervention.NewBoard()
	mgr := intervention.NewManager(cfg.Intervention, traj, snaps, board, logger.Named("intervention"))
	if err := mgr.Restore(); err != nil {
		snaps.Close()
		traj.Close()
		return nil, err
	}

	tracker := signals.NewTracker(cfg.Signals, logger.Named("signals"), signals.WithClock(o.clock))
	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		tracker:       tracker,
		registry:      registry,
		trajectory:    traj,
		snapshots:     snaps,
		board:         board,
		interventions: mgr,
		discoverer:    attractor.NewDiscoverer(traj, snaps, logger.Named("attractor")),
	}
	e.gate = gate.New(cfg.Gate, gate.Deps{
		Measurer:      tracker,
		Manifolds:     manifold.Assigned{Registry: registry, Policies: cfg.Policies},
		Projector:     projection.New(cfg.Projection, logger.Named("projection")),
		Recorder:      traj,
		Interventions: board,
		Approver:      o.approver,
		KnownGood:     gate.NewKnownGood(snaps, logger.Named("known_good")),
		Logger:        logger.Named("gate"),
	})

	logger.Info("engine opened",
		zap.String("trajectory", cfg.Storage.TrajectoryPath),
		zap.Strings("manifolds", registry.Names()),
		zap.String("timeout_policy", string(cfg.Gate.TimeoutPolicy)),
	)
	return e, nil
}

// Close releases storage.
func (e *Engine) Close() error {
	snapErr := e.snapshots.Close()
	trajErr := e.trajectory.Close()
	if snapErr != nil {
		return fmt.Errorf("close snapshots: %w", snapErr)
	}
	if trajErr != nil {
		return fmt.Errorf("close trajectory: %w", trajErr)
	}
	return nil
}

// Config returns the engine configuration.
func (e *Engine) Config() config.Config { return e.cfg }

// #endregion engine

// #region signals

// RecordOperationalSignal feeds an operational observation. Malformed
// signals return signals.ErrMalformedSignal and change nothing.
func (e *Engine) RecordOperationalSignal(agentID string, kind signals.Kind, p signals.Payload) error {
	return e.tracker.RecordOperational(agentID, kind, p)
}

// RecordVirtueSignal feeds a virtue observation.
func (e *Engine) RecordVirtueSignal(agentID string, kind signals.Kind, p signals.Payload) error {
	return e.tracker.RecordVirtue(agentID, kind, p)
}

// RecordSignal routes a signal by the space its kind belongs to.
func (e *Engine) RecordSignal(agentID string, kind signals.Kind, p signals.Payload) error {
	space, ok := signals.SpaceOf(kind)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", signals.ErrMalformedSignal, kind)
	}
	if space == signals.SpaceVirtue {
		return e.RecordVirtueSignal(agentID, kind, p)
	}
	return e.RecordOperationalSignal(agentID, kind, p)
}

// Measure returns the agent's current state without gating.
func (e *Engine) Measure(ctx context.Context, agentID string) (signals.Measurement, error) {
	return e.tracker.Measure(ctx, agentID)
}

// #endregion signals

// #region gate

// GateAction decides one agent action. It must be called before the action
// executes and the action must not run unless the result is allowed.
func (e *Engine) GateAction(ctx context.Context, agentID, actionID string, metadata map[string]string) (gate.Result, error) {
	return e.gate.Evaluate(ctx, gate.Request{AgentID: agentID, ActionID: actionID, Metadata: metadata})
}

// #endregion gate

// #region trajectory

// GetTrajectory returns the agent's transitions in [since, until). Zero
// bounds are open.
func (e *Engine) GetTrajectory(ctx context.Context, agentID string, since, until time.Time) ([]trajectory.Transition, error) {
	return e.trajectory.Transitions(ctx, trajectory.Query{AgentID: agentID, Since: since, Until: until})
}

// Events returns security events matching q.
func (e *Engine) Events(ctx context.Context, q trajectory.Query) ([]trajectory.SecurityEvent, error) {
	return e.trajectory.Events(ctx, q)
}

// Agents lists every agent with recorded transitions.
func (e *Engine) Agents(ctx context.Context) ([]string, error) {
	return e.trajectory.Agents(ctx)
}

// ExportTrajectories writes every transition and event as JSON Lines.
func (e *Engine) ExportTrajectories(ctx context.Context, w io.Writer) error {
	return e.trajectory.Export(ctx, w)
}

// ImportTrajectories restores an export. Records already present are
// skipped.
func (e *Engine) ImportTrajectories(ctx context.Context, r io.Reader) (trajectory.ImportStats, error) {
	return e.trajectory.Import(ctx, r)
}

// #endregion trajectory

// #region analysis

// DiscoverAttractors runs discovery with p for agentIDs (every agent when
// empty) and replaces each affected agent's attractor record.
func (e *Engine) DiscoverAttractors(ctx context.Context, p attractor.Params, agentIDs ...string) ([]attractor.Attractor, error) {
	return e.discoverer.Discover(ctx, p, agentIDs...)
}

// Attractors returns the agent's current attractors.
func (e *Engine) Attractors(agentID string) ([]attractor.Attractor, error) {
	return attractor.Load(e.snapshots, agentID)
}

// EvaluateInterventions advances every agent's intervention level.
func (e *Engine) EvaluateInterventions(ctx context.Context) ([]intervention.Change, error) {
	return e.interventions.Evaluate(ctx)
}

// Intervention returns the agent's current intervention record.
func (e *Engine) Intervention(agentID string) (intervention.Intervention, bool) {
	return e.interventions.Get(agentID)
}

// Interventions returns every active published intervention.
func (e *Engine) Interventions() map[string]intervention.Intervention {
	return e.board.All()
}

// ReviewIntervention records a manual review, which lets the next cooldown
// lift a restrict or block level.
func (e *Engine) ReviewIntervention(ctx context.Context, agentID, reviewer string) error {
	return e.interventions.Review(ctx, agentID, reviewer)
}

// #endregion analysis

// #region scheduler

// Run performs discovery then intervention evaluation every
// discovery.interval until ctx is done. Cycle failures are logged and the
// next cycle proceeds.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Discovery.Interval)
	defer ticker.Stop()

	e.logger.Info("scheduler started", zap.Duration("interval", e.cfg.Discovery.Interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one discovery and evaluation pass.
func (e *Engine) Cycle(ctx context.Context) {
	if _, err := e.DiscoverAttractors(ctx, e.cfg.Discovery.Params); err != nil {
		e.logger.Error("discovery cycle failed", zap.Error(err))
		return
	}
	changes, err := e.EvaluateInterventions(ctx)
	if err != nil {
		e.logger.Error("intervention cycle failed", zap.Error(err))
	}
	if len(changes) > 0 {
		e.logger.Info("intervention cycle", zap.Int("changes", len(changes)))
	}
}

// #endregion scheduler
