package intervention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/metrics"
	"github.com/danielpatrickdp/phasegate/internal/snapshot"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// ErrNoIntervention is returned when reviewing an agent without an active
// intervention.
var ErrNoIntervention = errors.New("no active intervention")

// #region config

// Config configures escalation.
type Config struct {
	// BasinRadius is the distance from a Detrimental centroid within which a
	// measurement counts as an occurrence (twice the clustering eps).
	BasinRadius           float64       `yaml:"basin_radius" validate:"gt=0"`
	SecurityRateThreshold float64       `yaml:"security_rate_threshold" validate:"gt=0,lte=1"`
	SecurityWindow        time.Duration `yaml:"security_window" validate:"gt=0"`
	// Cooldown is how long an agent must stay out of every Detrimental basin
	// before its level is lifted.
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
	Levels   LevelParams   `yaml:"levels"`
}

// DefaultConfig returns the default escalation settings.
func DefaultConfig() Config {
	return Config{
		BasinRadius:           0.6,
		SecurityRateThreshold: 0.5,
		SecurityWindow:        time.Hour,
		Cooldown:              time.Hour,
		Levels:                DefaultLevelParams(),
	}
}

// #endregion config

// #region manager

// Timeline is the trajectory access the manager needs.
type Timeline interface {
	Agents(ctx context.Context) ([]string, error)
	Transitions(ctx context.Context, q trajectory.Query) ([]trajectory.Transition, error)
	Events(ctx context.Context, q trajectory.Query) ([]trajectory.SecurityEvent, error)
	SecurityRate(ctx context.Context, agentID string, since time.Time) (float64, error)
	AppendEvents(ctx context.Context, events ...trajectory.SecurityEvent) ([]trajectory.SecurityEvent, error)
}

// Snapshots is the current-record table.
type Snapshots interface {
	Put(kind, agentID string, v any) (snapshot.Record, error)
	Get(kind, agentID string) (snapshot.Record, error)
	List(kind string) ([]snapshot.Record, error)
}

// Change is one committed level change.
type Change struct {
	AgentID string
	From    Level
	To      Level
	Trigger Trigger
	At      time.Time
}

// stored is the persisted per-agent record: the intervention plus the
// watermark of the last transition evaluated.
type stored struct {
	Intervention Intervention `json:"intervention"`
	Watermark    time.Time    `json:"watermark"`
	// Escalated is when the level last moved up, whatever the trigger.
	Escalated time.Time `json:"escalated,omitempty"`
}

// quietSince is the later of the last basin visit and the last escalation.
// Cooldown runs from here.
func (s *stored) quietSince() time.Time {
	if s.Escalated.After(s.Intervention.LastVisit) {
		return s.Escalated
	}
	return s.Intervention.LastVisit
}

// Manager evaluates trajectories against Detrimental attractors and drives
// each agent through the escalation table. It is the only writer of the
// board; Evaluate and Review serialize on one mutex the gate never takes.
type Manager struct {
	cfg      Config
	timeline Timeline
	snaps    Snapshots
	board    *Board
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	records map[string]*stored
}

// NewManager creates a manager publishing to board.
func NewManager(cfg Config, timeline Timeline, snaps Snapshots, board *Board, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		timeline: timeline,
		snaps:    snaps,
		board:    board,
		logger:   logger,
		now:      time.Now,
		records:  map[string]*stored{},
	}
}

// Restore loads persisted interventions and publishes them.
func (m *Manager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, err := m.snaps.List(snapshot.KindInterventions)
	if err != nil {
		return fmt.Errorf("list interventions: %w", err)
	}
	var published []Intervention
	for _, rec := range recs {
		var s stored
		if err := rec.Decode(&s); err != nil {
			return err
		}
		m.records[rec.AgentID] = &s
		published = append(published, s.Intervention)
	}
	m.board.publish(published...)
	m.logger.Info("interventions restored", zap.Int("records", len(recs)))
	return nil
}

// Get returns the agent's current record, active or not.
func (m *Manager) Get(agentID string) (Intervention, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.records[agentID]
	if !ok {
		return Intervention{}, false
	}
	return s.Intervention, true
}

// Evaluate processes every agent's transitions since its watermark and
// commits the resulting level changes.
func (m *Manager) Evaluate(ctx context.Context) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agents, err := m.timeline.Agents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var changes []Change
	for _, agentID := range agents {
		if err := ctx.Err(); err != nil {
			return changes, err
		}
		c, err := m.evaluateAgent(ctx, agentID)
		if err != nil {
			return changes, err
		}
		changes = append(changes, c...)
	}
	return changes, nil
}

func (m *Manager) evaluateAgent(ctx context.Context, agentID string) ([]Change, error) {
	now := m.now().UTC()
	s := m.record(agentID)
	before := *s

	attractors, err := attractor.Load(m.snaps, agentID)
	if err != nil {
		return nil, err
	}
	basins := attractor.DetrimentalOf(attractors)

	q := trajectory.Query{AgentID: agentID}
	if !s.Watermark.IsZero() {
		q.Since = s.Watermark.Add(time.Nanosecond)
	}
	trs, err := m.timeline.Transitions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load transitions %s: %w", agentID, err)
	}
	failed, err := m.projectionFailures(ctx, q)
	if err != nil {
		return nil, err
	}

	var changes []Change
	apply := func(t Trigger, at time.Time, reason, attractorID string) {
		if c, ok := m.step(s, t, at, reason, attractorID); ok {
			changes = append(changes, c)
		}
	}

	for _, tr := range trs {
		s.Watermark = tr.Timestamp
		if tr.Fallback {
			continue
		}
		basin, ok := nearest(basins, tr, m.cfg.BasinRadius)
		if !ok {
			continue
		}
		s.Intervention.Occurrences++
		s.Intervention.LastVisit = tr.Timestamp
		if t, ok := VisitTrigger(s.Intervention.Occurrences); ok {
			apply(t, tr.Timestamp, fmt.Sprintf("visit %d to detrimental attractor", s.Intervention.Occurrences), basin.ID)
		}
		if failed[tr.ID] {
			apply(ProjectionFailure, tr.Timestamp, "projection failed inside detrimental attractor", basin.ID)
		}
	}

	if len(trs) > 0 {
		rate, err := m.timeline.SecurityRate(ctx, agentID, now.Add(-m.cfg.SecurityWindow))
		if err != nil {
			return nil, err
		}
		if rate > m.cfg.SecurityRateThreshold {
			apply(HighSecurityRate, now, fmt.Sprintf("security event rate %.2f", rate), s.Intervention.AttractorID)
		}
	}

	iv := s.Intervention
	if quiet := s.quietSince(); iv.Active() && !quiet.IsZero() && now.Sub(quiet) >= m.cfg.Cooldown {
		t := Cooldown
		if iv.Reviewed {
			t = CooldownReviewed
		}
		apply(t, now, fmt.Sprintf("no detrimental activity for %s", now.Sub(quiet).Round(time.Second)), "")
	}

	if len(changes) == 0 && s.Watermark.Equal(before.Watermark) {
		return nil, nil
	}
	if err := m.commit(ctx, s, &before, changes); err != nil {
		*s = before
		return nil, err
	}
	return changes, nil
}

// step applies one trigger to s, returning the change when the level moved.
func (m *Manager) step(s *stored, t Trigger, at time.Time, reason, attractorID string) (Change, bool) {
	iv := &s.Intervention
	from := iv.Level
	to := Next(from, t)
	if to == from {
		return Change{}, false
	}

	iv.Level = to
	iv.Params = m.cfg.Levels.For(to)
	iv.Trigger = t
	iv.Reason = reason
	iv.UpdatedAt = at
	if attractorID != "" {
		iv.AttractorID = attractorID
	}
	if to > from {
		s.Escalated = at
	}
	switch {
	case to == None:
		s.Escalated = time.Time{}
		resolved := at
		iv.ResolvedAt = &resolved
		iv.Occurrences = 0
		iv.Reviewed = false
		iv.ReviewedBy = ""
		iv.AttractorID = ""
	case from == None:
		iv.CreatedAt = at
		iv.ResolvedAt = nil
	default:
		iv.Reviewed = false
		iv.ReviewedBy = ""
	}
	return Change{AgentID: iv.AgentID, From: from, To: to, Trigger: t, At: at}, true
}

// commit persists the record, then appends one event per change and
// publishes the board. When the events cannot be appended the previous
// record is written back.
func (m *Manager) commit(ctx context.Context, s, before *stored, changes []Change) error {
	agentID := s.Intervention.AgentID
	if _, err := m.snaps.Put(snapshot.KindInterventions, agentID, s); err != nil {
		return fmt.Errorf("persist intervention %s: %w", agentID, err)
	}
	if len(changes) == 0 {
		return nil
	}

	events := make([]trajectory.SecurityEvent, len(changes))
	for i, c := range changes {
		events[i] = trajectory.SecurityEvent{
			AgentID:   c.AgentID,
			Timestamp: c.At,
			Kind:      trajectory.KindInterventionApplied,
			Severity:  severityFor(c),
			Detail:    fmt.Sprintf("%s -> %s on %s", c.From, c.To, c.Trigger),
		}
	}
	if _, err := m.timeline.AppendEvents(ctx, events...); err != nil {
		err = fmt.Errorf("append intervention events %s: %w", agentID, err)
		if _, rerr := m.snaps.Put(snapshot.KindInterventions, agentID, before); rerr != nil {
			m.logger.Error("intervention record not rolled back",
				zap.String("agent_id", agentID),
				zap.Stringer("level", s.Intervention.Level),
				zap.Error(rerr),
			)
			return errors.Join(err, fmt.Errorf("roll back intervention %s: %w", agentID, rerr))
		}
		return err
	}
	m.board.publish(s.Intervention)

	for _, c := range changes {
		metrics.RecordInterventionChange(c.From.String(), c.To.String(), string(c.Trigger))
		m.logger.Info("intervention level changed",
			zap.String("agent_id", c.AgentID),
			zap.Stringer("from", c.From),
			zap.Stringer("to", c.To),
			zap.String("trigger", string(c.Trigger)),
		)
	}
	return nil
}

// Review marks the agent's intervention as manually reviewed, which lets the
// next cooldown lift restrict and block levels.
func (m *Manager) Review(ctx context.Context, agentID, reviewer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.records[agentID]
	if !ok || !s.Intervention.Active() {
		return fmt.Errorf("review %s: %w", agentID, ErrNoIntervention)
	}
	before := *s
	s.Intervention.Reviewed = true
	s.Intervention.ReviewedBy = reviewer
	s.Intervention.UpdatedAt = m.now().UTC()
	if _, err := m.snaps.Put(snapshot.KindInterventions, agentID, s); err != nil {
		*s = before
		return fmt.Errorf("persist review %s: %w", agentID, err)
	}
	m.board.publish(s.Intervention)
	m.logger.Info("intervention reviewed",
		zap.String("agent_id", agentID),
		zap.String("reviewer", reviewer),
		zap.Stringer("level", s.Intervention.Level),
	)
	return nil
}

func (m *Manager) record(agentID string) *stored {
	s, ok := m.records[agentID]
	if !ok {
		s = &stored{Intervention: Intervention{AgentID: agentID, Params: Params{RateFactor: 1}}}
		m.records[agentID] = s
	}
	return s
}

func (m *Manager) projectionFailures(ctx context.Context, q trajectory.Query) (map[string]bool, error) {
	q.Kinds = []trajectory.EventKind{trajectory.KindProjectionFailed}
	events, err := m.timeline.Events(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load projection failures %s: %w", q.AgentID, err)
	}
	out := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.TransitionID != "" {
			out[ev.TransitionID] = true
		}
	}
	return out, nil
}

func nearest(basins []attractor.Attractor, tr trajectory.Transition, radius float64) (attractor.Attractor, bool) {
	best, found := attractor.Attractor{}, false
	for _, b := range basins {
		if !b.Contains(tr.Before, radius) {
			continue
		}
		if !found || b.Centroid.Distance(tr.Before) < best.Centroid.Distance(tr.Before) {
			best, found = b, true
		}
	}
	return best, found
}

func severityFor(c Change) trajectory.Severity {
	switch {
	case c.To < c.From:
		return trajectory.SeverityLow
	case c.To == Block:
		return trajectory.SeverityCritical
	case c.To == Restrict:
		return trajectory.SeverityHigh
	case c.To >= Throttle:
		return trajectory.SeverityMedium
	}
	return trajectory.SeverityLow
}

// #endregion manager
