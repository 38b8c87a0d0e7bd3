package intervention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/snapshot"
	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// #region table-tests

func TestVisitTrigger(t *testing.T) {
	cases := map[int]Trigger{1: FirstVisit, 2: RepeatVisit, 4: RepeatVisit, 5: PersistentVisit, 9: PersistentVisit, 10: ChronicVisit, 40: ChronicVisit}
	for n, want := range cases {
		got, ok := VisitTrigger(n)
		assert.True(t, ok)
		assert.Equal(t, want, got, "occurrences=%d", n)
	}
	_, ok := VisitTrigger(0)
	assert.False(t, ok)
}

func TestNext_VisitsNeverLowerLevel(t *testing.T) {
	escalating := []Trigger{FirstVisit, RepeatVisit, PersistentVisit, ChronicVisit, HighSecurityRate, ProjectionFailure}
	for l := None; l <= Block; l++ {
		for _, tr := range escalating {
			assert.GreaterOrEqual(t, Next(l, tr), l, "%s on %s", l, tr)
		}
	}
}

func TestNext_DeEscalation(t *testing.T) {
	assert.Equal(t, None, Next(Throttle, Cooldown))
	assert.Equal(t, None, Next(Supervise, Cooldown))
	assert.Equal(t, Restrict, Next(Restrict, Cooldown), "restrict needs review")
	assert.Equal(t, Block, Next(Block, Cooldown), "block needs review")
	assert.Equal(t, None, Next(Restrict, CooldownReviewed))
	assert.Equal(t, None, Next(Block, CooldownReviewed))
	assert.Equal(t, Supervise, Next(Supervise, Review))
}

func TestNext_Ladder(t *testing.T) {
	assert.Equal(t, Warning, Next(None, FirstVisit))
	assert.Equal(t, Throttle, Next(Warning, RepeatVisit))
	assert.Equal(t, Supervise, Next(Throttle, PersistentVisit))
	assert.Equal(t, Restrict, Next(Supervise, ChronicVisit))
	assert.Equal(t, Block, Next(Restrict, ProjectionFailure))
	assert.Equal(t, Restrict, Next(Warning, HighSecurityRate))
}

func TestLevel_Text(t *testing.T) {
	for l := None; l <= Block; l++ {
		b, err := l.MarshalText()
		require.NoError(t, err)
		var back Level
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, l, back)
	}
	_, err := ParseLevel("lenient")
	assert.Error(t, err)
	assert.True(t, Restrict.NeedsReview())
	assert.False(t, Supervise.NeedsReview())
}

func TestLevelParams(t *testing.T) {
	lp := DefaultLevelParams()
	assert.Equal(t, 0.5, lp.For(Throttle).RateFactor)
	assert.True(t, lp.For(Supervise).RequiresApproval)
	assert.True(t, lp.For(Restrict).Disables("financial_transaction"))
	assert.False(t, lp.For(Restrict).Disables(""))
	assert.Equal(t, 1.0, lp.For(Block).RateFactor)
}

// #endregion table-tests

// #region board-tests

func TestBoard_PublishAndRemove(t *testing.T) {
	b := NewBoard()
	_, ok := b.Current("a1")
	assert.False(t, ok)

	b.publish(Intervention{AgentID: "a1", Level: Throttle}, Intervention{AgentID: "a2", Level: Warning})
	iv, ok := b.Current("a1")
	require.True(t, ok)
	assert.Equal(t, Throttle, iv.Level)

	snapshotBefore := b.All()
	b.publish(Intervention{AgentID: "a1", Level: None})
	_, ok = b.Current("a1")
	assert.False(t, ok)
	assert.Len(t, snapshotBefore, 2, "earlier reads keep their copy")
	assert.Len(t, b.All(), 1)
}

// #endregion board-tests

// #region manager-tests

type fixture struct {
	store *trajectory.Store
	snaps *snapshot.Store
	board *Board
	mgr   *Manager
	now   time.Time
	seq   int
}

var basinCentre = uniformState(0.2)

func uniformState(v float64) state.PhaseSpaceState {
	var vec state.Vector
	for d := range vec {
		vec[d] = v
	}
	return state.New(vec, 1, t0)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := trajectory.Open(filepath.Join(t.TempDir(), "traj.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	snaps, err := snapshot.Open(snapshot.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	_, err = snaps.Put(snapshot.KindAttractors, "a1", []attractor.Attractor{{
		ID:             "basin-1",
		AgentID:        "a1",
		Centroid:       basinCentre,
		Members:        8,
		Classification: attractor.Detrimental,
	}})
	require.NoError(t, err)

	f := &fixture{store: store, snaps: snaps, board: NewBoard(), now: t0}
	f.mgr = f.newManager()
	return f
}

func (f *fixture) newManager() *Manager {
	m := NewManager(DefaultConfig(), f.store, f.snaps, f.board, nil)
	m.now = func() time.Time { return f.now }
	return m
}

// visit appends n transitions inside (or outside) the basin, one minute apart.
func (f *fixture) visit(t *testing.T, n int, inBasin bool, events ...trajectory.SecurityEvent) {
	t.Helper()
	before := uniformState(0.8)
	if inBasin {
		before = basinCentre
	}
	for range n {
		f.seq++
		ts := t0.Add(time.Duration(f.seq) * time.Minute)
		_, _, err := f.store.Append(context.Background(), trajectory.Transition{
			AgentID:   "a1",
			ActionID:  "act",
			Timestamp: ts,
			Before:    before,
			After:     before,
			Decision:  trajectory.Allow,
		}, events)
		require.NoError(t, err)
		f.now = ts
	}
}

func (f *fixture) evaluate(t *testing.T) []Change {
	t.Helper()
	changes, err := f.mgr.Evaluate(context.Background())
	require.NoError(t, err)
	return changes
}

func levels(changes []Change) []Level {
	out := make([]Level, len(changes))
	for i, c := range changes {
		out[i] = c.To
	}
	return out
}

func TestManager_EscalationLadder(t *testing.T) {
	f := newFixture(t)

	f.visit(t, 1, true)
	assert.Equal(t, []Level{Warning}, levels(f.evaluate(t)))

	f.visit(t, 1, true)
	assert.Equal(t, []Level{Throttle}, levels(f.evaluate(t)))

	f.visit(t, 3, true)
	assert.Equal(t, []Level{Supervise}, levels(f.evaluate(t)))

	f.visit(t, 5, true)
	assert.Equal(t, []Level{Restrict}, levels(f.evaluate(t)))

	iv, ok := f.board.Current("a1")
	require.True(t, ok)
	assert.Equal(t, Restrict, iv.Level)
	assert.Equal(t, 10, iv.Occurrences)
	assert.Equal(t, "basin-1", iv.AttractorID)
	assert.True(t, iv.Params.Disables("external_communication"))

	events, err := f.store.Events(context.Background(), trajectory.Query{
		AgentID: "a1",
		Kinds:   []trajectory.EventKind{trajectory.KindInterventionApplied},
	})
	require.NoError(t, err)
	assert.Len(t, events, 4)

	rec, err := f.snaps.Get(snapshot.KindInterventions, "a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rec.Version)
}

func TestManager_NoNewTransitionsNoChange(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 2, true)
	assert.Equal(t, []Level{Warning, Throttle}, levels(f.evaluate(t)))
	assert.Empty(t, f.evaluate(t), "watermark prevents recounting")

	iv, ok := f.mgr.Get("a1")
	require.True(t, ok)
	assert.Equal(t, 2, iv.Occurrences)
}

func TestManager_VisitsOutsideBasinIgnored(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 3, false)
	assert.Empty(t, f.evaluate(t))
	_, ok := f.board.Current("a1")
	assert.False(t, ok)
}

func TestManager_CooldownLiftsLowLevels(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 2, true)
	f.evaluate(t)

	f.now = f.now.Add(30 * time.Minute)
	assert.Empty(t, f.evaluate(t), "cooldown not yet elapsed")

	f.now = f.now.Add(31 * time.Minute)
	changes := f.evaluate(t)
	require.Len(t, changes, 1)
	assert.Equal(t, Cooldown, changes[0].Trigger)
	assert.Equal(t, None, changes[0].To)

	_, ok := f.board.Current("a1")
	assert.False(t, ok)
	iv, _ := f.mgr.Get("a1")
	assert.Zero(t, iv.Occurrences)
	assert.NotNil(t, iv.ResolvedAt)
}

func TestManager_RestrictNeedsReview(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 10, true)
	assert.Equal(t, []Level{Warning, Throttle, Supervise, Restrict}, levels(f.evaluate(t)))

	f.now = f.now.Add(2 * time.Hour)
	assert.Empty(t, f.evaluate(t))

	require.NoError(t, f.mgr.Review(context.Background(), "a1", "ops@example.com"))
	iv, ok := f.board.Current("a1")
	require.True(t, ok)
	assert.True(t, iv.Reviewed)
	assert.Equal(t, "ops@example.com", iv.ReviewedBy)

	changes := f.evaluate(t)
	require.Len(t, changes, 1)
	assert.Equal(t, CooldownReviewed, changes[0].Trigger)
	_, ok = f.board.Current("a1")
	assert.False(t, ok)
}

func TestManager_ProjectionFailureInBasinBlocks(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 1, true, trajectory.SecurityEvent{
		Kind:     trajectory.KindProjectionFailed,
		Severity: trajectory.SeverityHigh,
	})
	changes := f.evaluate(t)
	assert.Equal(t, []Level{Warning, Block}, levels(changes))
	assert.Equal(t, ProjectionFailure, changes[1].Trigger)

	events, err := f.store.Events(context.Background(), trajectory.Query{
		AgentID: "a1",
		Kinds:   []trajectory.EventKind{trajectory.KindInterventionApplied},
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, trajectory.SeverityCritical, events[1].Severity)
}

func TestManager_HighSecurityRateRestricts(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 4, false, trajectory.SecurityEvent{Kind: trajectory.KindViolation, Severity: trajectory.SeverityMedium})
	changes := f.evaluate(t)
	require.Len(t, changes, 1)
	assert.Equal(t, HighSecurityRate, changes[0].Trigger)
	assert.Equal(t, Restrict, changes[0].To)
}

func TestManager_SecurityRateRestrictLiftsAfterReview(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 4, false, trajectory.SecurityEvent{Kind: trajectory.KindViolation, Severity: trajectory.SeverityMedium})
	assert.Equal(t, []Level{Restrict}, levels(f.evaluate(t)))
	iv, _ := f.mgr.Get("a1")
	assert.True(t, iv.LastVisit.IsZero(), "escalated without a basin visit")

	f.now = f.now.Add(30 * time.Minute)
	assert.Empty(t, f.evaluate(t), "cooldown runs from the escalation")

	f.now = f.now.Add(31 * time.Minute)
	assert.Empty(t, f.evaluate(t), "restrict needs review")

	require.NoError(t, f.mgr.Review(context.Background(), "a1", "ops@example.com"))
	changes := f.evaluate(t)
	require.Len(t, changes, 1)
	assert.Equal(t, CooldownReviewed, changes[0].Trigger)
	assert.Equal(t, None, changes[0].To)
	_, ok := f.board.Current("a1")
	assert.False(t, ok)
}

// lockedEvents fails AppendEvents while fail is set.
type lockedEvents struct {
	*trajectory.Store
	fail bool
}

func (l *lockedEvents) AppendEvents(ctx context.Context, events ...trajectory.SecurityEvent) ([]trajectory.SecurityEvent, error) {
	if l.fail {
		return nil, errors.New("events table locked")
	}
	return l.Store.AppendEvents(ctx, events...)
}

func TestManager_EventFailureRollsBackRecord(t *testing.T) {
	f := newFixture(t)
	tl := &lockedEvents{Store: f.store, fail: true}
	f.mgr = NewManager(DefaultConfig(), tl, f.snaps, f.board, nil)
	f.mgr.now = func() time.Time { return f.now }

	f.visit(t, 1, true)
	_, err := f.mgr.Evaluate(context.Background())
	require.Error(t, err)

	_, ok := f.board.Current("a1")
	assert.False(t, ok)
	iv, _ := f.mgr.Get("a1")
	assert.Equal(t, None, iv.Level)

	board := NewBoard()
	restored := NewManager(DefaultConfig(), f.store, f.snaps, board, nil)
	require.NoError(t, restored.Restore())
	_, ok = board.Current("a1")
	assert.False(t, ok, "persisted record must not carry the unlogged level")

	tl.fail = false
	assert.Equal(t, []Level{Warning}, levels(f.evaluate(t)), "rolled back watermark recounts the visit")
	events, err := f.store.Events(context.Background(), trajectory.Query{
		AgentID: "a1",
		Kinds:   []trajectory.EventKind{trajectory.KindInterventionApplied},
	})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestManager_FallbackTransitionsIgnored(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.Append(context.Background(), trajectory.Transition{
		AgentID:   "a1",
		ActionID:  "act",
		Timestamp: t0.Add(time.Minute),
		Before:    basinCentre,
		After:     basinCentre,
		Decision:  trajectory.Block,
		Fallback:  true,
	}, nil)
	require.NoError(t, err)
	f.now = t0.Add(time.Minute)
	assert.Empty(t, f.evaluate(t))
}

func TestManager_RestoreRepublishes(t *testing.T) {
	f := newFixture(t)
	f.visit(t, 2, true)
	f.evaluate(t)

	board := NewBoard()
	restored := NewManager(DefaultConfig(), f.store, f.snaps, board, nil)
	restored.now = func() time.Time { return f.now }
	require.NoError(t, restored.Restore())

	iv, ok := board.Current("a1")
	require.True(t, ok)
	assert.Equal(t, Throttle, iv.Level)

	f.visit(t, 3, true)
	changes, err := restored.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Level{Supervise}, levels(changes), "occurrence count and watermark survive restore")
}

func TestManager_ReviewWithoutIntervention(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.Review(context.Background(), "a1", "ops")
	assert.True(t, errors.Is(err, ErrNoIntervention))
}

// #endregion manager-tests
