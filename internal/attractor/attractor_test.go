package attractor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/phasegate/internal/snapshot"
	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func uniform(v float64) state.Vector {
	var out state.Vector
	for d := range out {
		out[d] = v
	}
	return out
}

func jitter(base float64, n int) []state.Vector {
	out := make([]state.Vector, n)
	for i := range out {
		out[i] = uniform(base)
		out[i][state.Activity] += float64(i) * 0.01
	}
	return out
}

// #region cluster-tests

func TestDBSCAN_SeparatesDenseRegionsFromNoise(t *testing.T) {
	points := append(jitter(0.2, 6), jitter(0.8, 6)...)
	points = append(points, uniform(0.5))

	labels := DBSCAN{Eps: 0.3, MinSamples: 5}.Cluster(points)

	want := []int{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1, Noise}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestDBSCAN_Deterministic(t *testing.T) {
	points := append(jitter(0.3, 8), jitter(0.7, 7)...)
	c := DBSCAN{Eps: 0.3, MinSamples: 5}
	first := c.Cluster(points)
	for range 10 {
		if diff := cmp.Diff(first, c.Cluster(points)); diff != "" {
			t.Fatalf("cluster assignment changed between runs:\n%s", diff)
		}
	}
}

func TestDBSCAN_UndersizedGroupIsNoise(t *testing.T) {
	labels := DBSCAN{Eps: 0.3, MinSamples: 5}.Cluster(jitter(0.4, 4))
	for _, l := range labels {
		assert.Equal(t, Noise, l)
	}
}

func TestDBSCAN_PointCountsItself(t *testing.T) {
	labels := DBSCAN{Eps: 0.3, MinSamples: 5}.Cluster(jitter(0.4, 5))
	assert.Equal(t, []int{0, 0, 0, 0, 0}, labels)
}

// #endregion cluster-tests

// #region classify-tests

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		stats Stats
		want  Classification
	}{
		{"beneficial just above threshold", Stats{Effectiveness: 0.71, Feedback: 0.71, SecurityRate: 0.05, ResourceConsumption: 0.5}, Beneficial},
		{"detrimental low score", Stats{Effectiveness: 0.29, Feedback: 0.29, ResourceConsumption: 0.5}, Detrimental},
		{"detrimental high security rate", Stats{Effectiveness: 0.95, Feedback: 0.95, SecurityRate: 0.35}, Detrimental},
		{"neutral middle", Stats{Effectiveness: 0.5, Feedback: 0.5}, Neutral},
		{"good score but some events", Stats{Effectiveness: 0.9, Feedback: 0.9, SecurityRate: 0.12}, Neutral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := Classify(tc.stats)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestScore_CostToleranceFollowsComplexityOrUrgency(t *testing.T) {
	s := Stats{Effectiveness: 0.8, Feedback: 0.8, ResourceConsumption: 0.9, Urgency: 0.6}
	assert.InDelta(t, 0.7, Score(s), 1e-9)

	s.Complexity = 0.8
	assert.InDelta(t, 0.8, Score(s), 1e-9, "tolerance 0.9 absorbs the cost")
}

// #endregion classify-tests

// #region window-tests

func transitions(n int, before state.PhaseSpaceState, feedback float64) []trajectory.Transition {
	out := make([]trajectory.Transition, n)
	for i := range out {
		out[i] = trajectory.Transition{
			AgentID:   "a1",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Before:    before,
			After:     before,
			Outcome:   trajectory.Outcome{Feedback: feedback},
		}
	}
	return out
}

func TestWindows(t *testing.T) {
	trs := transitions(12, state.New(uniform(0.4), 1, t0), 0.6)
	trs[11].EventCount = 1

	points := Windows(trs, 10, 1)
	require.Len(t, points, 3)
	assert.InDelta(t, 0.4, points[0].Vector[state.Justice], 1e-9)
	assert.InDelta(t, 0.6, points[0].Stats.Feedback, 1e-9)
	assert.Equal(t, 0.0, points[1].Stats.SecurityRate)
	assert.InDelta(t, 0.1, points[2].Stats.SecurityRate, 1e-9)
	assert.Equal(t, trs[2].Timestamp, points[2].Start)
	assert.Equal(t, trs[11].Timestamp, points[2].End)

	assert.Empty(t, Windows(trs[:9], 10, 1), "fewer transitions than one window")
	assert.Len(t, Windows(trs, 10, 2), 2)
}

// #endregion window-tests

// #region discovery-tests

func seed(t *testing.T, store *trajectory.Store, agent string, n int, before state.PhaseSpaceState, feedback float64, flagged bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tr := trajectory.Transition{
			AgentID:   agent,
			ActionID:  "act",
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Before:    before,
			After:     before,
			Decision:  trajectory.Allow,
			Outcome:   trajectory.Outcome{Feedback: feedback},
		}
		var events []trajectory.SecurityEvent
		if flagged {
			events = []trajectory.SecurityEvent{{Kind: trajectory.KindViolation, Severity: trajectory.SeverityHigh}}
		}
		_, _, err := store.Append(ctx, tr, events)
		require.NoError(t, err)
	}
}

func TestDiscover_ClassifiesAndPersists(t *testing.T) {
	store, err := trajectory.Open(filepath.Join(t.TempDir(), "traj.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	snaps, err := snapshot.Open(snapshot.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	good := state.Neutral(t0).With(state.Effectiveness, 0.9).With(state.ResourceConsumption, 0.3)
	bad := state.Neutral(t0).With(state.Effectiveness, 0.2).With(state.Justice, 0.2)
	seed(t, store, "good", 20, good, 0.9, false)
	seed(t, store, "bad", 20, bad, 0.2, true)
	seed(t, store, "sparse", 5, good, 0.9, false)

	d := NewDiscoverer(store, snaps, nil)
	found, err := d.Discover(context.Background(), DefaultParams())
	require.NoError(t, err)
	require.Len(t, found, 2)

	byAgent := map[string]Attractor{}
	for _, a := range found {
		byAgent[a.AgentID] = a
		assert.GreaterOrEqual(t, a.Members, DefaultParams().MinSamples)
		assert.NotEmpty(t, a.RunID)
	}
	assert.Equal(t, Beneficial, byAgent["good"].Classification)
	assert.Equal(t, Detrimental, byAgent["bad"].Classification)
	assert.Equal(t, 11, byAgent["bad"].Members)
	assert.InDelta(t, 0.2, byAgent["bad"].Centroid.Get(state.Justice), 1e-9)

	stored, err := Load(snaps, "bad")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, byAgent["bad"].ID, stored[0].ID)

	none, err := Load(snaps, "sparse")
	require.NoError(t, err)
	assert.Empty(t, none)

	again, err := d.Discover(context.Background(), DefaultParams())
	require.NoError(t, err)
	ids := func(as []Attractor) map[string]bool {
		out := map[string]bool{}
		for _, a := range as {
			out[a.ID] = true
		}
		return out
	}
	assert.Equal(t, ids(found), ids(again), "attractor ids are stable across runs")

	rec, err := snaps.Get(snapshot.KindAttractors, "bad")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version)

	all, err := LoadAll(snaps)
	require.NoError(t, err)
	assert.Len(t, DetrimentalOf(all["bad"]), 1)
	assert.Empty(t, DetrimentalOf(all["good"]))

	scoped, err := d.Discover(context.Background(), DefaultParams(), "good")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "good", scoped[0].AgentID)
	rec, err = snaps.Get(snapshot.KindAttractors, "bad")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Version, "agents outside the scope are not rewritten")
}

func TestAttractor_Contains(t *testing.T) {
	a := Attractor{Centroid: state.New(uniform(0.3), 1, t0)}
	near := state.New(uniform(0.3), 1, t0).With(state.Justice, 0.8)
	far := state.New(uniform(0.9), 1, t0)
	assert.True(t, a.Contains(near, 0.6))
	assert.False(t, a.Contains(far, 0.6))
}

// #endregion discovery-tests
