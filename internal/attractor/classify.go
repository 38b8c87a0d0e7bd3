package attractor

import (
	"time"

	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// #region classify

// Score rates outcome statistics: mean of effectiveness and feedback, minus
// resource use beyond what the task's complexity or urgency tolerates,
// minus twice the security-event rate.
func Score(s Stats) float64 {
	tolerance := max(0.5+0.5*s.Complexity, 0.5+0.5*s.Urgency)
	costPenalty := max(0, s.ResourceConsumption-tolerance)
	securityPenalty := 2 * s.SecurityRate
	return (s.Effectiveness+s.Feedback)/2 - costPenalty - securityPenalty
}

// Classify returns the classification and score of s.
func Classify(s Stats) (Classification, float64) {
	score := Score(s)
	switch {
	case score > 0.6 && s.SecurityRate < 0.1:
		return Beneficial, score
	case score < 0.3 || s.SecurityRate > 0.3:
		return Detrimental, score
	}
	return Neutral, score
}

// #endregion classify

// #region windows

// Windows slides a window of size over transitions (in timestamp order)
// with the given stride. Each point is the window's mean before-state with
// its outcome statistics; the security rate is the share of transitions
// carrying an event.
func Windows(trs []trajectory.Transition, size, stride int) []Point {
	if size <= 0 || stride <= 0 || len(trs) < size {
		return nil
	}
	var points []Point
	for start := 0; start+size <= len(trs); start += stride {
		window := trs[start : start+size]
		var sum state.Vector
		var stats Stats
		for _, tr := range window {
			v := tr.Before.Vector()
			for d := range sum {
				sum[d] += v[d]
			}
			flagged := 0.0
			if tr.EventCount > 0 {
				flagged = 1
			}
			stats = stats.add(Stats{
				Effectiveness:       v[state.Effectiveness],
				ResourceConsumption: v[state.ResourceConsumption],
				Feedback:            tr.Outcome.Feedback,
				SecurityRate:        flagged,
				Complexity:          tr.Outcome.Complexity,
				Urgency:             tr.Outcome.Urgency,
			})
		}
		n := float64(size)
		for d := range sum {
			sum[d] /= n
		}
		points = append(points, Point{
			Vector: sum,
			Stats:  stats.scale(1 / n),
			Start:  window[0].Timestamp,
			End:    window[size-1].Timestamp,
		})
	}
	return points
}

// Summarize builds attractors from labelled points, one per cluster, in
// label order.
func Summarize(agentID string, points []Point, labels []int, at time.Time) []Attractor {
	type acc struct {
		members []state.Vector
		stats   Stats
	}
	var clusters []*acc
	for i, l := range labels {
		if l < 0 {
			continue
		}
		for len(clusters) <= l {
			clusters = append(clusters, &acc{})
		}
		clusters[l].members = append(clusters[l].members, points[i].Vector)
		clusters[l].stats = clusters[l].stats.add(points[i].Stats)
	}

	out := make([]Attractor, 0, len(clusters))
	for label, c := range clusters {
		if len(c.members) == 0 {
			continue
		}
		n := float64(len(c.members))
		var centroid state.Vector
		for _, m := range c.members {
			for d := range centroid {
				centroid[d] += m[d] / n
			}
		}
		radius := 0.0
		for _, m := range c.members {
			radius = max(radius, centroid.Distance(m))
		}
		stats := c.stats.scale(1 / n)
		class, score := Classify(stats)
		out = append(out, Attractor{
			ID:             attractorID(agentID, label, centroid),
			AgentID:        agentID,
			Label:          label,
			Centroid:       state.New(centroid, 1, at),
			Members:        len(c.members),
			Radius:         radius,
			Classification: class,
			Score:          score,
			Stats:          stats,
			DiscoveredAt:   at,
		})
	}
	return out
}

// #endregion windows
