package attractor

import (
	"github.com/danielpatrickdp/phasegate/internal/state"
)

// Noise labels a point that belongs to no cluster.
const Noise = -1

// #region clusterer

// Clusterer assigns cluster labels to points. Labels are 0..k-1 in order of
// first appearance; Noise marks unclustered points.
type Clusterer interface {
	Cluster(points []state.Vector) []int
}

// DBSCAN is density-based clustering under Euclidean distance. A point's
// neighborhood includes the point itself. Output depends only on input
// order.
type DBSCAN struct {
	Eps        float64
	MinSamples int
}

const unvisited = -2

// Cluster labels points. Clusters smaller than MinSamples, which happens
// when border points are claimed by an earlier cluster, are demoted to
// noise.
func (d DBSCAN) Cluster(points []state.Vector) []int {
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := d.region(points, i)
		if len(neighbors) < d.MinSamples {
			labels[i] = Noise
			continue
		}

		c := next
		next++
		labels[i] = c
		queue := neighbors
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == Noise {
				labels[j] = c
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = c
			if nb := d.region(points, j); len(nb) >= d.MinSamples {
				queue = append(queue, nb...)
			}
		}
	}
	return relabel(labels, d.MinSamples)
}

func (d DBSCAN) region(points []state.Vector, i int) []int {
	var out []int
	for j := range points {
		if points[i].Distance(points[j]) <= d.Eps {
			out = append(out, j)
		}
	}
	return out
}

// relabel demotes undersized clusters and renumbers the rest in order of
// first appearance.
func relabel(labels []int, minSize int) []int {
	sizes := map[int]int{}
	for _, l := range labels {
		if l >= 0 {
			sizes[l]++
		}
	}
	renamed := map[int]int{}
	out := make([]int, len(labels))
	for i, l := range labels {
		if l < 0 || sizes[l] < minSize {
			out[i] = Noise
			continue
		}
		n, ok := renamed[l]
		if !ok {
			n = len(renamed)
			renamed[l] = n
		}
		out[i] = n
	}
	return out
}

// #endregion clusterer
