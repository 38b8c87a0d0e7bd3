package attractor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/phasegate/internal/metrics"
	"github.com/danielpatrickdp/phasegate/internal/snapshot"
	"github.com/danielpatrickdp/phasegate/internal/state"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

// namespace seeds deterministic attractor ids.
var namespace = uuid.MustParse("6f1c1f0e-3b1a-4d43-9a8e-2f0d7c5b9a11")

func attractorID(agentID string, label int, centroid state.Vector) string {
	return uuid.NewSHA1(namespace, fmt.Appendf(nil, "%s|%d|%.6f", agentID, label, centroid[:])).String()
}

// #region discoverer

// Source is the trajectory read side used by discovery.
type Source interface {
	Agents(ctx context.Context) ([]string, error)
	Transitions(ctx context.Context, q trajectory.Query) ([]trajectory.Transition, error)
}

// Snapshots is the current-record table attractors are written to.
type Snapshots interface {
	Put(kind, agentID string, v any) (snapshot.Record, error)
	Get(kind, agentID string) (snapshot.Record, error)
	List(kind string) ([]snapshot.Record, error)
}

// Discoverer runs attractor discovery over the trajectory store.
type Discoverer struct {
	source    Source
	snapshots Snapshots
	logger    *zap.Logger
	now       func() time.Time

	// NewClusterer builds the clustering strategy for a run. Defaults to DBSCAN.
	NewClusterer func(Params) Clusterer
}

// NewDiscoverer creates a discoverer. snapshots may be nil, in which case
// results are returned but not persisted.
func NewDiscoverer(source Source, snapshots Snapshots, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		source:    source,
		snapshots: snapshots,
		logger:    logger,
		now:       time.Now,
		NewClusterer: func(p Params) Clusterer {
			return DBSCAN{Eps: p.Eps, MinSamples: p.MinSamples}
		},
	}
}

// Discover clusters the trajectories of agentIDs, or of every recorded agent
// when none are given, and replaces each agent's attractor record. Agents run
// concurrently up to p.Concurrency; the first error cancels the run.
func (d *Discoverer) Discover(ctx context.Context, p Params, agentIDs ...string) ([]Attractor, error) {
	start := d.now()
	runID := uuid.NewString()

	attractors, err := d.discover(ctx, p, agentIDs, runID, start)
	classes := make([]string, len(attractors))
	for i, a := range attractors {
		classes[i] = string(a.Classification)
	}
	metrics.RecordDiscovery(d.now().Sub(start), err, classes)
	if err != nil {
		d.logger.Error("attractor discovery failed", zap.String("run_id", runID), zap.Error(err))
		return nil, err
	}
	d.logger.Info("attractor discovery complete",
		zap.String("run_id", runID),
		zap.Int("attractors", len(attractors)),
		zap.Duration("elapsed", d.now().Sub(start)),
	)
	return attractors, nil
}

func (d *Discoverer) discover(ctx context.Context, p Params, agents []string, runID string, at time.Time) ([]Attractor, error) {
	if len(agents) == 0 {
		var err error
		if agents, err = d.source.Agents(ctx); err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
	}

	results := make([][]Attractor, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.Concurrency))
	for i, agentID := range agents {
		g.Go(func() error {
			found, err := d.DiscoverAgent(gctx, agentID, p, at)
			if err != nil {
				return err
			}
			for j := range found {
				found[j].RunID = runID
			}
			if err := d.save(agentID, found); err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Attractor
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// DiscoverAgent clusters one agent's trajectory without persisting.
func (d *Discoverer) DiscoverAgent(ctx context.Context, agentID string, p Params, at time.Time) ([]Attractor, error) {
	q := trajectory.Query{AgentID: agentID}
	if p.Lookback > 0 {
		q.Since = at.Add(-p.Lookback)
	}
	trs, err := d.source.Transitions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load trajectory %s: %w", agentID, err)
	}
	points := Windows(trs, p.WindowSize, p.Stride)
	if len(points) < p.MinSamples {
		return nil, nil
	}
	vectors := make([]state.Vector, len(points))
	for i, pt := range points {
		vectors[i] = pt.Vector
	}
	labels := d.NewClusterer(p).Cluster(vectors)
	return Summarize(agentID, points, labels, at), nil
}

func (d *Discoverer) save(agentID string, found []Attractor) error {
	if d.snapshots == nil {
		return nil
	}
	if found == nil {
		found = []Attractor{}
	}
	if _, err := d.snapshots.Put(snapshot.KindAttractors, agentID, found); err != nil {
		return fmt.Errorf("save attractors %s: %w", agentID, err)
	}
	return nil
}

// #endregion discoverer

// #region load

// Load returns the agent's current attractors. An agent never discovered
// has none.
func Load(s Snapshots, agentID string) ([]Attractor, error) {
	rec, err := s.Get(snapshot.KindAttractors, agentID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load attractors %s: %w", agentID, err)
	}
	var out []Attractor
	if err := rec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAll returns every agent's current attractors keyed by agent.
func LoadAll(s Snapshots) (map[string][]Attractor, error) {
	recs, err := s.List(snapshot.KindAttractors)
	if err != nil {
		return nil, fmt.Errorf("list attractors: %w", err)
	}
	out := make(map[string][]Attractor, len(recs))
	for _, rec := range recs {
		var as []Attractor
		if err := rec.Decode(&as); err != nil {
			return nil, err
		}
		out[rec.AgentID] = as
	}
	return out, nil
}

// DetrimentalOf filters to Detrimental attractors.
func DetrimentalOf(as []Attractor) []Attractor {
	var out []Attractor
	for _, a := range as {
		if a.Classification == Detrimental {
			out = append(out, a)
		}
	}
	return out
}

// #endregion load
