package signals

import (
	"sync"
	"time"
)

// #region series

type observation struct {
	value float64
	at    time.Time
}

// series is a fixed-capacity ring of the most recent observations of one kind.
type series struct {
	buf  []observation
	next int
	n    int
}

func newSeries(capacity int) *series {
	return &series{buf: make([]observation, capacity)}
}

func (s *series) add(o observation) {
	s.buf[s.next] = o
	s.next = (s.next + 1) % len(s.buf)
	if s.n < len(s.buf) {
		s.n++
	}
}

func (s *series) len() int { return s.n }

func (s *series) sum() float64 {
	var total float64
	for i := 0; i < s.n; i++ {
		total += s.buf[i].value
	}
	return total
}

// mean returns the average value and false when the series is empty.
func (s *series) mean() (float64, bool) {
	if s.n == 0 {
		return 0, false
	}
	return s.sum() / float64(s.n), true
}

// since counts observations at or after t.
func (s *series) since(t time.Time) int {
	count := 0
	for i := 0; i < s.n; i++ {
		if !s.buf[i].at.Before(t) {
			count++
		}
	}
	return count
}

// #endregion series

// #region registry

// record guards one agent's aggregate. Updates for the same agent serialize
// on mu; different agents never share a lock.
type record[T any] struct {
	mu  sync.Mutex
	agg *T
}

// registry is a keyed store of per-agent aggregates. The map lock is only
// held for lookup and insertion.
type registry[T any] struct {
	mu     sync.RWMutex
	agents map[string]*record[T]
	create func() *T
}

func newRegistry[T any](create func() *T) *registry[T] {
	return &registry[T]{agents: make(map[string]*record[T]), create: create}
}

// lookup returns the agent's record without creating one.
func (r *registry[T]) lookup(agentID string) (*record[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[agentID]
	return rec, ok
}

// getOrCreate returns the agent's record, creating it on first use.
func (r *registry[T]) getOrCreate(agentID string) *record[T] {
	if rec, ok := r.lookup(agentID); ok {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[agentID]; ok {
		return rec
	}
	rec := &record[T]{agg: r.create()}
	r.agents[agentID] = rec
	return rec
}

func (r *registry[T]) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for id := range r.agents {
		out = append(out, id)
	}
	return out
}

// #endregion registry
