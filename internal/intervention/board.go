package intervention

import (
	"maps"
	"sync/atomic"
)

// #region board

// Board is the read side of the intervention state: an immutable map
// swapped atomically on every committed change. Gate calls read it without
// locking; writers copy, modify and publish.
type Board struct {
	current atomic.Pointer[map[string]Intervention]
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	b := &Board{}
	empty := map[string]Intervention{}
	b.current.Store(&empty)
	return b
}

// Current returns the agent's most recently committed active intervention.
func (b *Board) Current(agentID string) (Intervention, bool) {
	iv, ok := (*b.current.Load())[agentID]
	if !ok || !iv.Active() {
		return Intervention{}, false
	}
	return iv, true
}

// All returns a copy of every published record.
func (b *Board) All() map[string]Intervention {
	return maps.Clone(*b.current.Load())
}

// publish replaces agent records, dropping any that are no longer active.
// Only the manager writes, from a single goroutine at a time.
func (b *Board) publish(records ...Intervention) {
	next := maps.Clone(*b.current.Load())
	for _, iv := range records {
		if iv.Active() {
			next[iv.AgentID] = iv
		} else {
			delete(next, iv.AgentID)
		}
	}
	b.current.Store(&next)
}

// #endregion board
