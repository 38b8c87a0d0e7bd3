package gate

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/phasegate/internal/snapshot"
	"github.com/danielpatrickdp/phasegate/internal/state"
)

// #region known-good

// Persister is the durable side of the known-good cache.
type Persister interface {
	Put(kind, agentID string, v any) (snapshot.Record, error)
	Get(kind, agentID string) (snapshot.Record, error)
}

// KnownGood caches each agent's last allowed state in memory, writing
// through to a snapshot store when one is configured so the cache survives
// restarts.
type KnownGood struct {
	states sync.Map // agent id → state.PhaseSpaceState
	store  Persister
	logger *zap.Logger
}

// NewKnownGood creates a cache. store may be nil.
func NewKnownGood(store Persister, logger *zap.Logger) *KnownGood {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KnownGood{store: store, logger: logger}
}

// Get returns the agent's last known-good state, loading it from the store
// on a miss.
func (k *KnownGood) Get(agentID string) (state.PhaseSpaceState, bool) {
	if v, ok := k.states.Load(agentID); ok {
		return v.(state.PhaseSpaceState), true
	}
	if k.store == nil {
		return state.PhaseSpaceState{}, false
	}
	rec, err := k.store.Get(snapshot.KindKnownGood, agentID)
	if err != nil {
		if !errors.Is(err, snapshot.ErrNotFound) {
			k.logger.Warn("load known-good state", zap.String("agent_id", agentID), zap.Error(err))
		}
		return state.PhaseSpaceState{}, false
	}
	var s state.PhaseSpaceState
	if err := rec.Decode(&s); err != nil {
		k.logger.Warn("decode known-good state", zap.String("agent_id", agentID), zap.Error(err))
		return state.PhaseSpaceState{}, false
	}
	actual, _ := k.states.LoadOrStore(agentID, s)
	return actual.(state.PhaseSpaceState), true
}

// Put records s as the agent's known-good state.
func (k *KnownGood) Put(agentID string, s state.PhaseSpaceState) {
	k.states.Store(agentID, s)
	if k.store == nil {
		return
	}
	if _, err := k.store.Put(snapshot.KindKnownGood, agentID, s); err != nil {
		k.logger.Warn("persist known-good state", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// #endregion known-good
