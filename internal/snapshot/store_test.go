package snapshot

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Level string  `json:"level"`
	Score float64 `json:"score"`
}

func memStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetVersions(t *testing.T) {
	s := memStore(t)

	r1, err := s.Put(KindInterventions, "a1", payload{Level: "warning", Score: 0.1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Version)

	r2, err := s.Put(KindInterventions, "a1", payload{Level: "throttle", Score: 0.2})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Version)

	got, err := s.Get(KindInterventions, "a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)

	var p payload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, payload{Level: "throttle", Score: 0.2}, p)
}

func TestGetMissing(t *testing.T) {
	s := memStore(t)
	_, err := s.Get(KindAttractors, "nobody")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListByKind(t *testing.T) {
	s := memStore(t)
	for _, id := range []string{"b", "a", "c"} {
		_, err := s.Put(KindAttractors, id, payload{Level: id})
		require.NoError(t, err)
	}
	_, err := s.Put(KindKnownGood, "a", payload{})
	require.NoError(t, err)

	recs, err := s.List(KindAttractors)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].AgentID)
	assert.Equal(t, "c", recs[2].AgentID)

	require.NoError(t, s.Delete(KindAttractors, "b"))
	recs, _ = s.List(KindAttractors)
	assert.Len(t, recs, 2)
}

func TestConcurrentPutsBumpVersion(t *testing.T) {
	s := memStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, _ = s.Put(KindKnownGood, "a1", payload{Score: float64(j)})
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(KindKnownGood, "a1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Version, uint64(1))
	assert.LessOrEqual(t, got.Version, uint64(20))
}

func TestPersistentReopen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "snap")
	cfg.GCInterval = 0

	s, err := Open(cfg, nil)
	require.NoError(t, err)
	_, err = s.Put(KindInterventions, "a1", payload{Level: "restrict"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(KindInterventions, "a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}
