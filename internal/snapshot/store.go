package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// ErrNotFound is returned when no current record exists for a key.
var ErrNotFound = errors.New("snapshot: not found")

// Record kinds.
const (
	KindAttractors    = "attractors"
	KindInterventions = "interventions"
	KindKnownGood     = "known_good"
)

// #region config

// Config configures the badger-backed current-record table.
type Config struct {
	// Path is the database directory; ignored when InMemory is set.
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval     time.Duration `yaml:"gc_interval"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// DefaultConfig returns settings for a persistent table.
func DefaultConfig() Config {
	return Config{
		Path:           "phasegate-snapshots",
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// #endregion config

// #region record

// Record is the current value for one (kind, agent) key. Version increases
// by one on every overwrite.
type Record struct {
	Kind      string          `json:"kind"`
	AgentID   string          `json:"agent_id"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into out.
func (r Record) Decode(out any) error {
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", r.Kind, r.AgentID, err)
	}
	return nil
}

// #endregion record

// #region store

// Store is the versioned table of current attractor, intervention and
// last-known-good records, keyed "<kind>/<agent>".
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
}

// Open opens the table and starts value-log GC when configured.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("snapshot: path is required for a persistent table")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{s: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot table: %w", err)
	}

	s := &Store{db: db, logger: logger, now: time.Now, stop: make(chan struct{})}
	if !cfg.InMemory && cfg.GCInterval > 0 {
		s.wg.Add(1)
		go s.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.db.Close()
}

func (s *Store) gcLoop(interval time.Duration, ratio float64) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for s.db.RunValueLogGC(ratio) == nil {
			}
		}
	}
}

// Put overwrites the current record for (kind, agentID) with v, bumping its
// version. Conflicting concurrent writers are retried.
func (s *Store) Put(kind, agentID string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s/%s: %w", kind, agentID, err)
	}
	k := key(kind, agentID)

	var rec Record
	for attempt := 0; attempt < 5; attempt++ {
		err = s.db.Update(func(txn *badger.Txn) error {
			var version uint64
			prev, err := getRecord(txn, k)
			switch {
			case err == nil:
				version = prev.Version
			case !errors.Is(err, ErrNotFound):
				return err
			}
			rec = Record{
				Kind:      kind,
				AgentID:   agentID,
				Version:   version + 1,
				UpdatedAt: s.now().UTC(),
				Data:      data,
			}
			encoded, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			return txn.Set(k, encoded)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return Record{}, fmt.Errorf("put %s/%s: %w", kind, agentID, err)
	}
	return rec, nil
}

// Get returns the current record for (kind, agentID).
func (s *Store) Get(kind, agentID string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, key(kind, agentID))
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", kind, agentID, err)
	}
	return rec, nil
}

// List returns every current record of a kind, ordered by agent id.
func (s *Store) List(kind string) ([]Record, error) {
	prefix := []byte(kind + "/")
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	return out, nil
}

// Delete removes the current record for (kind, agentID), if any.
func (s *Store) Delete(kind, agentID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(kind, agentID))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, agentID, err)
	}
	return nil
}

func getRecord(txn *badger.Txn, k []byte) (Record, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func key(kind, agentID string) []byte {
	return []byte(kind + "/" + agentID)
}

// #endregion store

// #region logger

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.s.Errorf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.s.Warnf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.s.Debugf(strings.TrimSpace(format), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.s.Debugf(strings.TrimSpace(format), args...)
}

// #endregion logger
