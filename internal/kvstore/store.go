// Package kvstore is the underlying ordered key/value collaborator the
// spec treats as an external dependency (§1): column families as bbolt
// buckets, snapshots as pinned read transactions, a per-key revision
// index driving optimistic conflict detection, and an in-process key-lock
// table driving pessimistic conflict detection.
//
// Grounded on server/mvcc/backend/backend.go's bbolt-wrapping lifecycle and
// server/mvcc/key_index.go's revision bookkeeping, narrowed from MVCC
// compaction history to "current revision per key".
package kvstore

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Config configures a Store, following backend.BackendConfig's
// options-struct-plus-constructor idiom.
type Config struct {
	Path           string
	ColumnFamilies []string
	NoSync         bool
}

func DefaultConfig(path string, columnFamilies []string) Config {
	return Config{Path: path, ColumnFamilies: columnFamilies}
}

// Store owns one bbolt database file shared by all its column families.
type Store struct {
	lg *zap.Logger
	db *bbolt.DB

	mu       sync.RWMutex
	indexes  map[string]*revisionIndex // column family -> revision index
	nextMain int64

	snapMu    sync.Mutex
	snapshots map[int64]*Snapshot
	nextSnap  int64

	locks lockTable
}

// Open opens (creating if absent) the bbolt file at cfg.Path, ensuring a
// bucket exists for every named column family.
func Open(lg *zap.Logger, cfg Config) (*Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	opts := *bbolt.DefaultOptions
	opts.NoSync = cfg.NoSync
	db, err := bbolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", cfg.Path, err)
	}
	s := &Store{
		lg:        lg,
		db:        db,
		indexes:   make(map[string]*revisionIndex),
		snapshots: make(map[int64]*Snapshot),
		locks:     newLockTable(),
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, cf := range cfg.ColumnFamilies {
			if _, err := tx.CreateBucketIfNotExists([]byte(cf)); err != nil {
				return err
			}
			s.indexes[cf] = newRevisionIndex()
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: init buckets: %w", err)
	}
	if err := s.rebuildIndexes(cfg.ColumnFamilies); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// rebuildIndexes seeds each column family's revision index from the bucket
// contents so conflict detection is correct across a reopen. The revision
// recorded for pre-existing keys is revision 0 (older than any revision a
// live transaction could have observed as its own).
func (s *Store) rebuildIndexes(cfs []string) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		for _, cf := range cfs {
			b := tx.Bucket([]byte(cf))
			idx := s.indexes[cf]
			c := b.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				idx.set(k, Revision{})
			}
		}
		return nil
	})
}

func (s *Store) indexFor(cf string) *revisionIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indexes[cf]
	if !ok {
		idx = newRevisionIndex()
		s.indexes[cf] = idx
	}
	return idx
}

// nextRevision allocates the main revision for one committing transaction;
// sub disambiguates multiple keys touched within it.
func (s *Store) nextRevision() int64 {
	return atomic.AddInt64(&s.nextMain, 1)
}

// OldestSnapshotTimestamp returns the smallest start timestamp among all
// live snapshots, or 0 when none are outstanding.
func (s *Store) OldestSnapshotTimestamp() uint64 {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	var oldest uint64
	for _, snap := range s.snapshots {
		if oldest == 0 || snap.StartTimestamp < oldest {
			oldest = snap.StartTimestamp
		}
	}
	return oldest
}

func (s *Store) registerSnapshot(startTS uint64, startRev int64) *Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	s.nextSnap++
	snap := &Snapshot{id: s.nextSnap, StartTimestamp: startTS, StartRevision: startRev, store: s}
	s.snapshots[snap.id] = snap
	return snap
}

func (s *Store) releaseSnapshot(id int64) {
	s.snapMu.Lock()
	delete(s.snapshots, id)
	s.snapMu.Unlock()
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CFStats reports the live key count of cf plus the underlying bbolt
// database's page statistics, backing the Database Handle's get_property
// (§6.4 enableStats/statsLevel).
func (s *Store) CFStats(cf string) (keyCount int, dbStats bbolt.Stats, err error) {
	dbStats = s.db.Stats()
	err = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cf))
		if b == nil {
			return fmt.Errorf("kvstore: unknown column family %q", cf)
		}
		keyCount = b.Stats().KeyN
		return nil
	})
	return keyCount, dbStats, err
}
