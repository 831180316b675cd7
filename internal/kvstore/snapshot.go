package kvstore

import "go.etcd.io/bbolt"

// Snapshot is a registered (id, start-revision, start-timestamp) triple
// pinning a consistent view of the store. A transaction's reads are served
// by overlaying its buffered writes on top of the bbolt read transaction
// pinned at acquire time.
type Snapshot struct {
	id             int64
	StartTimestamp uint64
	StartRevision  int64

	store *Store
	tx    *bbolt.Tx
}

func (s *Store) acquireSnapshot(nowMs uint64) (*Snapshot, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	snap := s.registerSnapshot(nowMs, s.nextMain)
	snap.tx = tx
	return snap, nil
}

// Get reads key from the column family cf as of this snapshot.
func (snap *Snapshot) Get(cf string, key []byte) ([]byte, bool) {
	b := snap.tx.Bucket([]byte(cf))
	if b == nil {
		return nil, false
	}
	v := b.Get(key)
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Range iterates [start, end) of cf as of this snapshot, in key order,
// stopping after limit results when limit > 0.
func (snap *Snapshot) Range(cf string, start, end []byte, limit int, visit func(k, v []byte) bool) {
	b := snap.tx.Bucket([]byte(cf))
	if b == nil {
		return
	}
	c := b.Cursor()
	n := 0
	for k, v := c.Seek(start); k != nil; k, v = c.Next() {
		if end != nil && string(k) >= string(end) {
			break
		}
		if !visit(k, v) {
			break
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
}

// Release closes the underlying read transaction and deregisters the
// snapshot, allowing OldestSnapshotTimestamp to advance past it.
func (snap *Snapshot) Release() {
	if snap.tx != nil {
		snap.tx.Rollback()
		snap.tx = nil
	}
	snap.store.releaseSnapshot(snap.id)
}
