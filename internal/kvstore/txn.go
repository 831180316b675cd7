package kvstore

import (
	"sync"

	"go.etcd.io/bbolt"
)

type txnState int

const (
	stateBuffering txnState = iota
	stateCommitting
	stateAborting
	stateTerminal
)

type bufferedWrite struct {
	value  []byte
	delete bool
}

// Txn is one transaction against a Store, spanning any number of its
// column families. Grounded on server/mvcc/backend/batch_tx.go's buffered
// writes flushed to the embedded store on commit, combined with
// key_index.go-derived conflict detection.
type Txn struct {
	id          int64
	store       *Store
	pessimistic bool
	nowMs       func() uint64

	mu       sync.Mutex
	state    txnState
	snapshot *Snapshot
	writes   map[string]map[string]bufferedWrite
	readSet  map[string]map[string]Revision
	locked   map[string]map[string]bool
}

// Begin starts a new transaction. id is the caller-assigned txn-id (owned
// by the Transaction Engine, not this package); nowMs supplies the
// monotonic timestamp used to stamp the snapshot's start time.
func (s *Store) Begin(id int64, pessimistic bool, nowMs func() uint64) *Txn {
	return &Txn{
		id:          id,
		store:       s,
		pessimistic: pessimistic,
		nowMs:       nowMs,
		writes:      make(map[string]map[string]bufferedWrite),
		readSet:     make(map[string]map[string]Revision),
		locked:      make(map[string]map[string]bool),
	}
}

func (t *Txn) ensureSnapshot() (*Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.snapshot == nil {
		snap, err := t.store.acquireSnapshot(t.nowMs())
		if err != nil {
			return nil, err
		}
		t.snapshot = snap
	}
	return t.snapshot, nil
}

func (t *Txn) bufferFor(cf string) map[string]bufferedWrite {
	m, ok := t.writes[cf]
	if !ok {
		m = make(map[string]bufferedWrite)
		t.writes[cf] = m
	}
	return m
}

// Put buffers a write; visible to this transaction's own subsequent reads
// but invisible to others until Commit.
func (t *Txn) Put(cf string, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateTerminal || t.state == stateAborting {
		return nil
	}
	if t.pessimistic {
		if !t.store.locks.tryAcquire(cf, key, t.id) {
			return ErrBusy
		}
		t.markLocked(cf, key)
	}
	t.bufferFor(cf)[string(key)] = bufferedWrite{value: append([]byte(nil), value...)}
	return nil
}

// Remove buffers a delete.
func (t *Txn) Remove(cf string, key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateTerminal || t.state == stateAborting {
		return nil
	}
	if t.pessimistic {
		if !t.store.locks.tryAcquire(cf, key, t.id) {
			return ErrBusy
		}
		t.markLocked(cf, key)
	}
	t.bufferFor(cf)[string(key)] = bufferedWrite{delete: true}
	return nil
}

func (t *Txn) markLocked(cf string, key []byte) {
	m, ok := t.locked[cf]
	if !ok {
		m = make(map[string]bool)
		t.locked[cf] = m
	}
	m[string(key)] = true
}

// Get reads through the transaction's buffered writes, then its snapshot,
// recording the observed revision for optimistic validation at commit.
func (t *Txn) Get(cf string, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	if w, ok := t.writes[cf][string(key)]; ok {
		t.mu.Unlock()
		if w.delete {
			return nil, false, nil
		}
		return w.value, true, nil
	}
	t.mu.Unlock()

	snap, err := t.ensureSnapshot()
	if err != nil {
		return nil, false, err
	}
	v, ok := snap.Get(cf, key)

	if !t.pessimistic {
		rev, _ := t.store.indexFor(cf).get(key)
		t.mu.Lock()
		rs, exists := t.readSet[cf]
		if !exists {
			rs = make(map[string]Revision)
			t.readSet[cf] = rs
		}
		rs[string(key)] = rev
		t.mu.Unlock()
	}
	return v, ok, nil
}

// GetRange iterates the snapshot's keys in key order, applying this
// transaction's buffered overwrites and deletes to them. Keys buffered by
// Put that are not already in the snapshot are not visited.
func (t *Txn) GetRange(cf string, start, end []byte, limit int, visit func(k, v []byte) bool) error {
	snap, err := t.ensureSnapshot()
	if err != nil {
		return err
	}
	n := 0
	snap.Range(cf, start, end, 0, func(k, v []byte) bool {
		t.mu.Lock()
		w, overridden := t.writes[cf][string(k)]
		t.mu.Unlock()
		if overridden {
			if w.delete {
				return true
			}
			v = w.value
		}
		n++
		cont := visit(k, v)
		if limit > 0 && n >= limit {
			return false
		}
		return cont
	})
	return nil
}

// Commit validates (optimistic mode) and applies all buffered writes in
// one bbolt transaction, bumping the revision index for every touched key.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state == stateTerminal {
		t.mu.Unlock()
		return ErrTerminal
	}
	t.state = stateCommitting
	writes := t.writes
	readSet := t.readSet
	snap := t.snapshot
	t.mu.Unlock()

	if !t.pessimistic && snap != nil {
		for cf, keys := range writes {
			idx := t.store.indexFor(cf)
			for k := range keys {
				if rev, ok := idx.get([]byte(k)); ok && rev.Main > snap.StartRevision {
					t.finishTerminal()
					return ErrBusy
				}
			}
		}
		for cf, keys := range readSet {
			idx := t.store.indexFor(cf)
			for k, seen := range keys {
				if cur, ok := idx.get([]byte(k)); ok && cur.Main > seen.Main {
					t.finishTerminal()
					return ErrBusy
				}
			}
		}
	}

	main := t.store.nextRevision()
	var sub int64
	err := t.store.db.Update(func(tx *bbolt.Tx) error {
		for cf, keys := range writes {
			b, err := tx.CreateBucketIfNotExists([]byte(cf))
			if err != nil {
				return err
			}
			idx := t.store.indexFor(cf)
			for k, w := range keys {
				if w.delete {
					if err := b.Delete([]byte(k)); err != nil {
						return err
					}
					idx.delete([]byte(k))
				} else {
					if err := b.Put([]byte(k), w.value); err != nil {
						return err
					}
					idx.set([]byte(k), Revision{Main: main, Sub: sub})
				}
				sub++
			}
		}
		return nil
	})
	t.finishTerminal()
	if err != nil {
		return err
	}
	return nil
}

// Abort releases the snapshot and pessimistic locks without applying
// anything buffered.
func (t *Txn) Abort() {
	t.mu.Lock()
	t.state = stateAborting
	t.mu.Unlock()
	t.finishTerminal()
}

func (t *Txn) finishTerminal() {
	t.mu.Lock()
	snap := t.snapshot
	t.snapshot = nil
	t.state = stateTerminal
	t.mu.Unlock()
	if snap != nil {
		snap.Release()
	}
	if t.pessimistic {
		t.store.locks.release(t.id)
	}
}
