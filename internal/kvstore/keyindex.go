package kvstore

import (
	"bytes"
	"sync"

	"github.com/google/btree"
)

// Revision identifies a committed write's position in a column family's
// history: main increases once per committing transaction, sub
// disambiguates multiple keys touched by that same transaction.
//
// Grounded on server/mvcc/key_index.go's revision type, narrowed from
// MVCC-compaction generation bookkeeping to "current revision per key".
type Revision struct {
	Main int64
	Sub  int64
}

func (r Revision) GreaterThan(o Revision) bool {
	if r.Main != o.Main {
		return r.Main > o.Main
	}
	return r.Sub > o.Sub
}

type revIndexItem struct {
	key []byte
	rev Revision
}

func revLess(a, b *revIndexItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// revisionIndex tracks the current revision of every live key in one
// column family, consulted by optimistic commit validation. Pessimistic
// write-time conflict checks use the lockTable instead.
type revisionIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*revIndexItem]
}

func newRevisionIndex() *revisionIndex {
	return &revisionIndex{tree: btree.NewG(32, revLess)}
}

func (ri *revisionIndex) get(key []byte) (Revision, bool) {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	item, ok := ri.tree.Get(&revIndexItem{key: key})
	if !ok {
		return Revision{}, false
	}
	return item.rev, true
}

func (ri *revisionIndex) set(key []byte, rev Revision) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	k := append([]byte(nil), key...)
	ri.tree.ReplaceOrInsert(&revIndexItem{key: k, rev: rev})
}

func (ri *revisionIndex) delete(key []byte) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.tree.Delete(&revIndexItem{key: key})
}
