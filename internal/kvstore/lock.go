package kvstore

import "sync"

// lockTable is the in-process key-lock table pessimistic transactions
// consult: a put/remove against a key held by another live transaction
// fails immediately with BUSY instead of waiting.
type lockTable struct {
	mu    sync.Mutex
	held  map[string]int64 // "cf\x00key" -> owning txn id
}

func newLockTable() lockTable {
	return lockTable{held: make(map[string]int64)}
}

func lockKey(cf string, key []byte) string {
	b := make([]byte, 0, len(cf)+1+len(key))
	b = append(b, cf...)
	b = append(b, 0)
	b = append(b, key...)
	return string(b)
}

// tryAcquire claims cf/key for owner, returning false if another owner
// already holds it.
func (lt *lockTable) tryAcquire(cf string, key []byte, owner int64) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	k := lockKey(cf, key)
	if cur, ok := lt.held[k]; ok && cur != owner {
		return false
	}
	lt.held[k] = owner
	return true
}

// release drops every lock held by owner.
func (lt *lockTable) release(owner int64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for k, v := range lt.held {
		if v == owner {
			delete(lt.held, k)
		}
	}
}
