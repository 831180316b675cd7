// Package freshness implements the shared Freshness Cache (§4.F): a
// fixed-size table in shared memory invalidating a local in-process value
// cache against writes from any thread or process sharing the same
// database path.
//
// Grounded on calvinalkan-agent-task/pkg/slotcache's mmap'd shared table,
// simplified from its seqlock-guarded multi-word records to the spec's
// single atomically-accessed 64-bit word per slot (no seqlock needed).
package freshness

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CacheSize is the number of 8-byte slots in the shared table (§6.3).
const CacheSize = 1 << 16

const tableBytes = CacheSize * 8

// writeOverlapBuffer is TRANSACTION_OVERLAP_BUFFER from §4.F: while any
// snapshot is live, the revalidator will not clear a recent-write slot until
// the oldest live snapshot started at least this long after the write.
const writeOverlapBuffer = 10_000 // ms

// Table is the shared-memory slot array, mmap'd MAP_SHARED so every
// process opening the same database path observes the same words.
type Table struct {
	path  string
	data  []byte
	words []int64 // same backing bytes, viewed as int64 slots
}

// Open mmaps (creating and zero-filling if absent) the shared table backing
// file at path.
func Open(path string) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("freshness: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("freshness: stat %s: %w", path, err)
	}
	if fi.Size() < tableBytes {
		if err := f.Truncate(tableBytes); err != nil {
			return nil, fmt.Errorf("freshness: truncate %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, tableBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("freshness: mmap %s: %w", path, err)
	}

	t := &Table{path: path, data: data}
	t.words = unsafe.Slice((*int64)(unsafe.Pointer(&data[0])), CacheSize)
	return t, nil
}

// OpenAnonymous backs the table with process-local memory only, for
// single-process embedding or tests; it provides the same word-level API
// without a shared-memory-allocation failure path to fall back from.
func OpenAnonymous() *Table {
	data := make([]byte, tableBytes)
	t := &Table{data: data}
	t.words = unsafe.Slice((*int64)(unsafe.Pointer(&data[0])), CacheSize)
	return t
}

func (t *Table) slotPtr(idx uint32) *int64 {
	return &t.words[idx%CacheSize]
}

// Load atomically reads slot idx.
func (t *Table) Load(idx uint32) int64 {
	return atomic.LoadInt64(t.slotPtr(idx))
}

// Store atomically writes slot idx unconditionally (used by the write path,
// which needs no CAS semantics; the revalidator clears slots with CAS).
func (t *Table) Store(idx uint32, v int64) {
	atomic.StoreInt64(t.slotPtr(idx), v)
}

// CAS atomically updates slot idx from old to new, returning whether it
// succeeded.
func (t *Table) CAS(idx uint32, old, new int64) bool {
	return atomic.CompareAndSwapInt64(t.slotPtr(idx), old, new)
}

// IsWriteTag reports whether a slot word is in recent-write mode
// (sign=1: negated write timestamp).
func IsWriteTag(v int64) bool { return v < 0 }

// WriteTag encodes a recent-write timestamp for storage in a slot.
func WriteTag(nowMs int64) int64 { return -nowMs }

// WriteTagTimestamp decodes the write timestamp out of a write-tagged slot.
func WriteTagTimestamp(v int64) int64 { return -v }

// Close unmaps the shared table.
func (t *Table) Close() error {
	if t.data == nil {
		return nil
	}
	err := unix.Munmap(t.data)
	t.data = nil
	return err
}
