package freshness

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/txnkv/core"
)

// Store is the read-through collaborator the freshness Cache sits in
// front of: the underlying key/value store's Get/Put, parameterized over
// CachedValue so the cache doesn't need to know column-family shapes.
type Store interface {
	ReadThrough(key Key) (*CachedValue, bool, error)
	WriteThrough(key Key, value *CachedValue) error
}

// OldestSnapshotSource supplies the revalidator with the oldest live
// snapshot's start timestamp, in milliseconds since epoch (0 = none live).
type OldestSnapshotSource func() uint64

// Cache implements the read/write paths of §4.F: a shared Table
// coordinating a LocalCache against concurrent writers.
type Cache struct {
	lg    *zap.Logger
	table *Table
	local *LocalCache
	store Store

	nowMs func() int64
}

func New(lg *zap.Logger, table *Table, store Store, softBound int, nowMs func() int64) *Cache {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Cache{lg: lg, table: table, local: NewLocalCache(softBound), store: store, nowMs: nowMs}
}

// Get implements the read path: serve from the local cache if the slot
// still confirms the cached version fresh; otherwise read through and
// opportunistically repopulate the slot and local cache. A value read while
// the slot is write-tagged is returned but not cached.
func (c *Cache) Get(key Key) (*CachedValue, error) {
	if !validKeyKind(key) {
		return nil, core.New(core.KindInvalidKeyType, "unrecognized key kind %d", key.Kind)
	}
	idx := SlotIndex(key)

	if cv, ok := c.local.Get(cacheKeyString(key)); ok {
		h := HashValue(key, cv.Version)
		if c.table.Load(idx) == h {
			return cv, nil
		}
	}

	cv, ok, err := c.store.ReadThrough(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	prev := c.table.Load(idx)
	if !IsWriteTag(prev) {
		h := HashValue(key, cv.Version)
		c.table.CAS(idx, prev, h)
		c.local.Put(cacheKeyString(key), cv)
	}
	return cv, nil
}

// PutSync implements the write path: tag the slot as a recent write before
// delegating to the underlying store, so no concurrent reader can
// repopulate the cache with a value older than this write.
func (c *Cache) PutSync(key Key, value *CachedValue) error {
	if !validKeyKind(key) {
		return core.New(core.KindInvalidKeyType, "unrecognized key kind %d", key.Kind)
	}
	if value == nil {
		return core.New(core.KindInvalidValue, "value required")
	}
	idx := SlotIndex(key)
	c.table.Store(idx, WriteTag(c.nowMs()))
	c.local.Delete(cacheKeyString(key))
	return c.store.WriteThrough(key, value)
}

func validKeyKind(k Key) bool {
	switch k.Kind {
	case KindInt, KindFloat, KindString, KindArray, KindOpaque:
		return true
	default:
		return false
	}
}

func cacheKeyString(k Key) string {
	switch k.Kind {
	case KindString, KindOpaque:
		return k.Str
	case KindInt:
		return "i:" + strconv.FormatInt(k.Int, 10)
	case KindFloat:
		return "f:" + strconv.FormatFloat(k.Float, 'g', -1, 64)
	default:
		return k.Str
	}
}

// Revalidator periodically sweeps write-tagged slots, clearing them back
// to cacheable once no live snapshot could observe a value older than the
// recorded write.
type Revalidator struct {
	table        *Table
	oldestSource OldestSnapshotSource
	interval     time.Duration
	stop         chan struct{}
}

func NewRevalidator(table *Table, oldest OldestSnapshotSource, interval time.Duration) *Revalidator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Revalidator{table: table, oldestSource: oldest, interval: interval, stop: make(chan struct{})}
}

// Run sweeps until Stop is called; intended to be run in its own
// goroutine, one per database handle.
func (r *Revalidator) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stop:
			return
		}
	}
}

func (r *Revalidator) sweepOnce() {
	oldest := r.oldestSource()
	for idx := uint32(0); idx < CacheSize; idx++ {
		v := r.table.Load(idx)
		if !IsWriteTag(v) {
			continue
		}
		writeTS := WriteTagTimestamp(v)
		if oldest == 0 || uint64(writeTS)+writeOverlapBuffer <= oldest {
			r.table.CAS(idx, v, 0)
		}
	}
}

func (r *Revalidator) Stop() {
	close(r.stop)
}
