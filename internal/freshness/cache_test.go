package freshness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txnkv/core"
)

type fakeStore struct {
	values map[string]*CachedValue
	reads  int
}

func newFakeStore() *fakeStore { return &fakeStore{values: map[string]*CachedValue{}} }

func (f *fakeStore) ReadThrough(key Key) (*CachedValue, bool, error) {
	f.reads++
	v, ok := f.values[cacheKeyString(key)]
	return v, ok, nil
}

func (f *fakeStore) WriteThrough(key Key, value *CachedValue) error {
	f.values[cacheKeyString(key)] = value
	return nil
}

func TestCacheGetServesFromLocalWhenSlotStillFresh(t *testing.T) {
	table := OpenAnonymous()
	store := newFakeStore()
	k := StringKey("k")
	store.values["k"] = &CachedValue{Value: []byte("v1"), Version: 1}

	var now int64 = 100
	c := New(nil, table, store, 10, func() int64 { return now })

	v, err := c.Get(k)
	require.NoError(t, err)
	require.Equal(t, "v1", string(v.Value))
	require.Equal(t, 1, store.reads)

	v, err = c.Get(k)
	require.NoError(t, err)
	require.Equal(t, "v1", string(v.Value))
	require.Equal(t, 1, store.reads, "second Get should be served from local cache, not read through again")
}

func TestCachePutSyncTagsSlotSoConcurrentReadDoesNotRepopulateStale(t *testing.T) {
	table := OpenAnonymous()
	store := newFakeStore()
	k := StringKey("k")
	store.values["k"] = &CachedValue{Value: []byte("v1"), Version: 1}

	var now int64 = 100
	c := New(nil, table, store, 10, func() int64 { return now })

	_, err := c.Get(k)
	require.NoError(t, err)

	require.NoError(t, c.PutSync(k, &CachedValue{Value: []byte("v2"), Version: 2}))

	idx := SlotIndex(k)
	require.True(t, IsWriteTag(table.Load(idx)))

	v, err := c.Get(k)
	require.NoError(t, err)
	require.Equal(t, "v2", string(v.Value))
}

func TestCacheGetRejectsUnrecognizedKeyKind(t *testing.T) {
	table := OpenAnonymous()
	store := newFakeStore()
	c := New(nil, table, store, 10, func() int64 { return 0 })

	_, err := c.Get(Key{Kind: KeyKind(99)})
	require.Error(t, err)
	require.True(t, core.Is(err, core.KindInvalidKeyType))
}

func TestCachePutSyncRejectsNilValue(t *testing.T) {
	table := OpenAnonymous()
	store := newFakeStore()
	c := New(nil, table, store, 10, func() int64 { return 0 })

	err := c.PutSync(StringKey("k"), nil)
	require.Error(t, err)
	require.True(t, core.Is(err, core.KindInvalidValue))
}

func TestRevalidatorClearsWriteTagOnceOldestSnapshotPasses(t *testing.T) {
	table := OpenAnonymous()
	idx := SlotIndex(StringKey("k"))
	table.Store(idx, WriteTag(1000))

	oldest := uint64(1000 + writeOverlapBuffer)
	r := NewRevalidator(table, func() uint64 { return oldest }, 0)
	r.sweepOnce()

	require.False(t, IsWriteTag(table.Load(idx)))
}
