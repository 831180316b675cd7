package txn

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txnkv/core"
	"github.com/txnkv/core/internal/kvstore"
	"github.com/txnkv/core/internal/txnlog"
)

// fakeLogProvider is a minimal LogProvider backed by a single shared
// BindRegistry and a set of named Log Handles, enough to exercise
// Transaction.UseLog/Commit/Abort without a full Database Handle.
type fakeLogProvider struct {
	binds   *txnlog.BindRegistry
	stores  map[string]*txnlog.Store
	handles map[string]*txnlog.Handle
	dir     string
}

func newFakeLogProvider(t *testing.T) *fakeLogProvider {
	t.Helper()
	return &fakeLogProvider{
		binds:   txnlog.NewBindRegistry(),
		stores:  map[string]*txnlog.Store{},
		handles: map[string]*txnlog.Handle{},
		dir:     t.TempDir(),
	}
}

func (p *fakeLogProvider) UseLog(name string) (*txnlog.Handle, error) {
	if h, ok := p.handles[name]; ok {
		return h, nil
	}
	s, err := txnlog.Open(nil, filepath.Join(p.dir, name), txnlog.DefaultConfig())
	if err != nil {
		return nil, err
	}
	h := txnlog.NewHandle(nil, name, s, p.binds)
	p.stores[name] = s
	p.handles[name] = h
	return h, nil
}

func (p *fakeLogProvider) Binds() *txnlog.BindRegistry { return p.binds }

func (p *fakeLogProvider) HandleByName(name string) (*txnlog.Handle, bool) {
	h, ok := p.handles[name]
	return h, ok
}

func (p *fakeLogProvider) Untrack(id int64) {}

func newTestStore(t *testing.T) *kvstore.Store {
	t.Helper()
	s, err := kvstore.Open(nil, kvstore.DefaultConfig(filepath.Join(t.TempDir(), "store.db"), []string{"default"}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTransactionPutGetCommit(t *testing.T) {
	store := newTestStore(t)
	logs := newFakeLogProvider(t)
	now := uint64(1)

	tx := New(1, Optimistic, store, logs, func() uint64 { return now }, nil)
	require.NoError(t, tx.Put("default", []byte("k"), []byte("v")))
	v, ok, err := tx.Get("default", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.NoError(t, tx.Commit())
}

func TestTransactionPutRejectsEmptyKey(t *testing.T) {
	store := newTestStore(t)
	logs := newFakeLogProvider(t)
	tx := New(1, Optimistic, store, logs, func() uint64 { return 1 }, nil)

	err := tx.Put("default", nil, []byte("v"))
	require.True(t, core.Is(err, core.KindKeyRequired))
}

func TestUseLogSameNameIdempotentDifferentNameFails(t *testing.T) {
	store := newTestStore(t)
	logs := newFakeLogProvider(t)
	tx := New(1, Optimistic, store, logs, func() uint64 { return 1 }, nil)

	h1, err := tx.UseLog("l3")
	require.NoError(t, err)
	h2, err := tx.UseLog("l3")
	require.NoError(t, err)
	require.Same(t, h1, h2)

	_, err = tx.UseLog("l4")
	require.True(t, core.Is(err, core.KindLogAlreadyBoundToTxn))
}

func TestCommitFlushesBoundLogWithFinalTimestamp(t *testing.T) {
	store := newTestStore(t)
	logs := newFakeLogProvider(t)
	tx := New(5, Optimistic, store, logs, func() uint64 { return 42 }, nil)

	h, err := tx.UseLog("audit")
	require.NoError(t, err)
	require.NoError(t, h.AddEntry(5, []byte("entry-1")))

	require.NoError(t, tx.Commit())

	reader, err := h.Query(txnlog.QueryOptions{})
	require.NoError(t, err)
	defer reader.Close()

	entry, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, "entry-1", string(entry.Data))
	require.Equal(t, uint64(42), entry.Timestamp)
	require.True(t, entry.EndOfTxn)
}

func TestAbortDropsBoundLogBuffer(t *testing.T) {
	store := newTestStore(t)
	logs := newFakeLogProvider(t)
	tx := New(9, Optimistic, store, logs, func() uint64 { return 1 }, nil)

	h, err := tx.UseLog("audit")
	require.NoError(t, err)
	require.NoError(t, h.AddEntry(9, []byte("should-not-persist")))

	tx.Abort()
	require.False(t, h.Bound(9))
}
