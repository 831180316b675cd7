package kvstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := Open(nil, DefaultConfig(path, []string{"default"}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOptimisticCommitAppliesBufferedWrites(t *testing.T) {
	s := openTestStore(t)
	now := func() uint64 { return 1 }

	txn := s.Begin(1, false, now)
	require.NoError(t, txn.Put("default", []byte("k"), []byte("v1")))
	require.NoError(t, txn.Commit())

	r := s.Begin(2, false, now)
	v, ok, err := r.Get("default", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))
	r.Abort()
}

func TestOptimisticConflictDetectedAtCommit(t *testing.T) {
	s := openTestStore(t)
	now := func() uint64 { return 1 }

	a := s.Begin(1, false, now)
	b := s.Begin(2, false, now)

	_, _, err := a.Get("default", []byte("k")) // acquires a's snapshot
	require.NoError(t, err)
	_, _, err = b.Get("default", []byte("k"))
	require.NoError(t, err)

	require.NoError(t, a.Put("default", []byte("k"), []byte("from-a")))
	require.NoError(t, a.Commit())

	require.NoError(t, b.Put("default", []byte("k"), []byte("from-b")))
	err = b.Commit()
	require.ErrorIs(t, err, ErrBusy)
}

func TestPessimisticConflictDetectedAtWrite(t *testing.T) {
	s := openTestStore(t)
	now := func() uint64 { return 1 }

	a := s.Begin(1, true, now)
	b := s.Begin(2, true, now)

	require.NoError(t, a.Put("default", []byte("k"), []byte("from-a")))
	err := b.Put("default", []byte("k"), []byte("from-b"))
	require.ErrorIs(t, err, ErrBusy)

	require.NoError(t, a.Commit())
	b.Abort()
}

func TestGetRangeReflectsOwnOverwritesAndDeletes(t *testing.T) {
	s := openTestStore(t)
	now := func() uint64 { return 1 }

	seed := s.Begin(1, false, now)
	require.NoError(t, seed.Put("default", []byte("a"), []byte("1")))
	require.NoError(t, seed.Put("default", []byte("b"), []byte("2")))
	require.NoError(t, seed.Commit())

	txn := s.Begin(2, false, now)
	require.NoError(t, txn.Put("default", []byte("a"), []byte("overwritten")))
	require.NoError(t, txn.Remove("default", []byte("b")))

	got := map[string]string{}
	require.NoError(t, txn.GetRange("default", nil, nil, 0, func(k, v []byte) bool {
		got[string(k)] = string(v)
		return true
	}))
	require.Equal(t, map[string]string{"a": "overwritten"}, got)
	txn.Abort()
}
