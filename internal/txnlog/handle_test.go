package txnlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleAddEntryBindsTxnAndCommitFlagsLastFrame(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	s, err := Open(nil, dir, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	binds := NewBindRegistry()
	h := NewHandle(nil, "l1", s, binds)

	require.NoError(t, h.AddEntry(42, []byte("a")))
	require.NoError(t, h.AddEntry(42, []byte("b")))
	require.True(t, h.Bound(42))

	_, _, err = h.Commit(42, 100)
	require.NoError(t, err)
	require.False(t, h.Bound(42))

	_, bound := binds.Lookup(42)
	require.False(t, bound)
}

func TestHandleSecondLogRejectsAlreadyBoundTxn(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(nil, filepath.Join(dir, "l1"), DefaultConfig())
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(nil, filepath.Join(dir, "l2"), DefaultConfig())
	require.NoError(t, err)
	defer s2.Close()

	binds := NewBindRegistry()
	h1 := NewHandle(nil, "l1", s1, binds)
	h2 := NewHandle(nil, "l2", s2, binds)

	require.NoError(t, h1.AddEntry(7, []byte("x")))
	err = h2.AddEntry(7, []byte("y"))
	require.ErrorIs(t, err, errLogBoundToOtherTxn)
}

func TestHandleAbortDropsBufferAndBinding(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	s, err := Open(nil, dir, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	binds := NewBindRegistry()
	h := NewHandle(nil, "l1", s, binds)
	require.NoError(t, h.AddEntry(1, []byte("a")))
	h.Abort(1)
	require.False(t, h.Bound(1))

	_, bound := binds.Lookup(1)
	require.False(t, bound)
}
