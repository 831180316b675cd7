package txnlog

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreAppendAndReadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	s, err := Open(nil, dir, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	seq, offset, err := s.Append([]PendingFrame{
		{Timestamp: 10, Data: []byte("hello")},
		{Timestamp: 10, Data: []byte("world"), EndOfTxn: true},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
	// offset is an absolute byte position within 1.txnlog: 10-byte file
	// header + 14-byte block header + 0 bytes used so far in the block.
	require.Equal(t, int64(24), offset)

	r, err := NewReader(dir, s.Files(), s.LastCommittedOffset(), QueryOptions{Start: uint64Ptr(0)})
	require.NoError(t, err)
	defer r.Close()

	e1, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", string(e1.Data))
	require.False(t, e1.EndOfTxn)

	e2, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "world", string(e2.Data))
	require.True(t, e2.EndOfTxn)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestStoreRotatesAtMaxFileSize(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	cfg := DefaultConfig()
	cfg.BlockSize = 512
	cfg.MaxFileSize = 1000
	s, err := Open(nil, dir, cfg)
	require.NoError(t, err)
	defer s.Close()

	payload := make([]byte, 300)
	for i := 0; i < 10; i++ {
		_, _, err := s.Append([]PendingFrame{{Timestamp: uint64(i + 1), Data: payload, EndOfTxn: true}})
		require.NoError(t, err)
	}

	require.Greater(t, len(s.Files()), 1)
}

func TestStorePurgeNeverRemovesTailFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	cfg := DefaultConfig()
	cfg.BlockSize = 512
	cfg.MaxFileSize = 600
	s, err := Open(nil, dir, cfg)
	require.NoError(t, err)
	defer s.Close()

	payload := make([]byte, 200)
	for i := 0; i < 6; i++ {
		_, _, err := s.Append([]PendingFrame{{Timestamp: uint64(i + 1), Data: payload, EndOfTxn: true}})
		require.NoError(t, err)
	}
	before := len(s.Files())
	require.Greater(t, before, 1)

	removed := s.Purge(time.Now().Add(time.Hour))
	require.NotEmpty(t, removed)
	require.NotEmpty(t, s.Files())
}

// TestSingleAppendFileSizeMatchesFormula grounds the file-size formula
// (10 + ceil(n*(12+k)/4082)*14 + n*(12+k)) in the concrete scenario of a
// single 10-byte append: the tail block must persist only the bytes it
// actually holds, never padded to the full block size.
func TestSingleAppendFileSizeMatchesFormula(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	s, err := Open(nil, dir, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	_, _, err = s.Append([]PendingFrame{{Timestamp: 1, Data: make([]byte, 10), EndOfTxn: true}})
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(dir, "1.txnlog"))
	require.NoError(t, err)
	require.EqualValues(t, 46, fi.Size())
}

// TestRotationProducesExactFileSizes grounds the rotation scenario:
// MaxFileSize=1000, twenty 100-byte payloads (112 bytes on the wire each).
// Each file should hold exactly 8 frames (10+14+8*112=920<=1000); the
// third file holds the remaining 4 (10+14+4*112=472).
func TestRotationProducesExactFileSizes(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	cfg := DefaultConfig()
	cfg.MaxFileSize = 1000
	s, err := Open(nil, dir, cfg)
	require.NoError(t, err)
	defer s.Close()

	payload := make([]byte, 100)
	for i := 0; i < 20; i++ {
		_, _, err := s.Append([]PendingFrame{{Timestamp: uint64(i + 1), Data: payload, EndOfTxn: true}})
		require.NoError(t, err)
	}

	require.Equal(t, []string{"1.txnlog", "2.txnlog", "3.txnlog"}, s.Files())

	sizes := make([]int64, 0, 3)
	for _, name := range s.Files() {
		fi, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		sizes = append(sizes, fi.Size())
	}
	require.Equal(t, []int64{920, 920, 472}, sizes)
}

func uint64Ptr(v uint64) *uint64 { return &v }
