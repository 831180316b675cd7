package db

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txnkv/core"
	"github.com/txnkv/core/internal/txn"
	"github.com/txnkv/core/internal/txnlog"
)

func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	h, err := Open(nil, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestBeginTransactionPutGetCommit(t *testing.T) {
	h := openTestHandle(t)

	tx, err := h.BeginTransaction(txn.Optimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put("default", []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	tx2, err := h.BeginTransaction(txn.Optimistic)
	require.NoError(t, err)
	v, ok, err := tx2.Get("default", []byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	tx2.Abort()
}

func TestGetMonotonicTimestampNeverDecreases(t *testing.T) {
	h := openTestHandle(t)
	var last uint64
	for i := 0; i < 5; i++ {
		ts := h.GetMonotonicTimestamp()
		require.Greater(t, ts, last)
		last = ts
	}
}

func TestUseLogReturnsSameHandleForSameName(t *testing.T) {
	h := openTestHandle(t)
	l1, err := h.UseLog("audit")
	require.NoError(t, err)
	l2, err := h.UseLog("audit")
	require.NoError(t, err)
	require.Same(t, l1, l2)
	require.Equal(t, []string{"audit"}, h.ListLogs())
}

func TestTransactionUseLogThenCommitWritesToLog(t *testing.T) {
	h := openTestHandle(t)
	tx, err := h.BeginTransaction(txn.Optimistic)
	require.NoError(t, err)

	lh, err := tx.UseLog("audit")
	require.NoError(t, err)
	require.NoError(t, lh.AddEntry(tx.ID, []byte("event")))
	require.NoError(t, tx.Commit())

	reader, err := lh.Query(txnlog.QueryOptions{})
	require.NoError(t, err)
	defer reader.Close()
	entry, err := reader.Next()
	require.NoError(t, err)
	require.Equal(t, "event", string(entry.Data))
}

func TestTryLockWithLockAndUnlock(t *testing.T) {
	h := openTestHandle(t)
	require.True(t, h.TryLock("res", "owner-a"))
	require.False(t, h.TryLock("res", "owner-b"))
	require.NoError(t, h.Unlock("res", "owner-a"))
	require.False(t, h.HasLock("res"))

	ran := false
	require.NoError(t, h.WithLock("res", "owner-a", func() error {
		ran = true
		require.False(t, h.TryLock("res", "owner-b"))
		return nil
	}))
	require.True(t, ran)
	require.False(t, h.HasLock("res"))
}

func TestGetUserSharedBufferDefaultsAndNotifies(t *testing.T) {
	h := openTestHandle(t)
	buf := h.GetUserSharedBuffer("counters", []byte("init"), SharedBufferOptions{})
	require.Equal(t, "init", string(buf))

	var notified []byte
	h.GetUserSharedBuffer("counters", []byte("init"), SharedBufferOptions{Callback: func(b []byte) {
		notified = b
	}})
	h.NotifyUserSharedBuffer("counters", []byte("updated"))
	require.Equal(t, "updated", string(notified))
}

func TestSubscribeNotify(t *testing.T) {
	h := openTestHandle(t)
	var got string
	h.Subscribe("write", func(event string, data []byte) {
		got = event + ":" + string(data)
	})
	h.Notify("write", []byte("payload"))
	require.Equal(t, "write:payload", got)
}

func TestGetPropertyRequiresStatsEnabled(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	h, err := Open(nil, cfg)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.GetProperty("default", "txnkv.estimate-num-keys")
	require.Error(t, err)
	require.True(t, core.Is(err, core.KindStatsNotEnabled))
}

func TestGetPropertyUnknownName(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.EnableStats = true
	h, err := Open(nil, cfg)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.GetProperty("default", "nonsense")
	require.Error(t, err)
	require.True(t, core.Is(err, core.KindPropertyUnavailable))
}

func TestGetPropertyEstimateNumKeys(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.EnableStats = true
	h, err := Open(nil, cfg)
	require.NoError(t, err)
	defer h.Close()

	tx, err := h.BeginTransaction(txn.Optimistic)
	require.NoError(t, err)
	require.NoError(t, tx.Put("default", []byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())

	got, err := h.GetProperty("default", "txnkv.estimate-num-keys")
	require.NoError(t, err)
	require.Equal(t, "1", got)
}

func TestGetRangeFailsWithClosedDuringOperationAfterClose(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	h, err := Open(nil, cfg)
	require.NoError(t, err)

	tx, err := h.BeginTransaction(txn.Optimistic)
	require.NoError(t, err)

	require.NoError(t, h.Close())

	err = tx.GetRange("default", nil, nil, 0, func(k, v []byte) bool { return true })
	require.Error(t, err)
	require.True(t, core.Is(err, core.KindClosedDuringOperation))
}
