// Package db implements the Database Handle (§4.G): it owns the
// underlying store connection, the log handle registry, the freshness
// cache, a listener registry, a user shared-buffer registry, and an
// in-process lock table.
//
// Grounded on server/mvcc/backend/backend.go's lifecycle
// (newBackend/run/Close with stop/done channels), generalized from
// "one bbolt file" ownership to "store + log registry + freshness cache".
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/txnkv/core"
	"github.com/txnkv/core/internal/freshness"
	"github.com/txnkv/core/internal/kvstore"
	"github.com/txnkv/core/internal/txn"
	"github.com/txnkv/core/internal/txnlog"
)

const defaultColumnFamily = "default"

// Handle is one open database path.
type Handle struct {
	lg  *zap.Logger
	cfg Config

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}

	store *kvstore.Store

	logsMu   sync.Mutex
	logRoot  string
	logs     map[string]*txnlog.Handle
	logStore map[string]*txnlog.Store
	binds    *txnlog.BindRegistry

	freshnessTable *freshness.Table
	freshnessCache *freshness.Cache
	revalidator    *freshness.Revalidator

	tsMu          sync.Mutex
	lastTimestamp uint64

	nextTxnID int64

	txnsMu sync.Mutex
	txns   map[int64]*txn.Transaction

	locksMu sync.Mutex
	locks   map[string]*lockEntry

	listenersMu sync.Mutex
	listeners   map[string][]func(event string, data []byte)

	buffersMu sync.Mutex
	buffers   map[string][]byte
	bufferCBs map[string][]func([]byte)
}

type lockEntry struct {
	owner   string
	waiters []func()
}

// Open opens (creating if absent) the database at cfg.Path.
func Open(lg *zap.Logger, cfg Config) (*Handle, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	if len(cfg.ColumnFamilies) == 0 {
		cfg.ColumnFamilies = []string{defaultColumnFamily}
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, core.Wrap(core.KindInvalidArgument, err, "create db path %s", cfg.Path)
	}

	storePath := filepath.Join(cfg.Path, "store.db")
	store, err := kvstore.Open(lg, kvstore.DefaultConfig(storePath, cfg.ColumnFamilies))
	if err != nil {
		return nil, core.Wrap(core.KindNotOpen, err, "open store")
	}

	logRoot := cfg.TransactionLogsPath
	if logRoot == "" {
		logRoot = filepath.Join(cfg.Path, "transaction_logs")
	}

	h := &Handle{
		lg:        lg,
		cfg:       cfg,
		store:     store,
		closing:   make(chan struct{}),
		logRoot:   logRoot,
		logs:      make(map[string]*txnlog.Handle),
		logStore:  make(map[string]*txnlog.Store),
		binds:     txnlog.NewBindRegistry(),
		txns:      make(map[int64]*txn.Transaction),
		locks:     make(map[string]*lockEntry),
		listeners: make(map[string][]func(event string, data []byte)),
		buffers:   make(map[string][]byte),
		bufferCBs: make(map[string][]func([]byte)),
	}

	sharedKey := cfg.SharedStructuresKey
	if sharedKey == "" {
		sharedKey = filepath.Join(cfg.Path, "freshness.cache")
	}
	table, err := freshness.Open(sharedKey)
	if err != nil {
		return nil, core.Wrap(core.KindNotOpen, err, "open freshness table")
	}
	h.freshnessTable = table
	h.freshnessCache = freshness.New(lg, table, (*storeAdapter)(h), cfg.LocalCacheSoftBound, h.nowMsInt64)
	h.revalidator = freshness.NewRevalidator(table, h.oldestSnapshotMs, cfg.RevalidatorInterval)
	go h.revalidator.Run()

	return h, nil
}

func (h *Handle) checkOpen() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return core.New(core.KindNotOpen, "database is not open")
	}
	return nil
}

// GetMonotonicTimestamp returns max(last_issued+1, wall_now), never
// decreasing even if the wall clock does (§3).
func (h *Handle) GetMonotonicTimestamp() uint64 {
	h.tsMu.Lock()
	defer h.tsMu.Unlock()
	now := uint64(time.Now().UnixMilli())
	next := h.lastTimestamp + 1
	if now > next {
		next = now
	}
	h.lastTimestamp = next
	return next
}

func (h *Handle) nowMsInt64() int64 { return int64(h.GetMonotonicTimestamp()) }

// GetOldestSnapshotTimestamp returns the smallest start timestamp of any
// live snapshot, 0 when none.
func (h *Handle) GetOldestSnapshotTimestamp() uint64 {
	return h.store.OldestSnapshotTimestamp()
}

func (h *Handle) oldestSnapshotMs() uint64 { return h.GetOldestSnapshotTimestamp() }

// BeginTransaction starts a new Transaction in the given mode, assigning
// it the next process-local txn-id.
func (h *Handle) BeginTransaction(mode txn.Mode) (*txn.Transaction, error) {
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	h.tsMu.Lock()
	h.nextTxnID++
	id := h.nextTxnID
	h.tsMu.Unlock()
	t := txn.New(id, mode, h.store, h, h.GetMonotonicTimestamp, h.closing)
	h.txnsMu.Lock()
	h.txns[id] = t
	h.txnsMu.Unlock()
	return t, nil
}

// Untrack satisfies txn.LogProvider: it drops the transaction from the
// outstanding set once Commit or Abort has settled it, so Close doesn't
// try to abort it a second time.
func (h *Handle) Untrack(id int64) {
	h.txnsMu.Lock()
	delete(h.txns, id)
	h.txnsMu.Unlock()
}

// UseLog returns (creating if absent) the Log Handle named name.
func (h *Handle) UseLog(name string) (*txnlog.Handle, error) {
	if name == "" {
		return nil, core.New(core.KindInvalidLogName, "log name required")
	}
	if err := h.checkOpen(); err != nil {
		return nil, err
	}
	h.logsMu.Lock()
	defer h.logsMu.Unlock()
	if lh, ok := h.logs[name]; ok {
		return lh, nil
	}
	dir := filepath.Join(h.logRoot, name)
	storeCfg := txnlog.DefaultConfig()
	storeCfg.MaxFileSize = h.cfg.TransactionLogMaxSize
	storeCfg.Retention = h.cfg.TransactionLogRetention
	if h.cfg.TransactionLogMaxAgeThreshold > 0 {
		storeCfg.MaxAgeThreshold = h.cfg.TransactionLogMaxAgeThreshold
	}
	ls, err := txnlog.Open(h.lg, dir, storeCfg)
	if err != nil {
		if errors.Is(err, txnlog.ErrUnsupportedVersion) {
			return nil, core.Wrap(core.KindUnsupportedVersion, err, "open log %s", name)
		}
		return nil, core.Wrap(core.KindInvalidLogFile, err, "open log %s", name)
	}
	lh := txnlog.NewHandle(h.lg, name, ls, h.binds)
	h.logs[name] = lh
	h.logStore[name] = ls
	return lh, nil
}

// HandleByName satisfies txn.LogProvider.
func (h *Handle) HandleByName(name string) (*txnlog.Handle, bool) {
	h.logsMu.Lock()
	defer h.logsMu.Unlock()
	lh, ok := h.logs[name]
	return lh, ok
}

// Binds satisfies txn.LogProvider.
func (h *Handle) Binds() *txnlog.BindRegistry { return h.binds }

// ListLogs returns the names of every log opened on this handle.
func (h *Handle) ListLogs() []string {
	h.logsMu.Lock()
	defer h.logsMu.Unlock()
	names := make([]string, 0, len(h.logs))
	for name := range h.logs {
		names = append(names, name)
	}
	return names
}

// PurgeOptions controls purge_logs.
type PurgeOptions struct {
	Before  time.Time
	Destroy bool
	Name    string
}

// PurgeLogs purges files older than opts.Before across all (or one)
// named log, never removing the file containing last_committed_offset or
// any newer file.
func (h *Handle) PurgeLogs(opts PurgeOptions) (map[string][]string, error) {
	h.logsMu.Lock()
	defer h.logsMu.Unlock()
	removed := make(map[string][]string)
	for name, ls := range h.logStore {
		if opts.Name != "" && opts.Name != name {
			continue
		}
		removed[name] = ls.Purge(opts.Before)
		if opts.Destroy {
			delete(h.logStore, name)
			delete(h.logs, name)
		}
	}
	return removed, nil
}

// Flush syncs the underlying store and every open log store.
func (h *Handle) Flush() error {
	if err := h.checkOpen(); err != nil {
		return err
	}
	h.logsMu.Lock()
	defer h.logsMu.Unlock()
	for _, ls := range h.logStore {
		if err := ls.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every log store, the freshness table, and the underlying
// store. Any transaction still outstanding is aborted first;
// Transaction.Abort drops its bound log buffer through the log handle's
// Abort (§5).
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	close(h.closing)
	h.revalidator.Stop()

	h.txnsMu.Lock()
	pending := make([]*txn.Transaction, 0, len(h.txns))
	for _, t := range h.txns {
		pending = append(pending, t)
	}
	h.txnsMu.Unlock()
	for _, t := range pending {
		t.Abort()
	}

	h.logsMu.Lock()
	for _, ls := range h.logStore {
		ls.Close()
	}
	h.logsMu.Unlock()

	h.freshnessTable.Close()
	return h.store.Close()
}

// Drop closes the handle and removes the database path entirely.
func (h *Handle) Drop() error {
	if err := h.Close(); err != nil {
		return err
	}
	return os.RemoveAll(h.cfg.Path)
}

// Freshness exposes the shared freshness cache for direct (non-
// transactional) reads/writes against the default column family.
func (h *Handle) Freshness() *freshness.Cache { return h.freshnessCache }

// GetProperty returns a stats string for the named property against cf,
// rocksdb's GetProperty narrowed to a small fixed namespace. Fails with
// STATS_NOT_ENABLED unless the database was opened with EnableStats, and
// PROPERTY_UNAVAILABLE for any name outside that namespace.
func (h *Handle) GetProperty(cf, name string) (string, error) {
	if err := h.checkOpen(); err != nil {
		return "", err
	}
	if !h.cfg.EnableStats {
		return "", core.New(core.KindStatsNotEnabled, "stats not enabled for this database")
	}
	switch name {
	case "txnkv.estimate-num-keys":
		n, _, err := h.store.CFStats(cf)
		if err != nil {
			return "", core.Wrap(core.KindPropertyUnavailable, err, "property %s", name)
		}
		return strconv.Itoa(n), nil
	case "txnkv.stats":
		n, dbStats, err := h.store.CFStats(cf)
		if err != nil {
			return "", core.Wrap(core.KindPropertyUnavailable, err, "property %s", name)
		}
		return fmt.Sprintf("keys=%d free-pages=%d pending-pages=%d open-tx=%d",
			n, dbStats.FreePageN, dbStats.PendingPageN, dbStats.OpenTxN), nil
	default:
		return "", core.New(core.KindPropertyUnavailable, "unknown property %q", name)
	}
}

// storeAdapter implements freshness.Store against this handle's default
// column family, used only for point reads/writes outside a transaction.
type storeAdapter Handle

func (s *storeAdapter) ReadThrough(key freshness.Key) (*freshness.CachedValue, bool, error) {
	h := (*Handle)(s)
	t, err := h.BeginTransaction(txn.Optimistic)
	if err != nil {
		return nil, false, err
	}
	defer t.Abort()
	v, ok, err := t.Get(defaultColumnFamily, canonicalKeyBytes(key))
	if err != nil || !ok {
		return nil, false, err
	}
	return &freshness.CachedValue{Value: v, Version: float64(h.GetMonotonicTimestamp()), Size: len(v)}, true, nil
}

func (s *storeAdapter) WriteThrough(key freshness.Key, value *freshness.CachedValue) error {
	h := (*Handle)(s)
	t, err := h.BeginTransaction(txn.Optimistic)
	if err != nil {
		return err
	}
	if err := t.Put(defaultColumnFamily, canonicalKeyBytes(key), value.Value); err != nil {
		t.Abort()
		return err
	}
	return t.Commit()
}

// canonicalKeyBytes gives a freshness.Key a stable store key, used only by
// storeAdapter's direct (non-transactional) get/put path.
func canonicalKeyBytes(k freshness.Key) []byte {
	switch k.Kind {
	case freshness.KindString, freshness.KindOpaque:
		return []byte(k.Str)
	case freshness.KindInt:
		return []byte(fmt.Sprintf("i:%d", k.Int))
	case freshness.KindFloat:
		return []byte(fmt.Sprintf("f:%g", k.Float))
	default:
		parts := make([]byte, 0, len(k.Items)*8)
		for _, item := range k.Items {
			parts = append(parts, canonicalKeyBytes(item)...)
			parts = append(parts, 0)
		}
		return parts
	}
}
