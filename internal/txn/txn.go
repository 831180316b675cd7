// Package txn is the Transaction Engine (§4.E): it groups buffered
// key/value writes and a single bound transaction log under one txn-id,
// committing atomically with optimistic or pessimistic conflict detection
// and a monotonic commit timestamp.
//
// Grounded on server/mvcc/backend/batch_tx.go's batchTxBuffered
// (buffer-then-writeback-on-commit) and server/mvcc/key_index.go's
// revision tracking.
package txn

import (
	"sync"

	"github.com/txnkv/core"
	"github.com/txnkv/core/internal/kvstore"
	"github.com/txnkv/core/internal/txnlog"
)

// Mode selects conflict detection strategy.
type Mode int

const (
	Optimistic Mode = iota
	Pessimistic
)

// State is the transaction's lifecycle state (§4.E).
type State int

const (
	StateBuffering State = iota
	StateCommitting
	StateAborting
	StateTerminal
)

// LogProvider is the subset of the Database Handle a Transaction needs to
// resolve use_log(name) calls and, at commit/abort, find whichever single
// log this txn-id ended up bound to (possibly via a direct add_entry call
// that never went through UseLog).
type LogProvider interface {
	UseLog(name string) (*txnlog.Handle, error)
	Binds() *txnlog.BindRegistry
	HandleByName(name string) (*txnlog.Handle, bool)
	Untrack(id int64)
}

// Transaction is one unit of work against one or more column families of
// the underlying store, plus at most one bound transaction log.
type Transaction struct {
	ID      int64
	Mode    Mode
	getNow  func() uint64
	logs    LogProvider
	ktxn    *kvstore.Txn
	closing <-chan struct{}

	mu           sync.Mutex
	state        State
	timestamp    uint64
	timestampSet bool
	usedLog      *txnlog.Handle
	usedLogName  string
}

// New begins a transaction. getNow supplies the database handle's
// monotonic timestamp source (§3); closing is the handle's shared
// close-token, polled at GetRange's suspension point per §5's
// cooperative-cancel-on-close rule (nil disables the check).
func New(id int64, mode Mode, store *kvstore.Store, logs LogProvider, getNow func() uint64, closing <-chan struct{}) *Transaction {
	pessimistic := mode == Pessimistic
	snapNow := func() uint64 { return getNow() }
	return &Transaction{
		ID:      id,
		Mode:    mode,
		getNow:  getNow,
		logs:    logs,
		ktxn:    store.Begin(id, pessimistic, snapNow),
		closing: closing,
	}
}

// closed reports whether the owning database handle has begun closing.
func (t *Transaction) closed() bool {
	if t.closing == nil {
		return false
	}
	select {
	case <-t.closing:
		return true
	default:
		return false
	}
}

func (t *Transaction) sampleTimestamp() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.timestampSet {
		t.timestamp = t.getNow()
		t.timestampSet = true
	}
	return t.timestamp
}

// SetTimestamp forces a different stamp for subsequent entries from this
// transaction, per §4.E's timestamp discipline.
func (t *Transaction) SetTimestamp(ts uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timestamp = ts
	t.timestampSet = true
}

// Put buffers a write. No-op on a transaction already aborting/terminal.
func (t *Transaction) Put(cf string, key, value []byte) error {
	if len(key) == 0 {
		return core.New(core.KindKeyRequired, "key required")
	}
	t.sampleTimestamp()
	if err := t.ktxn.Put(cf, key, value); err != nil {
		return translateConflict(err)
	}
	return nil
}

// Remove buffers a delete.
func (t *Transaction) Remove(cf string, key []byte) error {
	if len(key) == 0 {
		return core.New(core.KindKeyRequired, "key required")
	}
	t.sampleTimestamp()
	if err := t.ktxn.Remove(cf, key); err != nil {
		return translateConflict(err)
	}
	return nil
}

// Get reads from the transaction's snapshot, acquiring it lazily on first
// read. This holds in both modes: pessimistic Put/Remove take key locks
// but do not acquire the snapshot.
func (t *Transaction) Get(cf string, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, core.New(core.KindKeyRequired, "key required")
	}
	return t.ktxn.Get(cf, key)
}

// GetRange iterates [start, end) of cf as kvstore.Txn.GetRange does,
// aborting with CLOSED_DURING_OPERATION if the database handle closes
// mid-iteration (§5's cooperative-cancel-on-close rule).
func (t *Transaction) GetRange(cf string, start, end []byte, limit int, visit func(k, v []byte) bool) error {
	if t.closed() {
		return core.New(core.KindClosedDuringOperation, "database closed during get_range")
	}
	interrupted := false
	t.ktxn.GetRange(cf, start, end, limit, func(k, v []byte) bool {
		if t.closed() {
			interrupted = true
			return false
		}
		return visit(k, v)
	})
	if interrupted {
		return core.New(core.KindClosedDuringOperation, "database closed during get_range")
	}
	return nil
}

// UseLog returns (creating if absent) the Log Handle named name, binding
// this txn-id to it. A second call naming a different log than the one
// already bound fails with LOG_ALREADY_BOUND_TO_TXN; repeat calls with the
// same name return the cached handle.
func (t *Transaction) UseLog(name string) (*txnlog.Handle, error) {
	t.mu.Lock()
	if t.usedLog != nil {
		if t.usedLogName == name {
			h := t.usedLog
			t.mu.Unlock()
			return h, nil
		}
		t.mu.Unlock()
		return nil, core.New(core.KindLogAlreadyBoundToTxn, "txn already bound to log %q", t.usedLogName)
	}
	t.mu.Unlock()

	h, err := t.logs.UseLog(name)
	if err != nil {
		return nil, err
	}
	if err := h.Bind(t.ID); err != nil {
		return nil, core.Wrap(core.KindLogAlreadyBoundToTxn, err, "txn already bound to a different log")
	}
	t.mu.Lock()
	t.usedLog = h
	t.usedLogName = name
	t.mu.Unlock()
	return h, nil
}

// Commit flushes buffered key/value changes and, in optimistic mode,
// validates the transaction's read and write sets against the current
// revision index before applying. On success, the bound log handle (if
// any) receives its commit callback with this transaction's final
// timestamp.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	t.state = StateCommitting
	t.mu.Unlock()

	if err := t.ktxn.Commit(); err != nil {
		return translateConflict(err)
	}

	ts := t.sampleTimestamp()
	if name, ok := t.logs.Binds().Lookup(t.ID); ok {
		if h, ok := t.logs.HandleByName(name); ok {
			if _, _, err := h.Commit(t.ID, ts); err != nil {
				return translateUnknownTxn(err)
			}
		}
	}

	t.mu.Lock()
	t.state = StateTerminal
	t.mu.Unlock()
	t.logs.Untrack(t.ID)
	return nil
}

// Abort discards buffered store changes and notifies the bound log handle
// (if any) to drop its buffer.
func (t *Transaction) Abort() {
	t.mu.Lock()
	t.state = StateAborting
	t.mu.Unlock()

	t.ktxn.Abort()
	if name, ok := t.logs.Binds().Lookup(t.ID); ok {
		if h, ok := t.logs.HandleByName(name); ok {
			h.Abort(t.ID)
		}
	}

	t.mu.Lock()
	t.state = StateTerminal
	t.mu.Unlock()
	t.logs.Untrack(t.ID)
}

func translateConflict(err error) error {
	if err == kvstore.ErrBusy {
		return core.New(core.KindBusy, "conflicting write")
	}
	return err
}

func translateUnknownTxn(err error) error {
	if err == txnlog.ErrUnknownTxn {
		return core.New(core.KindUnknownTxn, "txn not known to this log handle")
	}
	return err
}
