package txnlog

import (
	"sync"

	"go.uber.org/zap"

	"github.com/txnkv/core"
)

// Handle is one Log Handle: a per-(database handle, log name) buffer keyed
// by txn-id, flushed into the Store on commit. Grounded on
// server/mvcc/backend/batch_tx.go's per-handle buffering-then-commit shape.
type Handle struct {
	lg    *zap.Logger
	Name  string
	store *Store
	binds *BindRegistry

	mu      sync.Mutex
	buffers map[int64][][]byte
}

func NewHandle(lg *zap.Logger, name string, store *Store, binds *BindRegistry) *Handle {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Handle{lg: lg, Name: name, store: store, binds: binds, buffers: make(map[int64][][]byte)}
}

// Bind registers txnID with this handle, as happens when a Transaction
// calls use_log(name) for the first time.
func (h *Handle) Bind(txnID int64) error {
	if err := h.binds.TryBind(txnID, h.Name); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.buffers[txnID]; !ok {
		h.buffers[txnID] = nil
	}
	return nil
}

// Bound reports whether txnID has been bound to this handle.
func (h *Handle) Bound(txnID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.buffers[txnID]
	return ok
}

// AddEntry appends bytes to txnID's buffer, binding txnID to this handle
// on first use. Fails with LOG_ALREADY_BOUND_TO_TXN if txnID is already
// bound to a different log handle.
func (h *Handle) AddEntry(txnID int64, data []byte) error {
	if err := h.Bind(txnID); err != nil {
		return core.Wrap(core.KindLogAlreadyBoundToTxn, err, "add entry to log %q", h.Name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffers[txnID] = append(h.buffers[txnID], data)
	return nil
}

// Commit flushes txnID's buffered entries to the store, all stamped with
// finalTimestamp and the last one flagged end-of-txn, returning the
// sequence and offset the span started at.
func (h *Handle) Commit(txnID int64, finalTimestamp uint64) (seq int64, offset int64, err error) {
	h.mu.Lock()
	buf, bound := h.buffers[txnID]
	delete(h.buffers, txnID)
	h.mu.Unlock()
	if !bound {
		return 0, 0, ErrUnknownTxn
	}
	h.binds.Release(txnID)

	if len(buf) == 0 {
		return 0, 0, nil
	}
	frames := make([]PendingFrame, len(buf))
	for i, data := range buf {
		frames[i] = PendingFrame{Timestamp: finalTimestamp, Data: data, EndOfTxn: i == len(buf)-1}
	}
	return h.store.Append(frames)
}

// Abort drops txnID's buffer without writing anything.
func (h *Handle) Abort(txnID int64) {
	h.mu.Lock()
	delete(h.buffers, txnID)
	h.mu.Unlock()
	h.binds.Release(txnID)
}

// Query returns a Log Reader over this handle's store per opts (§4.D).
func (h *Handle) Query(opts QueryOptions) (*Reader, error) {
	return NewReader(h.store.dir, h.store.Files(), h.store.LastCommittedOffset(), opts)
}

// Dispose releases all still-buffered (uncommitted) txns, mirroring the
// handle's garbage-collection semantics: a dropped handle discards
// whatever it had not yet committed.
func (h *Handle) Dispose() {
	h.mu.Lock()
	h.buffers = make(map[int64][][]byte)
	h.mu.Unlock()
}
