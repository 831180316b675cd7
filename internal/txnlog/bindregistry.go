package txnlog

import "sync"

// BindRegistry enforces that a given txn-id is ever bound to at most one
// Log Handle (§4.C): a transaction may be handed its log buffer through
// any handle's add_entry, or through the Transaction Engine's use_log, but
// once bound to one log name, any attempt to bind it to a different one
// fails with LOG_ALREADY_BOUND_TO_TXN. One registry is shared by every Log
// Handle opened against the same database handle.
type BindRegistry struct {
	mu    sync.Mutex
	bound map[int64]string
}

func NewBindRegistry() *BindRegistry {
	return &BindRegistry{bound: make(map[int64]string)}
}

// TryBind associates txnID with logName, succeeding if txnID is unbound or
// already bound to logName, and failing with errLogBoundToOtherTxn
// otherwise.
func (r *BindRegistry) TryBind(txnID int64, logName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.bound[txnID]; ok {
		if existing != logName {
			return errLogBoundToOtherTxn
		}
		return nil
	}
	r.bound[txnID] = logName
	return nil
}

// Release clears txnID's binding, called on commit/abort so the txn-id can
// be reused by a later transaction.
func (r *BindRegistry) Release(txnID int64) {
	r.mu.Lock()
	delete(r.bound, txnID)
	r.mu.Unlock()
}

// Lookup returns the log name txnID is currently bound to, if any.
func (r *BindRegistry) Lookup(txnID int64) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.bound[txnID]
	return name, ok
}
