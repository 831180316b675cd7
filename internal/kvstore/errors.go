package kvstore

import "errors"

var (
	// ErrBusy signals a conflict: optimistic validation found a read or
	// written key modified since the transaction's snapshot, or a
	// pessimistic write found the key locked by another live transaction.
	ErrBusy = errors.New("kvstore: conflicting write")

	ErrTerminal = errors.New("kvstore: transaction already committed or aborted")
)
