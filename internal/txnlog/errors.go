package txnlog

import "errors"

var (
	errInvalidLogFile     = errors.New("invalid log file header")
	errLogBoundToOtherTxn = errors.New("txn already bound to a different log")

	// ErrUnsupportedVersion is returned when a log file's header names a
	// version this build does not know how to read.
	ErrUnsupportedVersion = errors.New("unsupported log file version")

	// ErrUnknownTxn is returned by Handle.Commit when called with a txn-id
	// this handle never bound (via Bind/AddEntry), as opposed to a bound
	// txn-id that simply never added anything.
	ErrUnknownTxn = errors.New("unknown txn id on this log handle")
)
