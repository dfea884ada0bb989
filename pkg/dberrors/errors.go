package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("txkv: not found")
	ErrClosed          = errors.New("txkv: closed")
	ErrInvalidArgument = errors.New("txkv: invalid argument")

	// ErrConflict is returned when a transaction loses a lock race. It is
	// recoverable: retry with a fresh transaction.
	ErrConflict = errors.New("txkv: transaction conflict")
	// ErrTxnDone is returned when a committed or aborted transaction is reused.
	ErrTxnDone = errors.New("txkv: transaction already finished")
	// ErrIllegalLockState is returned when an owner releases a lock it does not hold.
	ErrIllegalLockState = errors.New("txkv: lock not held by owner")

	ErrSizeMismatch = errors.New("txkv: declared size does not match written bytes")
	ErrCorrupted    = errors.New("txkv: corrupted table")
)
