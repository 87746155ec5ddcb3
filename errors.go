package lockyard

import (
	"errors"

	"github.com/aalhour/lockyard/internal/lock"
	"github.com/aalhour/lockyard/internal/mvcc"
	"github.com/aalhour/lockyard/internal/txn"
)

// Lock errors
var (
	// ErrLockTimeout is returned when a lock wait times out or its context
	// is cancelled. The transaction is aborted.
	ErrLockTimeout = lock.ErrLockTimeout

	// ErrDeadlock is returned to the transaction chosen to break a deadlock.
	// The transaction is aborted; retry it after Engine.RetryBackoff.
	ErrDeadlock = lock.ErrDeadlock

	// ErrLockNotHeld is returned by Unlock for a resource the transaction
	// does not hold.
	ErrLockNotHeld = lock.ErrLockNotHeld
)

// Transaction errors
var (
	// ErrInvalidTransactionState is returned for operations that the
	// transaction's lifecycle state does not allow, such as writing after
	// Commit or locking after Unlock.
	ErrInvalidTransactionState = txn.ErrInvalidTransactionState

	// ErrTransactionExpired is returned when a transaction outlived its
	// timeout. The transaction is aborted.
	ErrTransactionExpired = errors.New("lockyard: transaction expired")

	// ErrWriteConflict is returned when a snapshot transaction writes a key
	// that another transaction committed after the snapshot was taken.
	ErrWriteConflict = errors.New("lockyard: write conflict - key modified after snapshot")

	// ErrReadOnly is returned when writing in a read-only transaction.
	ErrReadOnly = errors.New("lockyard: transaction is read-only")

	// ErrActiveChildren is returned when committing a transaction whose
	// nested transactions are still open.
	ErrActiveChildren = errors.New("lockyard: nested transactions still active")
)

// Engine errors
var (
	// ErrEngineStopped is returned by Begin after Close, or after a
	// structural violation was reported through Logger.Fatalf.
	ErrEngineStopped = errors.New("lockyard: engine stopped")

	// ErrDuplicateVersion is returned when two versions of a key share a
	// creation timestamp.
	ErrDuplicateVersion = mvcc.ErrDuplicateVersion
)
