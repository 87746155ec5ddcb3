/*
Package lockyard provides the concurrency-control core of an embedded
transactional database: a sharded hierarchical lock manager, a deadlock
detector, a multi-version store and epoch-based memory reclamation.

# Locking

Resources form a hierarchy of database, table, page and row. A lock on a
node first takes the matching intent lock (IS or IX) on every ancestor, so
a table-level S lock and a row-level X lock below it conflict at the table.
Modes are IS, IX, S, U, SIX and X. A request compatible with every current
holder is granted at once, even past queued waiters. Other requests queue in
arrival order, and a release grants every waiter that has become compatible.
A transaction that already holds a lock upgrades it in place when no other
holder conflicts.

# Deadlocks

Every waiting request adds wait-for edges from the waiter to the holders
whose modes conflict with it. A bounded depth-first search runs
from each new waiter; a full cycle scan runs once enough edges changed or
on the background sweep. The victim of a cycle is the transaction with the
smallest id, which fails with ErrDeadlock. Engine.RunInTxn retries it with
exponential backoff.

# Versions

Each key holds a chain of versions newest first. A transaction reads the
newest version committed at or before its snapshot timestamp, or its own
writes. Versions no snapshot can read are pruned in the background and
their memory is reclaimed through epochs once no reader can still hold a
pointer to them.

# Concurrency

An Engine is safe for concurrent use by multiple goroutines. A Txn must be
driven by one goroutine at a time.
*/
package lockyard
