// Package store is the persistent layer for resolverd: episodes, strategy
// weights, modifications, and fitness snapshots in a single SQLite file.
//
// Writes run under a scoped exclusive lock with a bounded wait, inside an
// all-or-nothing transaction; at most one writer is ever in flight. Reads
// go straight to the database and tolerate a snapshot that is stale by at
// most one in-flight write. Rows that fail an invariant check on read
// poison the store: further writes are refused until an administrative
// Reset, because a record must never be reported resolved without a
// durable, well-formed episode behind it.
package store
