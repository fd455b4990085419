package store

import (
	"fmt"
	"time"
)

// LockTimeoutError reports that a writer could not acquire the exclusive
// lock within the bounded wait, even after one retry. It is transient:
// the caller may try the whole operation again.
type LockTimeoutError struct {
	Op      string
	Waited  time.Duration
	Retries int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("store: %s: exclusive lock not acquired after %s (%d retries)", e.Op, e.Waited, e.Retries)
}

// CorruptionError reports persisted data that failed a schema or invariant
// check on read. It is fatal for the write path: the store refuses further
// writes until Reset is called by an operator.
type CorruptionError struct {
	Table  string
	ID     string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store: corrupt row in %s (id=%s): %s", e.Table, e.ID, e.Reason)
}

// StaleRollbackError reports an attempted rollback of a modification that
// is not the most recently applied one. History is linear; the caller must
// roll back newer modifications first. Retrying does not help.
type StaleRollbackError struct {
	ModID    string
	LatestID string
}

func (e *StaleRollbackError) Error() string {
	return fmt.Sprintf("store: modification %s is not the latest applied (latest=%s); rollback refused", e.ModID, e.LatestID)
}
