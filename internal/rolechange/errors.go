package rolechange

import (
	"errors"
	"fmt"

	"ngoportal.org/internal/auth"
)

// ErrStepTimeout marks a step that exceeded its deadline. The step counts as failed.
var ErrStepTimeout = errors.New("rolechange: step timed out")

// PartitionWriteError reports that the new role's partition row could not be
// written after the shared profile already carries the new role.
type PartitionWriteError struct {
	IdentityID         string
	Role               auth.Role
	ReconcileScheduled bool
	Err                error
}

func (e *PartitionWriteError) Error() string {
	return fmt.Sprintf("rolechange: insert %s row for %s: %v", e.Role.Partition(), e.IdentityID, e.Err)
}

func (e *PartitionWriteError) Unwrap() error { return e.Err }

// PartitionCleanupWarning reports a best-effort partition write that failed.
// The operation still succeeded; reconciliation converges the partitions.
type PartitionCleanupWarning struct {
	IdentityID string
	Role       auth.Role
	// Op is the partition operation that failed: delete, update or repair.
	Op  string
	Err error
}

func (w *PartitionCleanupWarning) Error() string {
	return fmt.Sprintf("rolechange: %s %s row for %s: %v", w.Op, w.Role.Partition(), w.IdentityID, w.Err)
}

func (w *PartitionCleanupWarning) Unwrap() error { return w.Err }
